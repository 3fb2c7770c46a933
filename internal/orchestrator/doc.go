// Package orchestrator is the task state machine of scaffoldd.
//
// # Overview
//
// An Orchestrator turns a "create a project" request into a persistent task
// that can be executed, paused, resumed, completed, modified through
// conversation and deleted. It composes the task store, the context store,
// the validation engine, the interaction router and the external
// collaborators (intelligence service, tool executor, report renderer).
//
// # States
//
//	active ──execute──▶ completed | error
//	active ◀──resume── paused ◀──pause── active
//	error ──execute──▶ completed | error
//
// CompleteTask forces completed without validating. DeleteTask is allowed
// from any state.
//
// # Execution pipeline
//
// ExecuteTask runs its stages strictly in order:
//
//	materialize → validate → report
//
// Materialization asks the intelligence service for a solution when the
// task has none, writes every structure file through the tool executor,
// installs dependencies and applies pending modifications. Progress
// checkpoints (10, 40, 60, 90, 100) are published as taskProgress events.
// The whole run is bounded by the task's maxExecutionTime.
//
// # Concurrency
//
// Each task has one mutex. Every read or write of a task's context happens
// under it; long stages run outside the lock and re-acquire it to publish
// their results, so interactions interleave with an execution only at stage
// boundaries.
//
// # Errors
//
// Public methods never return errors or panic. They return a Result whose
// Code classifies failures (not_found, invalid_request, conflict,
// validation_failed, pipeline_error, persistence_error, internal).
package orchestrator
