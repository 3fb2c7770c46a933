// Package validation decides whether a generated project is usable.
//
// A Plan lists named steps (Build, Test, Server, Lint, Logs). The Engine runs
// each step with a per-attempt timeout and a retry budget, then folds the
// results into a single Report.
package validation

import (
	"fmt"
	"strings"
	"time"
)

// Step names as reported in StepResult.Name.
const (
	StepBuild  = "Build"
	StepTest   = "Test"
	StepServer = "Server"
	StepLint   = "Lint"
	StepLogs   = "Logs"
)

// Kind selects how a step is executed.
type Kind string

const (
	KindCommand Kind = "command"
	KindFiles   Kind = "files"
	KindServer  Kind = "server"
	KindLogs    Kind = "logs"
)

// StepResult is the outcome of one validation step.
type StepResult struct {
	Name     string         `json:"name"`
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Warning  string         `json:"warning,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Step describes one check.
type Step struct {
	Name string
	Kind Kind

	// Command is run for KindCommand steps.
	Command string

	// Server steps probe URL and may launch StartCommand.
	URL          string
	Port         int
	StartCommand string

	// LogFile is read by KindLogs steps, relative to the working directory.
	LogFile string

	Timeout time.Duration
	Retries int
}

// Budget returns the number of attempts the step is allowed.
func (s Step) Budget() int {
	if s.Retries < 1 {
		return 1
	}
	return s.Retries
}

// Plan is an ordered set of steps against one working directory.
type Plan struct {
	WorkDir string
	Steps   []Step

	// Staged runs Build to completion before the other steps start.
	Staged bool
}

// Step returns the named step, if present.
func (p Plan) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Report aggregates step results.
type Report struct {
	Valid     bool          `json:"valid"`
	Errors    []string      `json:"errors,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	ServerURL string        `json:"serverUrl,omitempty"`
	Steps     []StepResult  `json:"steps"`
	Duration  time.Duration `json:"duration"`

	// Processes are servers started during validation. The caller owns them.
	Processes []Process `json:"-"`
}

// Aggregate folds step results, in plan order, into a Report.
func Aggregate(results []StepResult) *Report {
	r := &Report{Valid: true, Steps: results}
	for _, res := range results {
		if !res.Success {
			r.Valid = false
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", res.Name, res.Error))
		}
		if res.Warning != "" {
			r.Warnings = append(r.Warnings, res.Warning)
		}
		if res.Name == StepServer && res.Success {
			if url, ok := res.Data["url"].(string); ok {
				r.ServerURL = url
			}
		}
	}
	return r
}

// Summary renders the errors as one line.
func (r *Report) Summary() string {
	if r.Valid {
		return "all validation steps passed"
	}
	return strings.Join(r.Errors, "; ")
}

// StopProcesses stops every process started during validation.
func (r *Report) StopProcesses() {
	for _, p := range r.Processes {
		_ = p.Stop()
	}
	r.Processes = nil
}
