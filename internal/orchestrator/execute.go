package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/report"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// Pipeline stages, as reported in PipelineError.Stage.
const (
	stageMaterialize = "materialize"
	stageValidate    = "validate"
	stageReport      = "report"
)

// ExecuteTask runs the pipeline (materialize, validate, report) and ends the
// task in completed or error. Allowed from active and error.
func (o *Orchestrator) ExecuteTask(ctx context.Context, id string) (res Result) {
	defer o.guard(&res, "execute")

	start := o.now()
	ctx = logging.WithTaskID(ctx, id)
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	runCtx, e, err := o.beginExecution(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fail(err)
	}

	var (
		rep  *validation.Report
		perr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log(ctx).Error("execution pipeline panicked",
					zap.Any("panic", r), zap.Stack("stack"))
				perr = &PipelineError{Stage: "execute", Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		rep, perr = o.runPipeline(runCtx, id, e)
	}()

	res = o.finishExecution(ctx, id, e, rep, perr, start)
	span.SetAttributes(attribute.Bool("task.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

// beginExecution claims the task for one run and returns the run context,
// bounded by the task's maxExecutionTime.
func (o *Orchestrator) beginExecution(ctx context.Context, id string) (context.Context, *entry, error) {
	e, t, err := o.acquire(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer e.mu.Unlock()

	switch {
	case e.executing:
		return nil, nil, &StateError{ID: id, From: t.Status, Op: "execute", Reason: "execution already in progress"}
	case t.Status == task.StatusPaused, t.Status == task.StatusCompleted:
		return nil, nil, &StateError{ID: id, From: t.Status, Op: "execute"}
	}

	timeout := e.ctx.Options.MaxExecutionTime()
	if timeout <= 0 {
		timeout = o.cfg.MaxExecutionTime
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	// A re-run replaces servers kept alive by the previous one.
	e.stopProcesses()
	e.ctx.TestStatus = taskcontext.TestRunning
	e.ctx.ServerURL = ""
	o.setProgress(id, e, 10, "Creating project")
	if err := o.save(ctx, id, e); err != nil {
		cancel()
		return nil, nil, err
	}
	if t.Status == task.StatusError {
		if _, err := o.setStatus(ctx, id, task.StatusActive); err != nil {
			cancel()
			return nil, nil, err
		}
	}
	e.executing = true
	e.cancel = cancel

	o.emit(events.TaskStarted, id, map[string]any{"projectType": t.ProjectType})
	o.log(ctx).Info("task execution started", zap.Duration("deadline", timeout))
	return runCtx, e, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, id string, e *entry) (*validation.Report, error) {
	if err := o.materialize(ctx, id, e); err != nil {
		return nil, stageError(stageMaterialize, err)
	}

	rep, err := o.validate(ctx, id, e)
	if err != nil {
		return nil, stageError(stageValidate, err)
	}

	if err := o.renderReport(ctx, id, e, rep); err != nil {
		return rep, stageError(stageReport, err)
	}
	return rep, nil
}

func stageError(stage string, err error) error {
	var (
		nf *NotFoundError
		pe *PipelineError
	)
	if errors.As(err, &nf) || errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("maxExecutionTime exceeded: %w", err)
	}
	return &PipelineError{Stage: stage, Err: err}
}

// materialize obtains a solution, writes its files, installs dependencies
// and applies pending modifications.
func (o *Orchestrator) materialize(ctx context.Context, id string, e *entry) error {
	var (
		snap *taskcontext.Context
		t    *task.Task
	)
	err := o.locked(id, e, func() error {
		var err error
		t, err = o.getTask(ctx, id)
		snap = e.ctx.Clone()
		return err
	})
	if err != nil {
		return err
	}

	sol, intent := snap.Solution, snap.Intent
	var questions []string
	if sol == nil && o.deps.Intelligence != nil {
		prompt := firstNonEmpty(snap.InitialPrompt, t.Description, t.Name)
		o.emit(events.AgentStarted, id, map[string]any{"agent": "intelligence", "purpose": "solution"})
		inf, err := o.deps.Intelligence.Infer(ctx, prompt, intelligence.InferContext{
			ProjectType: snap.ProjectType,
			Features:    snap.CurrentFeatures,
		})
		if err != nil {
			o.emit(events.AgentFailed, id, map[string]any{"agent": "intelligence", "error": err.Error()})
			return err
		}
		o.emit(events.AgentCompleted, id, map[string]any{"agent": "intelligence", "questions": len(inf.Questions)})
		sol, intent, questions = inf.Solution, inf.Intent, inf.Questions
	}
	if sol == nil {
		sol = &intelligence.Solution{}
	}

	if err := o.writeSolution(ctx, id, snap.WorkingDirectory, t.Name, sol, true); err != nil {
		return err
	}

	var pending []string
	err = o.locked(id, e, func() error {
		e.ctx.Solution = sol
		e.ctx.Intent = intent
		e.ctx.AddFeatures(intent.Features...)
		if len(questions) > 0 {
			e.ctx.AppendMessage(taskcontext.RoleAssistant,
				"Open questions about this project:\n- "+strings.Join(questions, "\n- "), o.now())
		}
		for _, m := range e.ctx.Modifications {
			if m.Status == taskcontext.ModPending {
				pending = append(pending, m.ID)
			}
		}
		return o.save(ctx, id, e)
	})
	if err != nil {
		return err
	}

	for _, modID := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.applyModification(ctx, id, e, modID); err != nil {
			o.log(ctx).Warn("pending modification failed",
				zap.String("modification_id", modID), zap.Error(err))
		}
	}
	return ctx.Err()
}

// writeSolution writes sol's files and, when install is set and the solution
// declares dependencies, installs them.
func (o *Orchestrator) writeSolution(ctx context.Context, id, workdir, name string, sol *intelligence.Solution, install bool) error {
	for _, f := range sol.Structure {
		if _, err := o.callTool(ctx, id, tools.WriteFile, tools.Params{
			"workdir": workdir,
			"path":    f.Path,
			"content": f.Content,
		}); err != nil {
			return err
		}
	}
	if !install || (len(sol.Dependencies) == 0 && len(sol.DevDependencies) == 0 && sol.PackageManager == "") {
		return nil
	}
	_, err := o.callTool(ctx, id, tools.InstallDependencies, tools.Params{
		"workdir":         workdir,
		"packageManager":  sol.PackageManager,
		"name":            name,
		"dependencies":    sol.Dependencies,
		"devDependencies": sol.DevDependencies,
		"scripts":         sol.Scripts,
	})
	return err
}

// callTool runs one tool and publishes tool events. An unsuccessful result
// is returned as an error.
func (o *Orchestrator) callTool(ctx context.Context, id, name string, params tools.Params) (*tools.Result, error) {
	o.emit(events.ToolStarted, id, map[string]any{"tool": name})
	res, err := o.deps.Tools.Execute(ctx, name, params)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		o.emit(events.ToolFailed, id, map[string]any{"tool": name, "error": err.Error()})
		return res, err
	}
	o.emit(events.ToolCompleted, id, map[string]any{"tool": name, "durationMs": res.Duration.Milliseconds()})
	return res, nil
}

func (o *Orchestrator) plan(c *taskcontext.Context) validation.Plan {
	sol := c.Solution
	if sol == nil {
		sol = &intelligence.Solution{}
	}
	opts := o.cfg.Validation
	opts.Retries = c.Options.StepRetries(opts.Retries)
	opts.AutoRunTests = c.Options.AutoRunTests
	opts.AutoStartServer = c.Options.AutoStartServer
	return validation.BuildPlan(validation.ProjectSpec{
		ProjectType:    c.ProjectType,
		WorkDir:        c.WorkingDirectory,
		PackageManager: sol.PackageManager,
		Scripts:        sol.Scripts,
		Dependencies:   sol.AllDependencies(),
		Port:           sol.Port,
		HealthPath:     sol.HealthPath,
	}, opts)
}

func (o *Orchestrator) validate(ctx context.Context, id string, e *entry) (*validation.Report, error) {
	var (
		plan      validation.Plan
		keepAlive bool
	)
	err := o.locked(id, e, func() error {
		plan = o.plan(e.ctx)
		keepAlive = e.ctx.Options.KeepAlive
		o.setProgress(id, e, 40, "Running tests")
		return o.save(ctx, id, e)
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		names[i] = s.Name
	}
	o.emit(events.TestStarted, id, map[string]any{"steps": names})

	rep := o.deps.Validator.Run(ctx, plan)
	if err := ctx.Err(); err != nil {
		rep.StopProcesses()
		o.emit(events.TestFailed, id, map[string]any{"error": err.Error()})
		return nil, err
	}
	if rep.Valid {
		o.emit(events.TestCompleted, id, map[string]any{"steps": len(rep.Steps), "serverUrl": rep.ServerURL})
	} else {
		o.emit(events.TestFailed, id, map[string]any{"errors": rep.Errors})
	}

	err = o.locked(id, e, func() error {
		if _, hasServer := plan.Step(validation.StepServer); hasServer {
			msg := "Server not reachable"
			if rep.ServerURL != "" {
				msg = "Server running at " + rep.ServerURL
			}
			o.setProgress(id, e, 60, msg)
		}
		e.ctx.TestResults = rep.Steps
		e.ctx.ServerURL = rep.ServerURL
		if rep.Valid {
			e.ctx.TestStatus = taskcontext.TestPassed
		} else {
			e.ctx.TestStatus = taskcontext.TestFailed
		}
		if keepAlive && rep.Valid {
			e.processes = append(e.processes, rep.Processes...)
			rep.Processes = nil
		} else {
			rep.StopProcesses()
		}

		t, err := o.getTask(ctx, id)
		if err != nil {
			return err
		}
		t.ServerURL = rep.ServerURL
		t.TestResults = rep.Steps
		if err := o.deps.Tasks.Update(context.WithoutCancel(ctx), t); err != nil {
			return err
		}
		return o.save(ctx, id, e)
	})
	if err != nil {
		rep.StopProcesses()
		return nil, err
	}
	return rep, nil
}

func (o *Orchestrator) renderReport(ctx context.Context, id string, e *entry, rep *validation.Report) error {
	if o.deps.Reports == nil {
		return nil
	}
	var data *report.Data
	err := o.locked(id, e, func() error {
		if !e.ctx.Options.GenerateReport {
			return nil
		}
		t, err := o.getTask(ctx, id)
		if err != nil {
			return err
		}
		status := task.StatusCompleted
		if !rep.Valid {
			status = task.StatusError
		}
		data = o.reportData(t, e.ctx, status, true, rep)
		o.setProgress(id, e, 90, "Generating report")
		return o.save(ctx, id, e)
	})
	if err != nil || data == nil {
		return err
	}

	path, err := o.deps.Reports.Render(ctx, data)
	if err != nil {
		return err
	}
	o.emit(events.ReportGenerated, id, map[string]any{"path": path})
	return o.locked(id, e, func() error {
		e.ctx.ReportPath = path
		return o.save(ctx, id, e)
	})
}

func (o *Orchestrator) reportData(t *task.Task, c *taskcontext.Context, status task.Status, validated bool, rep *validation.Report) *report.Data {
	if rep == nil {
		rep = validation.Aggregate(c.TestResults)
	}
	d := &report.Data{
		TaskID:        t.ID,
		Name:          t.Name,
		Description:   t.Description,
		ProjectType:   t.ProjectType,
		Status:        string(status),
		Features:      append([]string(nil), c.CurrentFeatures...),
		Validated:     validated,
		ServerURL:     rep.ServerURL,
		Steps:         rep.Steps,
		Errors:        rep.Errors,
		Warnings:      rep.Warnings,
		Modifications: append([]taskcontext.ModificationRequest(nil), c.Modifications...),
		GeneratedAt:   o.now(),
	}
	if s := c.Solution; s != nil {
		d.Framework = s.Framework
		d.PackageManager = s.PackageManager
		d.Dependencies = s.AllDependencies()
		for _, f := range s.Structure {
			d.Files = append(d.Files, f.Path)
		}
	}
	return d
}

// finishExecution settles the task in completed or error and releases it.
func (o *Orchestrator) finishExecution(ctx context.Context, id string, e *entry, rep *validation.Report, perr error, start time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executing = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	duration := o.now().Sub(start)

	if e.deleted || e.ctx == nil {
		return fail(&NotFoundError{ID: id})
	}

	out := &ExecutionResult{TaskID: id, Duration: duration, ReportPath: e.ctx.ReportPath}
	if rep != nil {
		out.Valid = rep.Valid
		out.ServerURL = rep.ServerURL
		out.Errors = rep.Errors
		out.Warnings = rep.Warnings
	}

	var (
		status  = task.StatusCompleted
		outcome = "completed"
		failure error
	)
	switch {
	case perr != nil:
		status, outcome, failure = task.StatusError, "pipeline_error", perr
		e.ctx.TestStatus = taskcontext.TestFailed
		e.stopProcesses()
		e.ctx.Progress = taskcontext.Progress{Percent: e.ctx.Progress.Percent, Message: "Execution failed: " + perr.Error(), UpdatedAt: o.now()}
	case !rep.Valid:
		status, outcome, failure = task.StatusError, "failed", &ValidationFailure{Errors: rep.Errors}
		e.ctx.Progress = taskcontext.Progress{Percent: e.ctx.Progress.Percent, Message: "Validation failed", UpdatedAt: o.now()}
	default:
		o.setProgress(id, e, 100, "Project ready")
	}
	out.Status = status

	if err := o.save(ctx, id, e); err != nil {
		o.log(ctx).Error("failed to persist execution outcome", zap.Error(err))
		if failure == nil {
			failure = err
		}
	}
	if _, err := o.setStatus(ctx, id, status); err != nil {
		o.log(ctx).Error("failed to persist task status", zap.Error(err))
		if failure == nil {
			failure = err
		}
	}
	o.metrics.execution(outcome, duration)

	if failure != nil {
		o.emit(events.TaskFailed, id, map[string]any{"error": failure.Error(), "errors": out.Errors})
		o.log(ctx).Warn("task execution failed",
			zap.String("outcome", outcome), zap.Error(failure))
		res := fail(failure)
		res.Data = out
		return res
	}

	o.emit(events.TaskCompleted, id, map[string]any{"serverUrl": out.ServerURL, "reportPath": out.ReportPath})
	o.log(ctx).Info("task execution completed",
		zap.Duration("duration", duration), zap.String("server_url", out.ServerURL))
	if e.ctx.Options.CleanupOnComplete && len(e.processes) == 0 {
		e.ctx = nil
	}
	return ok(out)
}
