package validation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/scaffoldd/internal/validation"

const (
	defaultStepTimeout = 2 * time.Minute
	defaultSettle      = 5 * time.Second
	maxLoggedErrors    = 10
)

var errorLine = regexp.MustCompile(`(?i)\b(error|exception|failed|fatal|critical)\b`)

// Engine runs validation plans.
type Engine struct {
	runner  CommandRunner
	prober  Prober
	settle  time.Duration
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner sets the command runner.
func WithRunner(r CommandRunner) Option { return func(e *Engine) { e.runner = r } }

// WithProber sets the HTTP prober.
func WithProber(p Prober) Option { return func(e *Engine) { e.prober = p } }

// WithSettle sets how long to wait after starting a server before probing.
func WithSettle(d time.Duration) Option { return func(e *Engine) { e.settle = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// NewEngine creates an engine. Without options it shells out via ExecRunner
// and probes with a 5s HTTP client.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		runner: ExecRunner{},
		prober: NewHTTPProber(5 * time.Second),
		settle: defaultSettle,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every step of plan and aggregates the results. Steps run
// concurrently and the report is assembled once all have settled. With
// plan.Staged the Build step completes before the others start.
func (e *Engine) Run(ctx context.Context, plan Plan) *Report {
	ctx, span := e.tracer.Start(ctx, "validation.run",
		trace.WithAttributes(
			attribute.String("workdir", plan.WorkDir),
			attribute.Int("steps", len(plan.Steps)),
			attribute.Bool("staged", plan.Staged),
		))
	defer span.End()

	start := time.Now()
	results := make([]StepResult, len(plan.Steps))
	var (
		procMu sync.Mutex
		procs  []Process
	)
	run := func(i int) {
		res, proc := e.runStep(ctx, plan.WorkDir, plan.Steps[i])
		results[i] = res
		if proc != nil {
			procMu.Lock()
			procs = append(procs, proc)
			procMu.Unlock()
		}
	}

	first := 0
	if plan.Staged && len(plan.Steps) > 0 && plan.Steps[0].Name == StepBuild {
		run(0)
		first = 1
	}

	var g errgroup.Group
	for i := first; i < len(plan.Steps); i++ {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()

	report := Aggregate(results)
	report.Processes = procs
	report.Duration = time.Since(start)

	e.metrics.recordRun(report.Valid)
	span.SetAttributes(attribute.Bool("valid", report.Valid))
	if !report.Valid {
		span.SetStatus(codes.Error, report.Summary())
	}
	e.logger.Info("validation finished",
		zap.String("workdir", plan.WorkDir),
		zap.Bool("valid", report.Valid),
		zap.Strings("errors", report.Errors),
		zap.Duration("duration", report.Duration))

	return report
}

// serverState carries a started process across attempts of one step so the
// start command runs at most once.
type serverState struct {
	proc Process
}

func (e *Engine) runStep(ctx context.Context, dir string, step Step) (StepResult, Process) {
	start := time.Now()
	st := &serverState{}
	budget := step.Budget()

	var res StepResult
	for attempt := 1; attempt <= budget; attempt++ {
		res = e.attempt(ctx, dir, step, st)
		res.Attempts = attempt

		outcome := "success"
		switch {
		case res.Success:
		case res.Error == "timeout":
			outcome = "timeout"
		default:
			outcome = "failure"
		}
		e.metrics.recordAttempt(step.Name, outcome)

		if res.Success || ctx.Err() != nil {
			break
		}
		e.logger.Debug("validation step attempt failed",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Int("budget", budget),
			zap.String("error", res.Error))
	}

	res.Name = step.Name
	res.Duration = time.Since(start)
	e.metrics.recordStep(step.Name, res.Duration.Seconds())
	return res, st.proc
}

func (e *Engine) attempt(ctx context.Context, dir string, step Step, st *serverState) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res StepResult
	switch step.Kind {
	case KindCommand:
		res = e.runCommand(actx, dir, step)
	case KindFiles:
		res = checkFiles(dir)
	case KindServer:
		res = e.checkServer(actx, dir, step, st)
	case KindLogs:
		res = scanLog(dir, step.LogFile)
	default:
		res = StepResult{Error: fmt.Sprintf("unknown step kind %q", step.Kind)}
	}

	if !res.Success && errors.Is(actx.Err(), context.DeadlineExceeded) {
		res.Error = "timeout"
	}
	return res
}

func (e *Engine) runCommand(ctx context.Context, dir string, step Step) StepResult {
	out, err := e.runner.Run(ctx, dir, step.Command)
	res := StepResult{Output: out, Data: map[string]any{"command": step.Command}}
	if err != nil {
		res.Error = err.Error()
		if line := lastLine(out); line != "" {
			res.Error += ": " + line
		}
		return res
	}
	res.Success = true
	return res
}

func checkFiles(dir string) StepResult {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return StepResult{Error: fmt.Sprintf("working directory unavailable: %v", err)}
	}
	if len(entries) == 0 {
		return StepResult{Error: "working directory is empty"}
	}
	return StepResult{
		Success: true,
		Output:  fmt.Sprintf("%d entries in working directory", len(entries)),
		Warning: "no build script defined; checked project files only",
	}
}

func (e *Engine) checkServer(ctx context.Context, dir string, step Step, st *serverState) StepResult {
	notReachable := fmt.Sprintf("Server not accessible at %s", step.URL)
	data := map[string]any{"port": step.Port, "url": step.URL}

	if code, err := e.prober.Probe(ctx, step.URL); err == nil {
		data["statusCode"] = code
		data["started"] = st.proc != nil
		return StepResult{Success: true, Output: "server responding", Data: data}
	}

	if step.StartCommand == "" {
		data["started"] = false
		return StepResult{Error: notReachable, Data: data}
	}

	if st.proc == nil {
		proc, err := e.runner.Start(dir, step.StartCommand)
		if err != nil {
			data["started"] = false
			return StepResult{Error: notReachable, Output: err.Error(), Data: data}
		}
		st.proc = proc
		e.logger.Info("started server for validation",
			zap.String("command", step.StartCommand),
			zap.Int("pid", proc.PID()))
	}

	if err := sleep(ctx, e.settle); err != nil {
		return StepResult{Error: notReachable, Data: data}
	}

	code, err := e.prober.Probe(ctx, step.URL)
	if err != nil {
		data["started"] = true
		return StepResult{Error: notReachable, Output: err.Error(), Data: data}
	}
	data["statusCode"] = code
	data["started"] = true
	return StepResult{Success: true, Output: "server started and responding", Data: data}
}

func scanLog(dir, logFile string) StepResult {
	path := logFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StepResult{Success: true, Output: "no log file found"}
		}
		return StepResult{Error: fmt.Sprintf("read log: %v", err)}
	}
	defer f.Close()

	var (
		matches []string
		count   int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if errorLine.MatchString(line) {
			count++
			if len(matches) < maxLoggedErrors {
				matches = append(matches, strings.TrimSpace(line))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return StepResult{Error: fmt.Sprintf("read log: %v", err)}
	}

	if count > 0 {
		return StepResult{
			Error:  fmt.Sprintf("%d error lines in %s", count, logFile),
			Output: strings.Join(matches, "\n"),
			Data:   map[string]any{"errorCount": count},
		}
	}
	return StepResult{Success: true, Output: "no errors found in log"}
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
