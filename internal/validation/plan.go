package validation

import (
	"fmt"
	"strings"
	"time"
)

// ProjectSpec is the subset of a project's architecture needed to plan
// validation.
type ProjectSpec struct {
	ProjectType    string
	WorkDir        string
	PackageManager string
	Scripts        map[string]string
	Dependencies   map[string]string
	Port           int
	HealthPath     string
}

// Options tune the generated plan.
type Options struct {
	StepTimeout     time.Duration
	Retries         int
	LogFile         string
	AutoRunTests    bool
	AutoStartServer bool
	Staged          bool
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		StepTimeout:     2 * time.Minute,
		Retries:         3,
		LogFile:         "logs/app.log",
		AutoRunTests:    true,
		AutoStartServer: true,
	}
}

type serverDefaults struct {
	port int
	path string
}

var interactiveTypes = map[string]serverDefaults{
	"frontend": {port: 3000, path: "/"},
	"backend":  {port: 3001, path: "/health"},
}

var linters = []string{
	"eslint", "tslint", "prettier", "stylelint",
	"pylint", "flake8", "ruff", "golangci-lint", "rubocop",
}

var scriptRunners = map[string]bool{"npm": true, "yarn": true, "pnpm": true, "bun": true}

// IsInteractive reports whether projectType serves HTTP and gets a Server step.
func IsInteractive(projectType string) bool {
	_, ok := interactiveTypes[strings.ToLower(projectType)]
	return ok
}

// DefaultServer returns the default port and health URL for projectType.
func DefaultServer(projectType string) (int, string) {
	d, ok := interactiveTypes[strings.ToLower(projectType)]
	if !ok {
		return 0, ""
	}
	return d.port, fmt.Sprintf("http://localhost:%d%s", d.port, d.path)
}

// BuildPlan derives the step set for a project.
func BuildPlan(p ProjectSpec, o Options) Plan {
	if o.LogFile == "" {
		o.LogFile = DefaultOptions().LogFile
	}
	step := func(name string, kind Kind) Step {
		return Step{Name: name, Kind: kind, Timeout: o.StepTimeout, Retries: o.Retries}
	}

	plan := Plan{WorkDir: p.WorkDir, Staged: o.Staged}

	build := step(StepBuild, KindFiles)
	if cmd := scriptCommand(p, "build"); cmd != "" {
		build.Kind = KindCommand
		build.Command = cmd
	}
	plan.Steps = append(plan.Steps, build)

	if o.AutoRunTests {
		if cmd := scriptCommand(p, "test"); cmd != "" {
			test := step(StepTest, KindCommand)
			test.Command = cmd
			plan.Steps = append(plan.Steps, test)
		}
	}

	if d, ok := interactiveTypes[strings.ToLower(p.ProjectType)]; ok {
		port, path := d.port, d.path
		if p.Port > 0 {
			port = p.Port
		}
		if p.HealthPath != "" {
			path = "/" + strings.TrimPrefix(p.HealthPath, "/")
		}
		server := step(StepServer, KindServer)
		server.Port = port
		server.URL = fmt.Sprintf("http://localhost:%d%s", port, path)
		if o.AutoStartServer {
			server.StartCommand = scriptCommand(p, "start")
			if server.StartCommand == "" {
				server.StartCommand = scriptCommand(p, "dev")
			}
		}
		plan.Steps = append(plan.Steps, server)
	}

	if linter := declaredLinter(p.Dependencies); linter != "" {
		cmd := scriptCommand(p, "lint")
		if cmd == "" && linter == "eslint" {
			cmd = "npx eslint ."
		}
		if cmd != "" {
			lint := step(StepLint, KindCommand)
			lint.Command = cmd
			plan.Steps = append(plan.Steps, lint)
		}
	}

	logs := step(StepLogs, KindLogs)
	logs.LogFile = o.LogFile
	logs.Retries = 1
	plan.Steps = append(plan.Steps, logs)

	return plan
}

// scriptCommand returns the shell command for a named script, or "".
// Node package managers run scripts by name; anything else runs the body.
func scriptCommand(p ProjectSpec, name string) string {
	body := strings.TrimSpace(p.Scripts[name])
	if body == "" {
		return ""
	}
	if scriptRunners[p.PackageManager] {
		return p.PackageManager + " run " + name
	}
	return body
}

func declaredLinter(deps map[string]string) string {
	for _, l := range linters {
		if _, ok := deps[l]; ok {
			return l
		}
	}
	return ""
}
