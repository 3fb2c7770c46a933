package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/ignore"
)

// Runner runs a shell command in a directory. validation.ExecRunner
// satisfies it.
type Runner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

const defaultCommandTimeout = 10 * time.Minute

var nodeManagers = map[string]bool{"npm": true, "yarn": true, "pnpm": true, "bun": true}

// LocalExecutor runs tools on the local filesystem.
type LocalExecutor struct {
	runner       Runner
	downloadsDir string
	timeout      time.Duration
	logger       *zap.Logger
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor. Packages are written under
// downloadsDir.
func NewLocalExecutor(runner Runner, downloadsDir string, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExecutor{
		runner:       runner,
		downloadsDir: downloadsDir,
		timeout:      defaultCommandTimeout,
		logger:       logger,
	}
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, name string, params Params) (*Result, error) {
	start := time.Now()
	var (
		res *Result
		err error
	)
	switch name {
	case WriteFile:
		res, err = e.writeFile(params)
	case RunCommand:
		res, err = e.runCommand(ctx, params)
	case InstallDependencies:
		res, err = e.installDependencies(ctx, params)
	case PackageProject:
		res, err = e.packageProject(ctx, params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, err
	}
	res.Tool = name
	res.Duration = time.Since(start)
	e.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (e *LocalExecutor) writeFile(p Params) (*Result, error) {
	workdir, err := p.RequireString("workdir")
	if err != nil {
		return nil, err
	}
	rel, err := p.RequireString("path")
	if err != nil {
		return nil, err
	}
	content := p.String("content")

	// SecureJoin confines rel (including symlinks) to workdir.
	full, err := securejoin.SecureJoin(workdir, rel)
	if err != nil {
		return &Result{Error: fmt.Sprintf("resolve %s: %v", rel, err)}, nil
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return &Result{Error: fmt.Sprintf("%s is a directory", rel)}, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &Result{Error: err.Error()}, nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return &Result{Error: err.Error()}, nil
	}

	relOut, _ := filepath.Rel(workdir, full)
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), relOut),
		Data:    map[string]any{"path": relOut, "bytes": len(content)},
	}, nil
}

func (e *LocalExecutor) runCommand(ctx context.Context, p Params) (*Result, error) {
	workdir, err := p.RequireString("workdir")
	if err != nil {
		return nil, err
	}
	command, err := p.RequireString("command")
	if err != nil {
		return nil, err
	}
	return e.run(ctx, workdir, command, p.Duration("timeout")), nil
}

func (e *LocalExecutor) run(ctx context.Context, workdir, command string, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.runner.Run(ctx, workdir, command)
	res := &Result{Output: out, Data: map[string]any{"command": command}}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.Error = "timeout"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	res.Success = true
	return res
}

// installDependencies writes a package.json for node projects that lack one,
// then runs the package manager's install.
func (e *LocalExecutor) installDependencies(ctx context.Context, p Params) (*Result, error) {
	workdir, err := p.RequireString("workdir")
	if err != nil {
		return nil, err
	}
	pm := p.String("packageManager")
	if pm == "" {
		pm = detectPackageManager(workdir)
	}

	if nodeManagers[pm] {
		if err := ensurePackageJSON(workdir, p); err != nil {
			return &Result{Error: err.Error()}, nil
		}
	}

	command := installCommand(pm, workdir)
	if command == "" {
		return &Result{Success: true, Output: "no dependencies to install"}, nil
	}
	res := e.run(ctx, workdir, command, p.Duration("timeout"))
	res.Data["packageManager"] = pm
	return res, nil
}

func detectPackageManager(workdir string) string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(workdir, name))
		return err == nil
	}
	switch {
	case exists("pnpm-lock.yaml"):
		return "pnpm"
	case exists("yarn.lock"):
		return "yarn"
	case exists("package.json"):
		return "npm"
	case exists("go.mod"):
		return "go"
	case exists("requirements.txt"), exists("pyproject.toml"):
		return "pip"
	}
	return ""
}

func installCommand(pm, workdir string) string {
	switch pm {
	case "npm", "yarn", "pnpm", "bun":
		return pm + " install"
	case "go":
		return "go mod tidy"
	case "pip":
		if _, err := os.Stat(filepath.Join(workdir, "requirements.txt")); err == nil {
			return "pip install -r requirements.txt"
		}
		return "pip install -e ."
	}
	return ""
}

func ensurePackageJSON(workdir string, p Params) error {
	path := filepath.Join(workdir, "package.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	name := p.String("name")
	if name == "" {
		name = filepath.Base(workdir)
	}
	pkg := map[string]any{
		"name":    slug(name),
		"version": "0.1.0",
		"private": true,
	}
	if deps := p.StringMap("dependencies"); len(deps) > 0 {
		pkg["dependencies"] = deps
	}
	if dev := p.StringMap("devDependencies"); len(dev) > 0 {
		pkg["devDependencies"] = dev
	}
	if scripts := p.StringMap("scripts"); len(scripts) > 0 {
		pkg["scripts"] = scripts
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "project"
	}
	return out
}

// projectFiles lists regular files under root relative to it, sorted.
// .git is always skipped, node_modules unless includeNodeModules, and any
// path the project's ignore files exclude.
func projectFiles(root string, includeNodeModules bool) ([]string, error) {
	ignored, err := ignore.NewParser(ignore.DefaultFiles, nil).Load(root)
	if err != nil {
		return nil, fmt.Errorf("read ignore files: %w", err)
	}
	if includeNodeModules {
		ignored = ignored.Without("node_modules")
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch {
			case rel == ".":
				return nil
			case d.Name() == ".git":
				return filepath.SkipDir
			case d.Name() == "node_modules" && !includeNodeModules:
				return filepath.SkipDir
			case ignored.Match(rel, true):
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignored.Match(rel, false) {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}
