package tools

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	err      error
	block    bool
}

func (r *recordingRunner) Run(ctx context.Context, _ string, command string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "done", r.err
}

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"package.json":                   `{"name":"app"}`,
		"src/index.js":                   "console.log('hi')",
		"README.md":                      "# app",
		"node_modules/left-pad/index.js": "module.exports = 1",
		".git/HEAD":                      "ref: refs/heads/main",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestExecute_UnknownTool(t *testing.T) {
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)
	_, err := e.Execute(context.Background(), "launch_rockets", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)
	ctx := context.Background()

	res, err := e.Execute(ctx, WriteFile, Params{"workdir": dir, "path": "src/app/main.go", "content": "package main"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, WriteFile, res.Tool)
	data, err := os.ReadFile(filepath.Join(dir, "src", "app", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))

	t.Run("escaping paths stay inside workdir", func(t *testing.T) {
		res, err := e.Execute(ctx, WriteFile, Params{"workdir": dir, "path": "../../outside.txt", "content": "x"})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.FileExists(t, filepath.Join(dir, "outside.txt"))
		assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "outside.txt"))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := e.Execute(ctx, WriteFile, Params{"workdir": dir})
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("directory target", func(t *testing.T) {
		res, err := e.Execute(ctx, WriteFile, Params{"workdir": dir, "path": "src"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Error(t, res.Err())
	})
}

func TestRunCommand(t *testing.T) {
	runner := &recordingRunner{}
	e := NewLocalExecutor(runner, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), RunCommand, Params{"workdir": t.TempDir(), "command": "make test"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"make test"}, runner.commands)

	runner.err = errors.New("exit status 2")
	res, err = e.Execute(context.Background(), RunCommand, Params{"workdir": t.TempDir(), "command": "make test"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "exit status 2", res.Error)

	blocking := NewLocalExecutor(&recordingRunner{block: true}, t.TempDir(), nil)
	res, err = blocking.Execute(context.Background(), RunCommand, Params{
		"workdir": t.TempDir(), "command": "sleep 100", "timeout": 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Error)
}

func TestInstallDependencies_WritesPackageJSON(t *testing.T) {
	dir := t.TempDir()
	runner := &recordingRunner{}
	e := NewLocalExecutor(runner, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), InstallDependencies, Params{
		"workdir":         dir,
		"packageManager":  "npm",
		"name":            "My Todo App!",
		"dependencies":    map[string]any{"react": "^18.3.0"},
		"devDependencies": map[string]string{"vite": "^5.0.0"},
		"scripts":         map[string]string{"build": "vite build"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, []string{"npm install"}, runner.commands)

	var pkg map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &pkg))
	assert.Equal(t, "my-todo-app", pkg["name"])
	assert.Equal(t, map[string]any{"react": "^18.3.0"}, pkg["dependencies"])
	assert.Equal(t, map[string]any{"build": "vite build"}, pkg["scripts"])
}

func TestInstallDependencies_Detection(t *testing.T) {
	runner := &recordingRunner{}
	e := NewLocalExecutor(runner, t.TempDir(), nil)

	goDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(goDir, "go.mod"), []byte("module x"), 0o644))
	_, err := e.Execute(context.Background(), InstallDependencies, Params{"workdir": goDir})
	require.NoError(t, err)

	pyDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pyDir, "requirements.txt"), []byte("flask"), 0o644))
	_, err = e.Execute(context.Background(), InstallDependencies, Params{"workdir": pyDir})
	require.NoError(t, err)

	assert.Equal(t, []string{"go mod tidy", "pip install -r requirements.txt"}, runner.commands)

	res, err := e.Execute(context.Background(), InstallDependencies, Params{"workdir": t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "no dependencies to install", res.Output)
}

func packageParams(workdir, format string, includeNodeModules bool) Params {
	return Params{
		"workdir":            workdir,
		"format":             format,
		"taskId":             "task-1",
		"id":                 "dl-1",
		"name":               "demo",
		"includeNodeModules": includeNodeModules,
	}
}

func TestPackageProject_Zip(t *testing.T) {
	downloads := t.TempDir()
	e := NewLocalExecutor(&recordingRunner{}, downloads, nil)

	res, err := e.Execute(context.Background(), PackageProject, packageParams(newProject(t), FormatZip, false))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	path := res.Data["path"].(string)
	assert.Equal(t, filepath.Join(downloads, "task-1", "dl-1.zip"), path)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"README.md", "package.json", "src/index.js"}, names)
}

func TestPackageProject_HonorsIgnoreFiles(t *testing.T) {
	dir := newProject(t)
	for rel, content := range map[string]string{
		".gitignore":    "node_modules/\ndist/\n*.log\n",
		"dist/app.js":   "bundle",
		"npm-debug.log": "boom",
		".env":          "API_KEY=x",
	} {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	files, err := projectFiles(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{".env", ".gitignore", "README.md", "package.json", "src/index.js"}, files)

	files, err = projectFiles(dir, true)
	require.NoError(t, err)
	assert.Contains(t, files, "node_modules/left-pad/index.js", "explicit request overrides the ignore file")
	assert.NotContains(t, files, "dist/app.js")
}

func TestPackageProject_TarGzIncludesNodeModules(t *testing.T) {
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), PackageProject, packageParams(newProject(t), FormatTar, true))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	f, err := os.Open(res.Data["path"].(string))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"README.md", "node_modules/left-pad/index.js", "package.json", "src/index.js"}, names)
}

func TestPackageProject_Git(t *testing.T) {
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), PackageProject, packageParams(newProject(t), FormatGit, false))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	repo, err := git.PlainOpen(res.Data["path"].(string))
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Initial snapshot of demo", commit.Message)

	tree, err := commit.Tree()
	require.NoError(t, err)
	_, err = tree.File("src/index.js")
	assert.NoError(t, err)
	_, err = tree.File("node_modules/left-pad/index.js")
	assert.Error(t, err)
}

func TestPackageProject_Folder(t *testing.T) {
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), PackageProject, packageParams(newProject(t), FormatFolder, false))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	out := res.Data["path"].(string)
	assert.FileExists(t, filepath.Join(out, "src", "index.js"))
	assert.NoDirExists(t, filepath.Join(out, "node_modules"))
	assert.NoDirExists(t, filepath.Join(out, ".git"))
	assert.Equal(t, 3, res.Data["files"])
}

func TestPackageProject_Errors(t *testing.T) {
	e := NewLocalExecutor(&recordingRunner{}, t.TempDir(), nil)
	ctx := context.Background()

	res, err := e.Execute(ctx, PackageProject, packageParams(t.TempDir(), FormatZip, false))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "project has no files", res.Error)

	_, err = e.Execute(ctx, PackageProject, packageParams(newProject(t), "rar", false))
	assert.ErrorIs(t, err, ErrInvalidParams)

	p := packageParams(newProject(t), FormatZip, false)
	p["id"] = "../x"
	_, err = e.Execute(ctx, PackageProject, p)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDescribeFormat(t *testing.T) {
	assert.Contains(t, DescribeFormat(FormatTar), "tar")
	assert.Contains(t, DescribeFormat(FormatGit), "git")
	assert.Equal(t, "an unknown format", DescribeFormat("7z"))
}
