// Package report renders the outcome of a task run into a document under the
// reports directory.
package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/scaffoldd/internal/storage"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// Renderer turns report data into a stored document and returns its path.
type Renderer interface {
	Render(ctx context.Context, data *Data) (string, error)
}

// Data is everything a report shows about one task.
type Data struct {
	TaskID      string
	Name        string
	Description string
	ProjectType string
	Status      string

	Framework      string
	PackageManager string
	Dependencies   map[string]string
	Files          []string
	Features       []string

	// Validated is false when the task was completed without a validation
	// run; Steps then holds the last known results, if any.
	Validated bool
	ServerURL string
	Steps     []validation.StepResult
	Errors    []string
	Warnings  []string

	Modifications []taskcontext.ModificationRequest
	GeneratedAt   time.Time
}

// ErrMissingTaskID is returned when Data has no task id.
var ErrMissingTaskID = errors.New("report: task id is required")

// MarkdownRenderer writes reports as markdown files named <task>-<timestamp>.md.
type MarkdownRenderer struct {
	dir string
	now func() time.Time
}

var _ Renderer = (*MarkdownRenderer)(nil)

// NewMarkdownRenderer creates a renderer writing into dir.
func NewMarkdownRenderer(dir string) *MarkdownRenderer {
	return &MarkdownRenderer{dir: dir, now: time.Now}
}

// Render implements Renderer.
func (r *MarkdownRenderer) Render(ctx context.Context, data *Data) (string, error) {
	if data == nil || data.TaskID == "" {
		return "", ErrMissingTaskID
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = r.now().UTC()
	}
	name := fmt.Sprintf("%s-%s.md", filepath.Base(data.TaskID), data.GeneratedAt.Format("20060102T150405"))
	path := filepath.Join(r.dir, name)
	if err := storage.WriteFileAtomic(path, []byte(Markdown(data)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Summary is the one-paragraph verdict at the top of a report.
func Summary(d *Data) string {
	var parts []string
	passed := 0
	for _, s := range d.Steps {
		if s.Success {
			passed++
		}
	}
	switch {
	case !d.Validated:
		parts = append(parts, "Completed without a validation run")
	case len(d.Errors) == 0:
		parts = append(parts, fmt.Sprintf("All %d validation steps passed", len(d.Steps)))
	default:
		parts = append(parts, fmt.Sprintf("%d of %d validation steps passed", passed, len(d.Steps)))
	}
	if d.ServerURL != "" {
		parts = append(parts, "Server reachable at "+d.ServerURL)
	}
	if len(d.Files) > 0 {
		parts = append(parts, fmt.Sprintf("%d project files generated", len(d.Files)))
	}
	return strings.Join(parts, ". ") + "."
}

// Recommendations derives follow-up actions from failed steps and warnings.
func Recommendations(d *Data) []string {
	var recs []string
	for _, s := range d.Steps {
		if s.Success {
			continue
		}
		switch s.Name {
		case validation.StepBuild:
			recs = append(recs, "Fix the build errors before adding features")
		case validation.StepTest:
			recs = append(recs, "Review the failing tests")
		case validation.StepServer:
			recs = append(recs, "Check that the start script binds the expected port")
		case validation.StepLint:
			recs = append(recs, "Run the linter locally and address its findings")
		case validation.StepLogs:
			recs = append(recs, "Inspect the application log for runtime errors")
		}
	}
	if len(d.Warnings) > 0 {
		recs = append(recs, "Review the validation warnings")
	}
	pending := 0
	for _, m := range d.Modifications {
		if m.Status == taskcontext.ModPending || m.Status == taskcontext.ModFailed {
			pending++
		}
	}
	if pending > 0 {
		recs = append(recs, fmt.Sprintf("%d modification(s) still need attention", pending))
	}
	return recs
}

// Markdown formats d as a markdown document.
func Markdown(d *Data) string {
	var sb strings.Builder

	title := d.Name
	if title == "" {
		title = d.TaskID
	}
	sb.WriteString(fmt.Sprintf("# Project Report: %s\n\n", title))
	sb.WriteString(fmt.Sprintf("**Task:** %s\n", d.TaskID))
	sb.WriteString(fmt.Sprintf("**Type:** %s\n", d.ProjectType))
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", d.Status))
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", d.GeneratedAt.Format(time.RFC3339)))
	if d.Description != "" {
		sb.WriteString(d.Description + "\n\n")
	}

	sb.WriteString("## Summary\n\n")
	sb.WriteString(Summary(d) + "\n\n")

	if d.Framework != "" || len(d.Dependencies) > 0 {
		sb.WriteString("## Architecture\n\n")
		if d.Framework != "" {
			sb.WriteString(fmt.Sprintf("- Framework: %s\n", d.Framework))
		}
		if d.PackageManager != "" {
			sb.WriteString(fmt.Sprintf("- Package manager: %s\n", d.PackageManager))
		}
		for _, name := range sortedKeys(d.Dependencies) {
			sb.WriteString(fmt.Sprintf("- `%s` %s\n", name, d.Dependencies[name]))
		}
		sb.WriteString("\n")
	}

	if len(d.Features) > 0 {
		sb.WriteString("## Features\n\n")
		for _, f := range d.Features {
			sb.WriteString(fmt.Sprintf("- %s\n", f))
		}
		sb.WriteString("\n")
	}

	if len(d.Steps) > 0 {
		sb.WriteString("## Validation\n\n")
		sb.WriteString("| Step | Result | Attempts | Duration | Detail |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, s := range d.Steps {
			result, detail := "pass", s.Output
			if !s.Success {
				result, detail = "FAIL", s.Error
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s |\n",
				s.Name, result, s.Attempts, s.Duration.Round(time.Millisecond), cell(detail)))
		}
		sb.WriteString("\n")
	}

	if len(d.Errors) > 0 {
		sb.WriteString("## Errors\n\n")
		for _, e := range d.Errors {
			sb.WriteString(fmt.Sprintf("- %s\n", e))
		}
		sb.WriteString("\n")
	}
	if len(d.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range d.Warnings {
			sb.WriteString(fmt.Sprintf("- %s\n", w))
		}
		sb.WriteString("\n")
	}

	if len(d.Modifications) > 0 {
		sb.WriteString("## Modifications\n\n")
		for _, m := range d.Modifications {
			sb.WriteString(fmt.Sprintf("- [%s] %s (%s, %s priority)\n", m.Status, m.Description, m.Type, m.Priority))
		}
		sb.WriteString("\n")
	}

	if len(d.Files) > 0 {
		sb.WriteString("## Project Structure\n\n```\n")
		for _, f := range d.Files {
			sb.WriteString(f + "\n")
		}
		sb.WriteString("```\n\n")
	}

	if recs := Recommendations(d); len(recs) > 0 {
		sb.WriteString("## Recommendations\n\n")
		for _, rec := range recs {
			sb.WriteString(fmt.Sprintf("- %s\n", rec))
		}
	}

	return sb.String()
}

// cell flattens text for a table cell.
func cell(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Paths lists the reports written for taskID, oldest first.
func Paths(dir, taskID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filepath.Base(taskID)+"-*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Remove deletes every report written for taskID.
func Remove(dir, taskID string) error {
	paths, err := Paths(dir, taskID)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
