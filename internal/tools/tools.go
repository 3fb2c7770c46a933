// Package tools is the capability layer the orchestrator uses to touch the
// outside world: writing project files, running commands, installing
// dependencies and packaging projects for download.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tool names.
const (
	WriteFile           = "write_file"
	RunCommand          = "run_command"
	InstallDependencies = "install_dependencies"
	PackageProject      = "package_project"
)

var (
	// ErrUnknownTool is returned for an unregistered tool name.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidParams is returned when required parameters are missing or
	// have the wrong type.
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// Params are the named arguments of a tool call.
type Params map[string]any

// String returns a string parameter or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// RequireString returns a non-empty string parameter.
func (p Params) RequireString(key string) (string, error) {
	s := p.String(key)
	if s == "" {
		return "", fmt.Errorf("%w: %q is required", ErrInvalidParams, key)
	}
	return s, nil
}

// Bool returns a boolean parameter or false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Duration accepts a time.Duration or a number of seconds.
func (p Params) Duration(key string) time.Duration {
	switch v := p[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

// StringMap accepts map[string]string or a decoded JSON object.
func (p Params) StringMap(key string) map[string]string {
	switch v := p[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Result is the outcome of a tool call. A tool that ran but failed returns
// Success=false with a nil error; errors are reserved for calls that could
// not be attempted.
type Result struct {
	Tool     string         `json:"tool"`
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Err converts an unsuccessful result into an error.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Tool, r.Error)
}

// Executor runs named tools.
type Executor interface {
	Execute(ctx context.Context, name string, params Params) (*Result, error)
}
