// Package intelligence talks to the external reasoning service that turns a
// natural-language request into an intent and a solution architecture.
package intelligence

import "context"

// Intent is the structured reading of a user's request.
type Intent struct {
	Domain     string         `json:"domain"`
	Technology string         `json:"technology"`
	Language   string         `json:"language"`
	Features   []string       `json:"features"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FileSpec is one file the solution asks to materialize.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Solution is the project plan derived from an Intent.
type Solution struct {
	Framework       string            `json:"framework"`
	PackageManager  string            `json:"packageManager,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Scripts         map[string]string `json:"scripts,omitempty"`
	Structure       []FileSpec        `json:"structure,omitempty"`
	Port            int               `json:"port,omitempty"`
	HealthPath      string            `json:"healthPath,omitempty"`
}

// AllDependencies merges runtime and dev dependencies.
func (s *Solution) AllDependencies() map[string]string {
	out := make(map[string]string, len(s.Dependencies)+len(s.DevDependencies))
	for k, v := range s.DevDependencies {
		out[k] = v
	}
	for k, v := range s.Dependencies {
		out[k] = v
	}
	return out
}

// Inference is the service's answer to one request.
type Inference struct {
	Intent    Intent    `json:"intent"`
	Questions []string  `json:"questions,omitempty"`
	Solution  *Solution `json:"solution,omitempty"`
}

// InferContext gives the service what it needs beyond the raw text.
type InferContext struct {
	ProjectType string    `json:"projectType"`
	Features    []string  `json:"features,omitempty"`
	Existing    *Solution `json:"existing,omitempty"`

	// Modification is set when the request changes an existing project
	// (add_feature, fix_bug, modify_existing, remove_feature).
	Modification string `json:"modification,omitempty"`
}

// Service infers intent and architecture from text.
type Service interface {
	Infer(ctx context.Context, text string, ic InferContext) (*Inference, error)
}

// Messenger produces free-form reply text.
type Messenger interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
