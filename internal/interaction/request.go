// Package interaction classifies follow-up requests against a task and
// applies them to the task's context.
package interaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
)

// Kind discriminates Request variants.
type Kind string

const (
	KindQuestion     Kind = "question"
	KindModification Kind = "modification"
	KindDownload     Kind = "download"
)

// ErrInvalidRequest is returned for payloads that match no request shape.
var ErrInvalidRequest = errors.New("invalid interaction request")

// Question asks about the task.
type Question struct {
	Text string
}

// Modification asks for a change to the project.
type Modification struct {
	Type        taskcontext.ModificationType
	Description string
	Priority    taskcontext.Priority
}

// Download asks for a packaged copy of the project.
type Download struct {
	Format             taskcontext.DownloadFormat
	IncludeNodeModules bool
}

// Request is a decoded interaction. Exactly one of Question, Modification
// and Download is set, matching Kind.
type Request struct {
	Kind   Kind
	TaskID string
	UserID string

	Question     *Question
	Modification *Modification
	Download     *Download
}

// NewQuestion builds a question request.
func NewQuestion(taskID, userID, text string) Request {
	return Request{Kind: KindQuestion, TaskID: taskID, UserID: userID, Question: &Question{Text: text}}
}

// NewModification builds a modification request.
func NewModification(taskID, userID string, typ taskcontext.ModificationType, description string, priority taskcontext.Priority) Request {
	return Request{
		Kind:         KindModification,
		TaskID:       taskID,
		UserID:       userID,
		Modification: &Modification{Type: typ, Description: description, Priority: priority},
	}
}

// NewDownload builds a download request.
func NewDownload(taskID, userID string, format taskcontext.DownloadFormat, includeNodeModules bool) Request {
	return Request{
		Kind:     KindDownload,
		TaskID:   taskID,
		UserID:   userID,
		Download: &Download{Format: format, IncludeNodeModules: includeNodeModules},
	}
}

// Validate checks that the variant matches Kind and carries legal values.
func (r Request) Validate() error {
	switch r.Kind {
	case KindQuestion:
		if r.Question == nil || r.Question.Text == "" {
			return fmt.Errorf("%w: question text is required", ErrInvalidRequest)
		}
	case KindModification:
		m := r.Modification
		if m == nil {
			return fmt.Errorf("%w: modification is missing", ErrInvalidRequest)
		}
		if !m.Type.Valid() {
			return fmt.Errorf("%w: unknown modification type %q", ErrInvalidRequest, m.Type)
		}
		if m.Priority != "" && !m.Priority.Valid() {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, m.Priority)
		}
	case KindDownload:
		if r.Download == nil {
			return fmt.Errorf("%w: download is missing", ErrInvalidRequest)
		}
		if !r.Download.Format.Valid() {
			return fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, r.Download.Format)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// wireRequest is the JSON form. Pointer fields distinguish absent from empty.
type wireRequest struct {
	Kind               Kind    `json:"kind,omitempty"`
	TaskID             string  `json:"taskId,omitempty"`
	UserID             string  `json:"userId,omitempty"`
	Question           *string `json:"question,omitempty"`
	Type               *string `json:"type,omitempty"`
	Description        string  `json:"description,omitempty"`
	Priority           string  `json:"priority,omitempty"`
	Format             *string `json:"format,omitempty"`
	IncludeNodeModules *bool   `json:"includeNodeModules,omitempty"`
}

// Decode classifies a JSON payload by shape: a question field makes a
// question, a type field a modification, a format field a download. An
// explicit kind must agree with the shape.
func Decode(data []byte) (Request, error) {
	var w wireRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var shapes []Kind
	if w.Question != nil {
		shapes = append(shapes, KindQuestion)
	}
	if w.Type != nil {
		shapes = append(shapes, KindModification)
	}
	if w.Format != nil {
		shapes = append(shapes, KindDownload)
	}
	switch len(shapes) {
	case 0:
		return Request{}, fmt.Errorf("%w: expected one of question, type or format", ErrInvalidRequest)
	case 1:
	default:
		return Request{}, fmt.Errorf("%w: ambiguous shape %v", ErrInvalidRequest, shapes)
	}
	kind := shapes[0]
	if w.Kind != "" && w.Kind != kind {
		return Request{}, fmt.Errorf("%w: kind %q does not match a %s payload", ErrInvalidRequest, w.Kind, kind)
	}

	req := Request{Kind: kind, TaskID: w.TaskID, UserID: w.UserID}
	switch kind {
	case KindQuestion:
		req.Question = &Question{Text: *w.Question}
	case KindModification:
		req.Modification = &Modification{
			Type:        taskcontext.ModificationType(*w.Type),
			Description: w.Description,
			Priority:    taskcontext.Priority(w.Priority),
		}
	case KindDownload:
		req.Download = &Download{Format: taskcontext.DownloadFormat(*w.Format)}
		if w.IncludeNodeModules != nil {
			req.Download.IncludeNodeModules = *w.IncludeNodeModules
		}
	}
	return req, req.Validate()
}

// MarshalJSON encodes r in the shape Decode accepts.
func (r Request) MarshalJSON() ([]byte, error) {
	w := wireRequest{Kind: r.Kind, TaskID: r.TaskID, UserID: r.UserID}
	switch {
	case r.Question != nil:
		w.Question = &r.Question.Text
	case r.Modification != nil:
		typ := string(r.Modification.Type)
		w.Type = &typ
		w.Description = r.Modification.Description
		w.Priority = string(r.Modification.Priority)
	case r.Download != nil:
		format := string(r.Download.Format)
		w.Format = &format
		w.IncludeNodeModules = &r.Download.IncludeNodeModules
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes through Decode.
func (r *Request) UnmarshalJSON(data []byte) error {
	req, err := Decode(data)
	if err != nil {
		return err
	}
	*r = req
	return nil
}
