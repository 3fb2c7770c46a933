package interaction

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/tools"
)

// Keywords match whole words only, so "details" is not a timing question.
var (
	progressKeywords = regexp.MustCompile(`\b(progress|status|how far|done)\b`)
	timingKeywords   = regexp.MustCompile(`\b(how long|time|eta|when)\b`)
)

// Facts is task state the caller supplies to Route.
type Facts struct {
	// Progress is the task's derived completion percentage.
	Progress int

	// Reply is the Messenger's answer to a general question, obtained with
	// Reply before the context was locked. Empty means the default reply.
	Reply string
}

// Response is the router's answer to one request.
type Response struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	ModificationID string `json:"modificationId,omitempty"`

	// Download is filled in by the caller once packaging is attempted.
	Download *taskcontext.DownloadRequest `json:"download,omitempty"`
}

// Router applies requests to a task context. It never packages or executes
// anything itself.
type Router struct {
	messenger intelligence.Messenger
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouter creates a router. messenger may be nil, in which case general
// questions get the default acknowledgment.
func NewRouter(messenger intelligence.Messenger, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{messenger: messenger, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Route dispatches req against c and records the exchange in the
// conversation history. The caller holds c exclusively; Route never calls
// the Messenger.
func (r *Router) Route(_ context.Context, c *taskcontext.Context, req Request, facts Facts) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		inbound string
		resp    *Response
	)
	switch req.Kind {
	case KindQuestion:
		inbound = req.Question.Text
		resp = &Response{Kind: KindQuestion, Message: r.answer(c, req.Question.Text, facts)}
	case KindModification:
		m := req.Modification
		inbound = fmt.Sprintf("Requested %s: %s", m.Type, m.Description)
		mod := taskcontext.NewModification(c.TaskID, m.Type, m.Description, m.Priority, r.now())
		c.Modifications = append(c.Modifications, mod)
		resp = &Response{
			Kind:           KindModification,
			ModificationID: mod.ID,
			Message: fmt.Sprintf("Recorded %s request %q with %s priority. It is pending and will be applied next.",
				strings.ReplaceAll(string(mod.Type), "_", " "), mod.Description, mod.Priority),
		}
	case KindDownload:
		d := req.Download
		inbound = fmt.Sprintf("Requested download as %s", d.Format)
		deps := "without node_modules"
		if d.IncludeNodeModules {
			deps = "including node_modules"
		}
		resp = &Response{
			Kind:    KindDownload,
			Message: fmt.Sprintf("Your project will be packaged as %s, %s.", tools.DescribeFormat(string(d.Format)), deps),
		}
	}

	c.AppendMessage(taskcontext.RoleUser, inbound, r.now())
	c.AppendMessage(taskcontext.RoleAssistant, resp.Message, r.now())
	return resp, nil
}

// NeedsReply reports whether req is a general question the Messenger
// should answer.
func (r *Router) NeedsReply(req Request) bool {
	if r.messenger == nil || req.Kind != KindQuestion || req.Question == nil {
		return false
	}
	return cannedTopic(req.Question.Text) == ""
}

// Reply asks the Messenger about question given a snapshot of the task
// context. It returns "" when the Messenger fails or says nothing.
func (r *Router) Reply(ctx context.Context, c *taskcontext.Context, question string) string {
	if r.messenger == nil {
		return ""
	}
	reply, err := r.messenger.Generate(ctx, prompt(c, question))
	if reply = strings.TrimSpace(reply); err == nil && reply != "" {
		return reply
	}
	r.logger.Warn("messenger failed, using default reply",
		zap.String("task.id", c.TaskID), zap.Error(err))
	return ""
}

func cannedTopic(question string) string {
	q := strings.ToLower(question)
	switch {
	case progressKeywords.MatchString(q):
		return "progress"
	case timingKeywords.MatchString(q):
		return "timing"
	}
	return ""
}

func (r *Router) answer(c *taskcontext.Context, question string, facts Facts) string {
	switch cannedTopic(question) {
	case "progress":
		msg := fmt.Sprintf("The %s project is %d%% complete; tests are %s.", c.ProjectType, facts.Progress, c.TestStatus)
		if c.Progress.Message != "" {
			msg += " Last step: " + c.Progress.Message + "."
		}
		if c.ServerURL != "" {
			msg += " The server is running at " + c.ServerURL + "."
		}
		return msg
	case "timing":
		elapsed := r.now().Sub(c.CreatedAt).Round(time.Second)
		return fmt.Sprintf("Work on this task started %s ago. Validation steps are bounded by their own timeouts, so the current run will finish or fail within its execution limit of %s.",
			elapsed, c.Options.MaxExecutionTime())
	}
	if facts.Reply != "" {
		return facts.Reply
	}
	return defaultReply(c)
}

func prompt(c *taskcontext.Context, question string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are assisting with a %s project.\n", c.ProjectType))
	if len(c.CurrentFeatures) > 0 {
		sb.WriteString("Current features: " + strings.Join(c.CurrentFeatures, ", ") + "\n")
	}
	if c.Solution != nil && c.Solution.Framework != "" {
		sb.WriteString("Framework: " + c.Solution.Framework + "\n")
	}
	sb.WriteString(fmt.Sprintf("Test status: %s\n", c.TestStatus))
	sb.WriteString("Question: " + question)
	return sb.String()
}

func defaultReply(c *taskcontext.Context) string {
	return fmt.Sprintf("Thanks for your question about the %s project. It has been noted and will be taken into account as work continues.", c.ProjectType)
}
