package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
	"github.com/fyrsmithlabs/scaffoldd/internal/task"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
	"github.com/fyrsmithlabs/scaffoldd/internal/validation"
)

// Result is the uniform return value of every public operation.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Code   `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(data any) Result { return Result{Success: true, Data: data} }

func fail(err error) Result {
	return Result{Error: err.Error(), Code: classify(err)}
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &resultError{code: r.Code, msg: r.Error}
}

type resultError struct {
	code Code
	msg  string
}

func (e *resultError) Error() string { return e.msg }

// CreateRequest is the input of CreatePersistentTask. Options left nil take
// the documented defaults.
type CreateRequest struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	ProjectType   string         `json:"projectType"`
	UserID        string         `json:"userId"`
	InitialPrompt string         `json:"initialPrompt"`
	Options       *CreateOptions `json:"options,omitempty"`
}

// CreateOptions overrides individual task options. Nil fields keep defaults.
type CreateOptions struct {
	AutoStartServer   *bool  `json:"autoStartServer,omitempty"`
	AutoRunTests      *bool  `json:"autoRunTests,omitempty"`
	GenerateReport    *bool  `json:"generateReport,omitempty"`
	KeepAlive         *bool  `json:"keepAlive,omitempty"`
	MaxExecutionTime  *int64 `json:"maxExecutionTime,omitempty"` // milliseconds
	RetryOnFailure    *bool  `json:"retryOnFailure,omitempty"`
	MaxRetries        *int   `json:"maxRetries,omitempty"`
	CleanupOnComplete *bool  `json:"cleanupOnComplete,omitempty"`
}

func (o *CreateOptions) apply(base taskcontext.Options) taskcontext.Options {
	if o == nil {
		return base
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&base.AutoStartServer, o.AutoStartServer)
	setBool(&base.AutoRunTests, o.AutoRunTests)
	setBool(&base.GenerateReport, o.GenerateReport)
	setBool(&base.KeepAlive, o.KeepAlive)
	setBool(&base.RetryOnFailure, o.RetryOnFailure)
	setBool(&base.CleanupOnComplete, o.CleanupOnComplete)
	if o.MaxExecutionTime != nil {
		base.MaxExecutionMS = *o.MaxExecutionTime
	}
	if o.MaxRetries != nil {
		base.MaxRetries = *o.MaxRetries
	}
	return base
}

// TaskStatus is the read-only status view of a task.
type TaskStatus struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	ProjectType     string                 `json:"projectType"`
	UserID          string                 `json:"userId"`
	Status          task.Status            `json:"status"`
	StoredStatus    task.Status            `json:"storedStatus"`
	TestStatus      taskcontext.TestStatus `json:"testStatus"`
	Progress        int                    `json:"progress"`
	ProgressMessage string                 `json:"progressMessage,omitempty"`
	Executing       bool                   `json:"executing"`
	ServerURL       string                 `json:"serverUrl,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastAccessed    time.Time              `json:"lastAccessed"`
}

// TaskSummary extends TaskStatus with the task's history.
type TaskSummary struct {
	TaskStatus

	Description      string                            `json:"description"`
	WorkingDirectory string                            `json:"workingDirectory"`
	Intent           intelligence.Intent               `json:"intent"`
	Framework        string                            `json:"framework,omitempty"`
	Features         []string                          `json:"features"`
	Modifications    []taskcontext.ModificationRequest `json:"modifications"`
	Downloads        []taskcontext.DownloadRequest     `json:"downloads,omitempty"`
	TestResults      []validation.StepResult           `json:"testResults"`
	ReportPath       string                            `json:"reportPath,omitempty"`
	MessageCount     int                               `json:"messageCount"`
	RecentMessages   []taskcontext.Message             `json:"recentMessages,omitempty"`
}

// Statistics aggregates all tasks.
type Statistics struct {
	Total                int            `json:"total"`
	ByStatus             map[string]int `json:"byStatus"`
	ByProjectType        map[string]int `json:"byProjectType"`
	Executing            int            `json:"executing"`
	TestsPassed          int            `json:"testsPassed"`
	TestsFailed          int            `json:"testsFailed"`
	Modifications        int            `json:"modifications"`
	PendingModifications int            `json:"pendingModifications"`
	AverageProgress      float64        `json:"averageProgress"`
}

// ExecutionResult is the Data of a finished ExecuteTask.
type ExecutionResult struct {
	TaskID     string        `json:"taskId"`
	Status     task.Status   `json:"status"`
	Valid      bool          `json:"valid"`
	ServerURL  string        `json:"serverUrl,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	ReportPath string        `json:"reportPath,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Progress derives a completion percentage. Terminal tasks report 100
// (completed) or 0 (error); otherwise the test status decides.
func Progress(status task.Status, ts taskcontext.TestStatus) int {
	switch status {
	case task.StatusCompleted:
		return 100
	case task.StatusError:
		return 0
	}
	return taskcontext.DerivedProgress(ts)
}

// DerivedStatus reflects a settled test status on an active task.
func DerivedStatus(status task.Status, ts taskcontext.TestStatus) task.Status {
	if status != task.StatusActive {
		return status
	}
	switch ts {
	case taskcontext.TestPassed:
		return task.StatusCompleted
	case taskcontext.TestFailed:
		return task.StatusError
	}
	return status
}
