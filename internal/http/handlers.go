package http

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/interaction"
	"github.com/fyrsmithlabs/scaffoldd/internal/orchestrator"
	"github.com/fyrsmithlabs/scaffoldd/internal/taskcontext"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}

// statusFor maps a result to its HTTP status.
func statusFor(res orchestrator.Result, okStatus int) int {
	if res.Success {
		return okStatus
	}
	switch res.Code {
	case orchestrator.CodeNotFound:
		return http.StatusNotFound
	case orchestrator.CodeInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func codeFor(status int) orchestrator.Code {
	switch status {
	case http.StatusNotFound:
		return orchestrator.CodeNotFound
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return orchestrator.CodeInvalidRequest
	case http.StatusConflict:
		return orchestrator.CodeConflict
	}
	return orchestrator.CodeInternal
}

func respond(c echo.Context, res orchestrator.Result) error {
	return c.JSON(statusFor(res, http.StatusOK), res)
}

func invalid(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, orchestrator.Result{Error: msg, Code: orchestrator.CodeInvalidRequest})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return invalid(c, "invalid request body")
	}
	if req.Content == "" {
		return invalid(c, "content field is required")
	}
	result := s.scrubber.Scrub(req.Content)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Scrubbed,
		FindingsCount: len(result.Findings),
		ByRule:        result.ByRule,
	})
}

func (s *Server) handleCreate(c echo.Context) error {
	var req orchestrator.CreateRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request body")
	}
	res := s.tasks.CreatePersistentTask(c.Request().Context(), req)
	return c.JSON(statusFor(res, http.StatusCreated), res)
}

func (s *Server) handleList(c echo.Context) error {
	return respond(c, s.tasks.ListTasks(c.Request().Context(), c.QueryParam("user_id")))
}

func (s *Server) handleStats(c echo.Context) error {
	return respond(c, s.tasks.GetTaskStatistics(c.Request().Context()))
}

func (s *Server) handleCleanup(c echo.Context) error {
	return respond(c, s.tasks.CleanupCompletedTasks(c.Request().Context()))
}

func (s *Server) handleStatus(c echo.Context) error {
	return respond(c, s.tasks.GetTaskStatus(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleSummary(c echo.Context) error {
	return respond(c, s.tasks.GetTaskSummary(c.Request().Context(), c.Param("id")))
}

func (s *Server) handlePause(c echo.Context) error {
	return respond(c, s.tasks.PauseTask(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleResume(c echo.Context) error {
	return respond(c, s.tasks.ResumeTask(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleComplete(c echo.Context) error {
	return respond(c, s.tasks.CompleteTask(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleDelete(c echo.Context) error {
	return respond(c, s.tasks.DeleteTask(c.Request().Context(), c.Param("id")))
}

// handleExecute runs the pipeline in the background and answers 202, or
// waits for the outcome when ?wait=true.
func (s *Server) handleExecute(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if wait {
		return respond(c, s.tasks.ExecuteTask(ctx, id))
	}

	st := s.tasks.GetTaskStatus(ctx, id)
	if !st.Success {
		return respond(c, st)
	}
	if v, ok := st.Data.(*orchestrator.TaskStatus); ok && v.Executing {
		return c.JSON(http.StatusConflict, orchestrator.Result{
			Error: "execution already in progress",
			Code:  orchestrator.CodeConflict,
		})
	}

	runCtx := context.WithoutCancel(ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res := s.tasks.ExecuteTask(runCtx, id)
		if !res.Success {
			s.logger.Warn("async execution finished with failure",
				zap.String("task.id", id), zap.String("code", string(res.Code)), zap.String("error", res.Error))
		}
	}()
	return c.JSON(http.StatusAccepted, orchestrator.Result{
		Success: true,
		Data:    map[string]any{"taskId": id, "accepted": true},
	})
}

func (s *Server) handleInteract(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return invalid(c, "invalid request body")
	}
	req, err := interaction.Decode(body)
	if err != nil {
		return invalid(c, err.Error())
	}
	return respond(c, s.tasks.InteractWithTask(c.Request().Context(), c.Param("id"), req))
}

// handleDownload streams a ready archive. Folder and git downloads are
// directories on the daemon host; their metadata is returned instead.
func (s *Server) handleDownload(c echo.Context) error {
	res := s.tasks.GetDownload(c.Request().Context(), c.Param("id"), c.Param("download"))
	if !res.Success {
		return respond(c, res)
	}
	d, ok := res.Data.(*taskcontext.DownloadRequest)
	if !ok {
		return respond(c, res)
	}
	switch d.Status {
	case taskcontext.DownloadReady:
	case taskcontext.DownloadExpired:
		return c.JSON(http.StatusGone, orchestrator.Result{Error: "download has expired", Code: orchestrator.CodeNotFound, Data: d})
	default:
		return c.JSON(http.StatusConflict, orchestrator.Result{Error: "download is " + string(d.Status), Code: orchestrator.CodeConflict, Data: d})
	}
	switch d.Format {
	case taskcontext.FormatZip, taskcontext.FormatTar:
		return c.Attachment(d.Path, filepath.Base(d.Path))
	}
	return respond(c, res)
}
