package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
)

// handleEvents streams bus events as Server-Sent Events until the client
// disconnects. ?task_id= limits the stream to one task.
func (s *Server) handleEvents(c echo.Context) error {
	var filter events.Filter
	if id := c.QueryParam("task_id"); id != "" {
		filter = events.ForTask(id)
	}
	sub := s.bus.Subscribe(filter)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("failed to encode event", zap.String("type", string(e.Type)), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
