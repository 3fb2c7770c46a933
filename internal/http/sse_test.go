package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
)

func TestHandleEvents_StreamsTaskEvents(t *testing.T) {
	server, _, bus := setupTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?task_id=t1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	bus.Emit(events.TaskStarted, "other", nil)
	bus.Emit(events.TaskProgress, "t1", map[string]any{"percent": 40})

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var eventLine, dataLine string
	deadline := time.After(2 * time.Second)
	for dataLine == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			switch {
			case strings.HasPrefix(line, "event: "):
				eventLine = line
			case strings.HasPrefix(line, "data: "):
				dataLine = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, "event: taskProgress", eventLine, "events of other tasks are filtered out")
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &e))
	assert.Equal(t, "t1", e.TaskID)
	assert.EqualValues(t, 40, e.Payload["percent"])

	cancel()
	assert.Eventually(t, func() bool { return bus.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond,
		"disconnecting releases the subscription")
}

func TestHandleEvents_Heartbeat(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, ": ping", sc.Text())
}
