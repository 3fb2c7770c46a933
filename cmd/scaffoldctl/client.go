package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// result mirrors the daemon's response envelope.
type result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// apiError is a failed result with its HTTP status.
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Msg, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Msg, e.Status)
}

type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

// do sends body as JSON and decodes the envelope.
func (c *client) do(ctx context.Context, method, path string, body any) (*result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scaffoldd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var res result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		return &res, &apiError{Status: resp.StatusCode, Code: res.Code, Msg: res.Error}
	}
	return &res, nil
}

// download saves a packaged archive into dir and returns its path.
func (c *client) download(ctx context.Context, taskID, downloadID, dir string) (string, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s/downloads/%s", url.PathEscape(taskID), url.PathEscape(downloadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to scaffoldd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var res result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return "", err
		}
		if !res.Success {
			return "", &apiError{Status: resp.StatusCode, Code: res.Code, Msg: res.Error}
		}
		return "", fmt.Errorf("download %s is a directory on the daemon host: %s", downloadID, res.Data)
	}

	name := downloadID
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	target := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}
	return target, f.Close()
}

// stream prints server-sent events until ctx ends or the stream closes.
func (c *client) stream(ctx context.Context, taskID string, out io.Writer) error {
	path := "/api/v1/events"
	if taskID != "" {
		path += "?task_id=" + url.QueryEscape(taskID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	streaming := &http.Client{Transport: c.http.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to scaffoldd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Fprintln(out, data)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
