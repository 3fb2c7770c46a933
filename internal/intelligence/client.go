package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultRateLimit   = 2.0
	defaultBurst       = 4
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	maxResponseBytes   = 8 << 20
)

// ErrUnavailable is returned when no service endpoint is configured.
var ErrUnavailable = errors.New("intelligence service not configured")

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RateLimit   float64 // requests per second
	Burst       int
	MaxRetries  int
	BaseBackoff time.Duration
}

// HTTPClient is a rate limited JSON client for the reasoning service.
//
//	POST {base}/v1/infer     {"text", "context"} -> Inference
//	POST {base}/v1/generate  {"prompt"}          -> {"text"}
type HTTPClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
}

var (
	_ Service   = (*HTTPClient)(nil)
	_ Messenger = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client. An empty BaseURL is an error.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, ErrUnavailable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		logger:      logger,
	}, nil
}

type inferRequest struct {
	Text    string       `json:"text"`
	Context InferContext `json:"context"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Infer implements Service.
func (c *HTTPClient) Infer(ctx context.Context, text string, ic InferContext) (*Inference, error) {
	var out Inference
	if err := c.call(ctx, "/v1/infer", inferRequest{Text: text, Context: ic}, &out); err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return &out, nil
}

// Generate implements Messenger.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	if err := c.call(ctx, "/v1/generate", generateRequest{Prompt: prompt}, &out); err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", errors.New("generate: empty response")
	}
	return out.Text, nil
}

func (c *HTTPClient) call(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		c.logger.Debug("intelligence request retry",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &retryableError{err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, snippet(data))}
	case resp.StatusCode != http.StatusOK:
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("service error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("service error (%d): %s", resp.StatusCode, snippet(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
