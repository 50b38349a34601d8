// Package translate is the HTTP client of the remote translation service.
package translate

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

	"github.com/harunnryd/signstream/pkg/errorsx"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/resilience"
)

// maxErrorBody caps how much of a failed response is kept for the error message.
const maxErrorBody = 512

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Code, e.Body)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Breaker *resilience.CircuitBreaker
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health probes GET /health. Anything but a 2xx {"status":"ok"} is a probe failure.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonProbeFailure)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonProbeFailure, "health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorsx.Wrap(statusError("health", resp), errorsx.ReasonProbeFailure)
	}
	var payload healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errorsx.Errorf(errorsx.ReasonProbeFailure, "health: malformed response: %w", err)
	}
	if payload.Status != "ok" {
		return errorsx.Errorf(errorsx.ReasonProbeFailure, "health: service status %q", payload.Status)
	}
	return nil
}

// Translate posts one batch to /translate. It makes exactly one attempt.
func (c *Client) Translate(ctx context.Context, b landmarks.Batch) (landmarks.TranslationResult, error) {
	if !c.Breaker.Allow() {
		return landmarks.TranslationResult{}, errorsx.Errorf(errorsx.ReasonSubmissionFailure, "translate: %w", resilience.ErrOpen)
	}
	res, err := c.translate(ctx, b)
	if err != nil {
		if ctx.Err() == nil {
			c.Breaker.OnError()
		}
		return landmarks.TranslationResult{}, errorsx.Wrap(err, errorsx.ReasonSubmissionFailure)
	}
	c.Breaker.OnSuccess()
	return res, nil
}

func (c *Client) translate(ctx context.Context, b landmarks.Batch) (landmarks.TranslationResult, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return landmarks.TranslationResult{}, fmt.Errorf("translate: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return landmarks.TranslationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return landmarks.TranslationResult{}, fmt.Errorf("translate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return landmarks.TranslationResult{}, statusError("translate", resp)
	}
	var out landmarks.TranslationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return landmarks.TranslationResult{}, fmt.Errorf("translate: malformed response: %w", err)
	}
	return out.Normalize(), nil
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se StatusError
	return errors.As(err, &se) && se.Code == code
}
