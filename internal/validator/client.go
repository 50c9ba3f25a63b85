package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kirinyoku/tix-saga/internal/domain"
)

var ErrNotConfigured = errors.New("validator url not configured")

// StatusError is returned when the authority answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("validator responded %d: %s", e.Code, e.Body)
}

// Client posts validation requests to the external authority. The
// authority answers asynchronously through the validation callback, so
// only the acceptance of the request is checked here.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Send delivers one validation request.
//
// Returns:
//   - error: ErrNotConfigured if no URL is set.
//   - error: *StatusError on a non-2xx response.
//   - error: transport errors as returned by net/http.
func (c *Client) Send(ctx context.Context, req domain.ValidationRequest) error {
	const op = "validator.Client.Send"

	if c.url == "" {
		return fmt.Errorf("%s:%w", op, ErrNotConfigured)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s:%w", op, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))})
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
