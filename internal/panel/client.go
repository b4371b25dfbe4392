package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultRetryBudget = 45 * time.Second
	readAttempts       = 3
	maxBodyBytes       = 32 << 20
)

// Request describes one call against a panel API.
type Request struct {
	Op       string
	Method   string
	Path     string
	Query    url.Values
	Body     any
	Form     url.Values
	SkipAuth bool
}

// Client is the JSON-over-HTTP helper every driver is built on.
// Authorize, when set, decorates each outgoing request with credentials.
type Client struct {
	Panel       string
	BaseURL     string
	HTTPClient  *http.Client
	Governor    *Governor
	Authorize   func(ctx context.Context, req *http.Request) error
	RetryBudget time.Duration
	Logger      *zap.Logger
}

// Do performs r and decodes the response into out when out is non-nil.
// GETs are retried on rate limiting, transport faults and 5xx; other
// methods are sent exactly once.
func (c *Client) Do(ctx context.Context, r Request, out any) (json.RawMessage, error) {
	if r.Method != http.MethodGet {
		return c.once(ctx, r, out)
	}

	budget := c.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = budget
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, readAttempts-1), ctx)

	var raw json.RawMessage
	op := func() error {
		body, err := c.once(ctx, r, out)
		if err != nil {
			if Retryable(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		raw = body
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log().Warn("retrying panel read",
			zap.String("op", r.Op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, c.fail(r.Op, ErrTransport, 0, err)
	}
	return raw, nil
}

func (c *Client) once(ctx context.Context, r Request, out any) (json.RawMessage, error) {
	// Authorize may itself call the panel, so build before taking a permit.
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	release, err := c.Governor.Acquire(ctx)
	if err != nil {
		return nil, c.fail(r.Op, ErrTransport, 0, err)
	}
	defer release()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, c.fail(r.Op, ErrTransport, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.fail(r.Op, ErrTransport, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}

	if kind := kindForStatus(resp.StatusCode); kind != nil {
		return nil, &Error{Panel: c.Panel, Op: r.Op, Kind: kind, Status: resp.StatusCode, Body: string(body)}
	}

	if out != nil {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, c.fail(r.Op, ErrMalformed, resp.StatusCode, errors.New("empty response body"))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return nil, c.fail(r.Op, ErrMalformed, resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	u := strings.TrimRight(c.BaseURL, "/") + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}

	var (
		bodyReader  io.Reader
		contentType string
	)
	switch {
	case r.Form != nil:
		bodyReader = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.Body != nil:
		jsonBody, err := json.Marshal(r.Body)
		if err != nil {
			return nil, c.fail(r.Op, ErrMalformed, 0, fmt.Errorf("failed to marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(jsonBody)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, bodyReader)
	if err != nil {
		return nil, c.fail(r.Op, ErrTransport, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Authorize != nil && !r.SkipAuth {
		if err := c.Authorize(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *Client) fail(op string, kind error, status int, err error) *Error {
	return &Error{Panel: c.Panel, Op: op, Kind: kind, Status: status, Err: err}
}

func (c *Client) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Fail builds a taxonomy error attributed to this client's panel.
func (c *Client) Fail(op string, kind error, err error) *Error {
	return c.fail(op, kind, 0, err)
}
