// Package clinicalapi is the HTTP client for the Clinical API and the
// Integrity API. It implements the API interfaces consumed by the encounter
// and diagnostic test lifecycles, the staff roster and the integrity
// verifier, and maps every non-2xx response into a *workflow.RemoteError.
package clinicalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL string
	http    *http.Client
	token   string
	headers http.Header
	pub     events.Publisher
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithPublisher sets where session.expired is announced on a 401.
func WithPublisher(p events.Publisher) Option {
	return func(c *Client) { c.pub = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the API rooted at baseURL, e.g.
// http://localhost:8000/api/v1.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		headers: http.Header{},
		pub:     events.Nop{},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return &workflow.RemoteError{Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.remoteError(ctx, resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &workflow.RemoteError{Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if !env.Success {
		return &workflow.RemoteError{Status: resp.StatusCode, Message: env.Error, Fields: env.Fields}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &workflow.RemoteError{Status: resp.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

func (c *Client) remoteError(ctx context.Context, resp *http.Response) error {
	rerr := &workflow.RemoteError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Error != "" {
		rerr.Message = env.Error
		rerr.Fields = env.Fields
	} else {
		rerr.Message = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn().Msg("session expired")
		ev := events.New(events.TopicSession, events.SessionExpired, "", "", map[string]string{"reason": rerr.Message})
		if err := c.pub.Publish(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("publish session expiry")
		}
	}
	return rerr
}

func idPath(format string, id uuid.UUID) string {
	return fmt.Sprintf(format, url.PathEscape(id.String()))
}
