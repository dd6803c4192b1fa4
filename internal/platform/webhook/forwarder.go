// Package webhook forwards selected notifier events to external HTTP
// endpoints, signed with HMAC-SHA256. It is used to page on-call staff when
// the integrity check raises an alarm or ledger anchoring fails.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/events"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Endpoint is one delivery target. Events holds type patterns: an exact
// type, "prefix.*" or "*.suffix".
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

func (ep Endpoint) matches(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == eventType, pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url must have a host")
	}
	return nil
}

func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value, with or without the
// "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type Option func(*Forwarder)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.http = c }
}

// WithRetry sets the attempts per delivery and the delay before the first
// retry; the delay doubles after each failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(f *Forwarder) {
		if attempts > 0 {
			f.attempts = attempts
		}
		f.backoff = backoff
	}
}

func WithQueueSize(n int) Option {
	return func(f *Forwarder) { f.queueSize = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

type job struct {
	ep    Endpoint
	event events.Event
}

// Forwarder is an events.Publisher. Publish never blocks on the network:
// matching deliveries are queued and sent by a background worker, and are
// dropped with a warning when the queue is full.
type Forwarder struct {
	endpoints []Endpoint
	http      *http.Client
	attempts  int
	backoff   time.Duration
	queueSize int
	logger    zerolog.Logger

	queue  chan job
	done   chan struct{}
	closed sync.Once
	mu     sync.RWMutex
	shut   bool
}

func NewForwarder(endpoints []Endpoint, opts ...Option) (*Forwarder, error) {
	for _, ep := range endpoints {
		if err := ValidateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	f := &Forwarder{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		backoff:   time.Second,
		queueSize: 64,
		logger:    zerolog.Nop(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	f.queue = make(chan job, f.queueSize)
	go f.run()
	return f, nil
}

func (f *Forwarder) Publish(_ context.Context, ev events.Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.shut {
		return nil
	}
	for _, ep := range f.endpoints {
		if !ep.matches(ev.Type) {
			continue
		}
		select {
		case f.queue <- job{ep: ep, event: ev}:
		default:
			f.logger.Warn().Str("event", ev.Type).Str("url", ep.URL).Msg("webhook queue full, event dropped")
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries, or until ctx
// is done.
func (f *Forwarder) Close(ctx context.Context) error {
	f.closed.Do(func() {
		f.mu.Lock()
		f.shut = true
		close(f.queue)
		f.mu.Unlock()
	})
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for j := range f.queue {
		f.deliver(context.Background(), j.ep, j.event)
	}
}

func (f *Forwarder) deliver(ctx context.Context, ep Endpoint, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error().Err(err).Str("event", ev.Type).Msg("encode webhook payload")
		return
	}
	id := uuid.NewString()
	wait := f.backoff
	for attempt := 1; attempt <= f.attempts; attempt++ {
		status, err := f.post(ctx, ep, id, payload)
		if err == nil {
			f.logger.Debug().Str("delivery", id).Str("event", ev.Type).Int("status", status).Msg("webhook delivered")
			return
		}
		f.logger.Warn().Err(err).Str("delivery", id).Str("url", ep.URL).Int("attempt", attempt).Msg("webhook delivery failed")
		if attempt < f.attempts && wait > 0 {
			time.Sleep(wait)
			wait *= 2
		}
	}
	f.logger.Error().Str("delivery", id).Str("event", ev.Type).Str("resource_id", ev.ResourceID).Msg("webhook delivery abandoned")
}

func (f *Forwarder) post(ctx context.Context, ep Endpoint, id string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, id)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
