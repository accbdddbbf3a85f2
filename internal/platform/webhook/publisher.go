// Package webhook forwards queue events to external HTTP endpoints, signed
// with HMAC-SHA256 so receivers can verify the sender.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/etriage/etriage/internal/platform/events"
)

var ErrQueueFull = errors.New("webhook queue full")

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// eventMatches accepts "*", an exact type, "case.*" or "*.updated".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetries sets how many times a failed delivery is retried and the base
// delay, which grows linearly per attempt.
func WithRetries(n int, delay time.Duration) Option {
	return func(p *Publisher) {
		p.retries = n
		p.retryDelay = delay
	}
}

// WithEvents restricts delivery to matching event types.
func WithEvents(patterns ...string) Option {
	return func(p *Publisher) {
		if len(patterns) > 0 {
			p.patterns = patterns
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan events.Event, n)
		}
	}
}

// Publisher is an events.Publisher. Publish only enqueues; Run performs
// the deliveries so a slow receiver never holds up a triage request.
type Publisher struct {
	urls       []string
	secret     string
	patterns   []string
	client     *http.Client
	retries    int
	retryDelay time.Duration
	queue      chan events.Event
	logger     zerolog.Logger
}

func NewPublisher(urls []string, secret string, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one webhook url is required")
	}
	for _, u := range urls {
		if err := validateURL(u); err != nil {
			return nil, err
		}
	}
	p := &Publisher{
		urls:       urls,
		secret:     secret,
		patterns:   []string{"*"},
		client:     &http.Client{Timeout: 10 * time.Second},
		retries:    3,
		retryDelay: time.Second,
		queue:      make(chan events.Event, 256),
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Publisher) wants(eventType string) bool {
	for _, pat := range p.patterns {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	if !p.wants(ev.Type) {
		return nil
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			for _, u := range p.urls {
				if err := p.deliver(ctx, u, ev); err != nil {
					p.logger.Warn().Err(err).Str("url", u).Str("event", ev.Type).Msg("webhook delivery failed")
				}
			}
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, target string, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	id := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		lastErr = p.post(ctx, target, id, payload)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p *Publisher) post(ctx context.Context, target, id string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, p.secret))
	req.Header.Set(HeaderDelivery, id)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
