// Package messaging forwards triage events to NATS so that downstream
// systems (bed management, paging) can follow the queue without polling.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/etriage/etriage/internal/platform/events"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Publisher implements events.Publisher on top of a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Publisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event type is published on, e.g.
// "etriage.case.submitted".
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

func (p *Publisher) Publish(_ context.Context, event events.Event) error {
	if p == nil || p.conn == nil {
		return errors.New("nats: not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, event.Type))
	msg.Data = payload
	msg.Header.Set("Content-Type", "application/json")
	if event.CaseID != "" {
		msg.Header.Set("Case-Id", event.CaseID)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Ping reports whether the connection is currently usable.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil || p.conn == nil {
		return errors.New("nats: not connected")
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats: %s", p.conn.Status())
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
