// Package events publishes run lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeRunStarted   = "run.started"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
)

// Event describes a change in a run's lifecycle.
type Event struct {
	Type           string    `json:"type"`
	RunID          string    `json:"run_id"`
	Model          string    `json:"model"`
	Time           time.Time `json:"time"`
	Chains         int       `json:"chains,omitempty"`
	Iterations     int       `json:"iterations,omitempty"`
	AcceptanceRate float64   `json:"acceptance_rate,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// NATSConfig configures a NATS publisher.
type NATSConfig struct {
	URL string
	// Prefix is prepended to the event type: <prefix>.run.completed.
	Prefix string
	// Name identifies the connection on the server.
	Name string
}

// NATSPublisher publishes JSON events to NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the server at cfg.URL.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "metropolis"
	}
	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends e and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: p.Subject(e.Type),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Run-ID", e.RunID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return err
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)
