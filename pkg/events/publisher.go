// Package events defines the fire-and-forget publisher through which
// the pipeline core notifies observers. Delivery is at-least-once;
// publishers never block pipeline progress on a slow consumer.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// Publisher delivers pipeline events to observers.
type Publisher interface {
	Publish(ctx context.Context, event contracts.Event)
}

// LogPublisher writes events to structured logs. It is the default
// publisher when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher logging through logger (or the
// default logger when nil).
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event contracts.Event) {
	p.logger.InfoContext(ctx, "pipeline event",
		"session_id", event.SessionID,
		"type", event.Type,
		"phase", event.Phase,
		"status", event.Status,
		"progress", event.Progress,
	)
}

// MemoryPublisher records events in memory for tests and local
// introspection.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []contracts.Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event contracts.Event) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []contracts.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]contracts.Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns published events matching t, in publish order.
func (p *MemoryPublisher) OfType(t contracts.EventType) []contracts.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []contracts.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event contracts.Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}
