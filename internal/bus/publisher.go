package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"

	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

// Publisher stamps envelopes from the request context and hands them to the
// transport. Inside a reqctx scope publishing is deferred until the scope
// commits; elsewhere it is immediate.
type Publisher struct {
	transport Transport
	clock     clock.Clock
	maxSize   int

	mu        sync.RWMutex
	observers []func(Message)
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithClock overrides the clock used for CreatedAt.
func WithClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// WithMaxSize overrides the encoded size limit.
func WithMaxSize(n int) PublisherOption {
	return func(p *Publisher) { p.maxSize = n }
}

// NewPublisher builds a publisher over t.
func NewPublisher(t Transport, opts ...PublisherOption) *Publisher {
	p := &Publisher{transport: t, clock: clock.WallClock, maxSize: docstore.MaxDocumentSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Observe registers fn to see every message after it is sent.
func (p *Publisher) Observe(fn func(Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Audit publishes a command.
func (p *Publisher) Audit(ctx context.Context, key string, payload any) error {
	return p.Publish(ctx, Message{Exchange: Audit, RoutingKey: key}, payload)
}

// React publishes an event.
func (p *Publisher) React(ctx context.Context, key string, payload any) error {
	return p.Publish(ctx, Message{Exchange: React, RoutingKey: key}, payload)
}

// Publish fills the envelope ids missing from msg with the request context,
// encodes payload and sends or defers it.
func (p *Publisher) Publish(ctx context.Context, msg Message, payload any) error {
	msg, err := p.Stamp(ctx, msg, payload)
	if err != nil {
		return err
	}
	err = reqctx.Defer(ctx, func(ctx context.Context) error { return p.Send(ctx, msg) })
	if errors.Is(err, reqctx.ErrNoScope) {
		return p.Send(ctx, msg)
	}
	return err
}

// Stamp completes an envelope: payload, ids from the request context, a
// message id and creation time. It enforces the size limit.
func (p *Publisher) Stamp(ctx context.Context, msg Message, payload any) (Message, error) {
	if !validExchange(msg.Exchange) {
		return msg, fmt.Errorf("%w: %q", ErrUnknownExchange, msg.Exchange)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return msg, fmt.Errorf("bus: encode payload: %w", err)
		}
		msg.Payload = raw
	}
	if st := reqctx.From(ctx); st != nil {
		if msg.ProjectID == "" {
			msg.ProjectID = st.ProjectID()
		}
		if msg.AppConfigID == "" {
			msg.AppConfigID = st.AppID()
		}
		if msg.MountPoint == "" {
			msg.MountPoint = st.MountPoint()
		}
		if msg.UserID == "" {
			msg.UserID = st.Subject.UserID
		}
	}
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = p.clock.Now().UTC()
	}
	return msg, p.checkSize(msg)
}

func (p *Publisher) checkSize(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(raw) > p.maxSize {
		return fmt.Errorf("%w: %d bytes on %s", ErrTooLarge, len(raw), msg.RoutingKey)
	}
	return nil
}

// Send delivers msg to the transport now.
func (p *Publisher) Send(ctx context.Context, msg Message) error {
	ctx, span := obs.Tracer("bus").Start(ctx, "bus.publish")
	span.SetAttributes(
		attribute.String("bus.exchange", msg.Exchange),
		attribute.String("bus.routing_key", msg.RoutingKey),
	)
	defer span.End()
	if err := p.transport.Send(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("bus: send %s: %w", msg.RoutingKey, err)
	}
	obs.BusPublished.WithLabelValues(msg.Exchange).Inc()
	p.mu.RLock()
	obsFns := p.observers
	p.mu.RUnlock()
	for _, fn := range obsFns {
		fn(msg)
	}
	return nil
}
