// Package bus implements the kernel's named publish/subscribe event bus.
//
// Services address each other only by (publisher, event) pairs. A trigger
// snapshots the subscribers under a read lock and hands the whole delivery to
// one pool job, so handlers never run on the publisher's goroutine and never
// run under a bus lock. Deliveries within one trigger follow subscription
// order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	kos "github.com/R3E-Network/service_kernel/platform/os"
)

// ErrNotJoined is returned when a service uses the bus before joining it.
var ErrNotJoined = errors.New("service has not joined the event bus")

// SubmitFunc runs a job on the shared worker pool.
type SubmitFunc func(func()) error

// Config holds bus configuration.
type Config struct {
	// Submit runs delivery jobs. Required.
	Submit SubmitFunc

	// DefaultLimit applies to publishers without their own limit.
	DefaultLimit LimiterConfig

	Logger  kos.Logger
	Metrics metrics.Recorder
	Journal events.Journal
	Tracer  trace.Tracer
}

type eventKey struct {
	publisher string
	event     string
}

type subscription struct {
	id         string
	subscriber *participant
	handler    kos.EventHandler
}

type participant struct {
	name     string
	inflight sync.WaitGroup
	left     atomic.Bool
}

// Bus is the event bus.
type Bus struct {
	submit  SubmitFunc
	limiter *Limiter
	log     kos.Logger
	metrics metrics.Recorder
	journal events.Journal
	tracer  trace.Tracer

	mu           sync.RWMutex
	participants map[string]*participant
	events       map[eventKey][]*subscription
	pending      map[eventKey][]*subscription
	leaving      map[string]*participant
	closed       bool
}

// New creates an event bus.
func New(cfg Config) (*Bus, error) {
	if cfg.Submit == nil {
		return nil, errors.New("bus requires a submit function")
	}
	if cfg.Logger == nil {
		cfg.Logger = kos.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("bus")
	}
	return &Bus{
		submit:       cfg.Submit,
		limiter:      NewLimiter(cfg.DefaultLimit),
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		journal:      cfg.Journal,
		tracer:       cfg.Tracer,
		participants: make(map[string]*participant),
		events:       make(map[eventKey][]*subscription),
		pending:      make(map[eventKey][]*subscription),
		leaving:      make(map[string]*participant),
	}, nil
}

// Join adds service to the bus. Joining twice is a no-op.
func (b *Bus) Join(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kos.ErrBusClosed
	}
	if _, ok := b.participants[service]; !ok {
		b.participants[service] = &participant{name: service}
	}
	return nil
}

// SetLimit configures the trigger budget of publisher.
func (b *Bus) SetLimit(publisher string, cfg LimiterConfig) {
	b.limiter.Configure(publisher, cfg)
}

// RegisterEvent declares that service may trigger event. Subscriptions held
// pending for the pair become active.
func (b *Bus) RegisterEvent(service, event string) error {
	if event == "" {
		return errors.New("event name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kos.ErrBusClosed
	}
	if _, ok := b.participants[service]; !ok {
		return fmt.Errorf("register event %q: %s: %w", event, service, ErrNotJoined)
	}

	key := eventKey{publisher: service, event: event}
	if _, ok := b.events[key]; ok {
		return nil
	}
	b.events[key] = b.pending[key]
	delete(b.pending, key)
	return nil
}

// Subscribe attaches handler to (publisher, event) on behalf of subscriber.
// If publisher has joined, the event must already be registered. If it has
// not, the subscription is held until publisher registers the event.
func (b *Bus) Subscribe(subscriber, publisher, event string, handler kos.EventHandler) error {
	if handler == nil {
		return errors.New("event handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kos.ErrBusClosed
	}
	p, ok := b.participants[subscriber]
	if !ok {
		return fmt.Errorf("subscribe to %s/%s: %s: %w", publisher, event, subscriber, ErrNotJoined)
	}

	sub := &subscription{id: uuid.NewString(), subscriber: p, handler: handler}
	key := eventKey{publisher: publisher, event: event}

	if _, joined := b.participants[publisher]; !joined {
		b.pending[key] = append(b.pending[key], sub)
		b.log.Debug("subscription pending", "subscriber", subscriber, "publisher", publisher, "event", event)
		return nil
	}
	subs, registered := b.events[key]
	if !registered {
		return &kos.EventNotRegisteredError{Publisher: publisher, Event: event}
	}
	b.events[key] = append(subs, sub)
	return nil
}

type delivery struct {
	sub   *subscription
	event kos.Event
}

// Trigger delivers payload to every current subscriber of (publisher, event).
// It returns once the delivery job is queued on the pool.
func (b *Bus) Trigger(ctx context.Context, publisher, event string, payload kos.Payload) (err error) {
	defer func() { b.metrics.RecordEventTrigger(publisher, event, err) }()

	if !b.limiter.Allow(publisher) {
		return fmt.Errorf("trigger %s/%s: %w", publisher, event, kos.ErrRateLimited)
	}
	if payload == nil {
		payload = kos.EmptyPayload
	}

	ev := kos.Event{
		ID:        uuid.NewString(),
		Publisher: publisher,
		Name:      event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return kos.ErrBusClosed
	}
	subs, ok := b.events[eventKey{publisher: publisher, event: event}]
	if !ok {
		b.mu.RUnlock()
		return &kos.EventNotRegisteredError{Publisher: publisher, Event: event}
	}
	batch := make([]delivery, 0, len(subs))
	for _, sub := range subs {
		sub.subscriber.inflight.Add(1)
		batch = append(batch, delivery{sub: sub, event: ev})
	}
	b.mu.RUnlock()

	if len(batch) == 0 {
		return nil
	}

	parent := trace.SpanContextFromContext(ctx)
	if err := b.submit(func() { b.deliverAll(parent, batch) }); err != nil {
		for _, d := range batch {
			d.sub.subscriber.inflight.Done()
		}
		return fmt.Errorf("queue delivery of %s/%s: %w", publisher, event, err)
	}
	return nil
}

func (b *Bus) deliverAll(parent trace.SpanContext, batch []delivery) {
	base := trace.ContextWithSpanContext(context.Background(), parent)
	for _, d := range batch {
		b.deliver(base, d)
	}
}

func (b *Bus) deliver(base context.Context, d delivery) {
	p := d.sub.subscriber
	defer p.inflight.Done()
	if p.left.Load() {
		return
	}

	ctx, span := b.tracer.Start(base, "bus.deliver",
		trace.WithAttributes(
			attribute.String("event.publisher", d.event.Publisher),
			attribute.String("event.name", d.event.Name),
			attribute.String("event.subscriber", p.name),
		),
	)
	started := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("event handler panic: %v", r)
			}
		}()
		return d.sub.handler(ctx, d.event)
	}()

	elapsed := time.Since(started)
	b.metrics.RecordEventDelivery(d.event.Publisher, d.event.Name, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log.Warn("event handler failed",
			"subscriber", p.name, "publisher", d.event.Publisher, "event", d.event.Name, "error", err)
		events.NewEvent(events.EventDeliveryFailed).
			Service(p.name).
			Component("bus").
			ErrorFrom(err).
			Duration(elapsed).
			Metadata("publisher", d.event.Publisher).
			Metadata("event", d.event.Name).
			LogTo(b.journal)
	}
	span.End()
}

// Leave removes service from the bus: its registered events and every
// subscription it holds. Other services' subscriptions to its events go back
// to pending and become active again when a service of the same name
// registers the event. Leave then waits for in-flight deliveries to the
// service's handlers; after it returns none of them run. If ctx ends first,
// calling Leave again keeps waiting.
func (b *Bus) Leave(ctx context.Context, service string) error {
	b.mu.Lock()
	p, ok := b.participants[service]
	if ok {
		p.left.Store(true)
		delete(b.participants, service)
		b.leaving[service] = p

		for key, subs := range b.pending {
			if rest := withoutSubscriber(subs, p); len(rest) > 0 {
				b.pending[key] = rest
			} else {
				delete(b.pending, key)
			}
		}
		for key, subs := range b.events {
			rest := withoutSubscriber(subs, p)
			if key.publisher != service {
				b.events[key] = rest
				continue
			}
			delete(b.events, key)
			if len(rest) > 0 {
				b.pending[key] = append(b.pending[key], rest...)
			}
		}
	} else if p, ok = b.leaving[service]; !ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.limiter.Remove(service)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.mu.Lock()
		if b.leaving[service] == p {
			delete(b.leaving, service)
		}
		b.mu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for deliveries to %s: %w", service, ctx.Err())
	}
}

func withoutSubscriber(subs []*subscription, p *participant) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.subscriber != p {
			out = append(out, s)
		}
	}
	return out
}

// Joined reports whether service is on the bus.
func (b *Bus) Joined(service string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.participants[service]
	return ok
}

// Registered reports whether publisher registered event.
func (b *Bus) Registered(publisher, event string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.events[eventKey{publisher: publisher, event: event}]
	return ok
}

// Subscribers returns the subscriber names of (publisher, event) in delivery
// order.
func (b *Bus) Subscribers(publisher, event string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.events[eventKey{publisher: publisher, event: event}]
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.subscriber.name)
	}
	return out
}

// Stats summarizes the bus state.
type Stats struct {
	Participants  int          `json:"participants"`
	Events        int          `json:"events"`
	Subscriptions int          `json:"subscriptions"`
	Pending       int          `json:"pending"`
	Limiter       LimiterStats `json:"limiter"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Participants: len(b.participants),
		Events:       len(b.events),
		Limiter:      b.limiter.Stats(),
	}
	for _, subs := range b.events {
		st.Subscriptions += len(subs)
	}
	for _, subs := range b.pending {
		st.Pending += len(subs)
	}
	return st
}

// Close rejects further use of the bus. Deliveries already queued still run.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
