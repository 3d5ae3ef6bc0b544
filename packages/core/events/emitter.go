package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Listener observes one event. Errors returned for awaited kinds fail the
// triggering operation; errors from other kinds are logged and dropped.
type Listener func(ctx context.Context, e Event) error

// Emitter fans events out to registered listeners.
//
// Delivery through one emitter is serialized for every kind, so its listeners
// never run concurrently with each other and observe events in emission
// order. Awaited and fire-and-forget deliveries share the same lock.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener

	deliver sync.Mutex
	log     *slog.Logger
}

// EmitterOption configures an Emitter
type EmitterOption func(*Emitter)

// WithLogger sets the logger used for dropped listener errors
func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.log = l
	}
}

func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		listeners: make(map[Kind][]Listener),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On registers a listener for kind
func (e *Emitter) On(kind Kind, l Listener) {
	if !kind.Valid() {
		panic(fmt.Sprintf("events: unknown kind %q", kind))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], l)
}

func (e *Emitter) snapshot(kind Kind) []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ls := e.listeners[kind]
	if len(ls) == 0 {
		return nil
	}
	out := make([]Listener, len(ls))
	copy(out, ls)
	return out
}

// Emit delivers ev synchronously to every listener in registration order.
// It does not wait for any work a listener starts on its own.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ls := e.snapshot(ev.Kind)
	if len(ls) == 0 {
		return
	}

	e.deliver.Lock()
	defer e.deliver.Unlock()
	for _, l := range ls {
		if err := l(ctx, ev); err != nil {
			e.log.Warn("event listener failed", "event", ev.Kind, "error", err)
		}
	}
}

// EmitAndWait invokes every listener of ev.Kind one after another in
// registration order and returns once the last has returned. The first error
// is reported; the listeners after a failing one still run.
func (e *Emitter) EmitAndWait(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ls := e.snapshot(ev.Kind)
	if len(ls) == 0 {
		return nil
	}

	e.deliver.Lock()
	defer e.deliver.Unlock()
	var first error
	for _, l := range ls {
		if err := l(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Passthrough forwards every kind in kinds from one emitter to another.
// Awaited kinds stay awaited across the hop; the rest are re-emitted
// synchronously, which preserves the source's emission order.
func Passthrough(from, to *Emitter, kinds []Kind) {
	for _, kind := range kinds {
		if !kind.Valid() {
			panic(fmt.Sprintf("events: cannot pass through unknown kind %q", kind))
		}
		if kind.Awaited() {
			from.On(kind, func(ctx context.Context, ev Event) error {
				return to.EmitAndWait(ctx, ev)
			})
			continue
		}
		from.On(kind, func(ctx context.Context, ev Event) error {
			to.Emit(ctx, ev)
			return nil
		})
	}
}
