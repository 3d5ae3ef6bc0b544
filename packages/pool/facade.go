package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

// Facade is the pool as the runner sees it
type Facade struct {
	bridge
	log *slog.Logger
}

// FacadeOption configures a Facade
type FacadeOption func(*Facade)

func WithLogger(l *slog.Logger) FacadeOption {
	return func(f *Facade) {
		f.log = l
	}
}

func NewFacade(native Native, opts ...FacadeOption) *Facade {
	f := &Facade{
		bridge: bridge{native: native},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Acquire blocks until a session for envID is available. If ctx ends first
// the session, once delivered, goes straight back to the pool.
func (f *Facade) Acquire(ctx context.Context, envID string) (*browser.Session, error) {
	s, err := f.acquire(ctx, envID)
	if err != nil {
		return nil, fmt.Errorf("acquire session for %s: %w", envID, err)
	}
	f.log.Debug("session acquired", "env", envID, "session", s.ID())
	return s, nil
}

// Release hands s back to the pool
func (f *Facade) Release(ctx context.Context, s *browser.Session) error {
	if err := f.release(ctx, s); err != nil {
		return fmt.Errorf("release session %s: %w", s.ID(), err)
	}
	return nil
}

// Cancel stops the pool from handing out sessions. It returns immediately.
func (f *Facade) Cancel() {
	f.native.Cancel()
}

// Close disposes idle sessions
func (f *Facade) Close(ctx context.Context) error {
	return f.close(ctx)
}

// SessionHooks reports session start and end on emitter as awaited events.
// A listener error fails the acquisition or release that triggered it.
func SessionHooks(emitter *events.Emitter, runID string) Hooks {
	hook := func(kind events.Kind) func(context.Context, *browser.Session) error {
		return func(ctx context.Context, s *browser.Session) error {
			err := emitter.EmitAndWait(ctx, events.Event{
				Kind:          kind,
				RunID:         runID,
				EnvironmentID: s.EnvironmentID(),
				SessionID:     s.ID(),
			})
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrListenerFailed, kind, err)
			}
			return nil
		}
	}
	return Hooks{
		OnStart: hook(events.SessionStarted),
		OnQuit:  hook(events.SessionEnded),
	}
}

// Create builds a facade over a Manager
func Create(limits LimitsFunc, launcher browser.Launcher, emitter *events.Emitter, runID string, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	m := NewManager(limits, launcher,
		WithHooks(SessionHooks(emitter, runID)),
		WithManagerLogger(log),
	)
	return NewFacade(m, WithLogger(log))
}
