package runner

import (
	"context"
	"sync"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
)

// SessionPool hands out sessions per environment. pool.Facade implements it.
type SessionPool interface {
	Acquire(ctx context.Context, envID string) (*browser.Session, error)
	Release(ctx context.Context, s *browser.Session) error
	Cancel()
	Close(ctx context.Context) error
}

// Agent is an adapter's handle on one environment. It acquires a session on
// first use and keeps it until Release.
type Agent struct {
	envID string
	pool  SessionPool

	mu      sync.Mutex
	session *browser.Session
}

func NewAgent(envID string, pool SessionPool) *Agent {
	return &Agent{envID: envID, pool: pool}
}

func (a *Agent) EnvironmentID() string {
	return a.envID
}

// Session returns the agent's session, acquiring one if needed. acquired
// reports whether this call did the acquiring.
func (a *Agent) Session(ctx context.Context) (s *browser.Session, acquired bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, false, nil
	}
	s, err = a.pool.Acquire(ctx, a.envID)
	if err != nil {
		return nil, false, err
	}
	a.session = s
	return s, true, nil
}

// SessionID returns the id of the held session, or ""
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.ID()
}

// Release returns the held session to the pool. It is a no-op when the
// agent holds none.
func (a *Agent) Release(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return a.pool.Release(ctx, s)
}
