// Package pool manages the sessions tests run in.
//
// Manager is the native pool: it launches, reuses and disposes sessions per
// environment and answers on channels. Facade bridges it to blocking,
// context-aware calls and is the only type the runner talks to.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
)

var (
	// ErrPoolCancelled is returned for acquisitions refused after Cancel
	ErrPoolCancelled = errors.New("session pool cancelled")
	// ErrListenerFailed wraps a session lifecycle listener error
	ErrListenerFailed = errors.New("session listener failed")
)

// Limits bound session usage for one environment. Zero means unlimited.
type Limits struct {
	ParallelLimit   int
	SessionUseLimit int
}

// LimitsFunc resolves the limits of an environment
type LimitsFunc func(envID string) Limits

// Hooks run around a session's life. OnStart runs once on a freshly launched
// session before it is handed out; OnQuit runs before it is disposed.
type Hooks struct {
	OnStart func(ctx context.Context, s *browser.Session) error
	OnQuit  func(ctx context.Context, s *browser.Session) error
}

// Result answers an acquisition
type Result struct {
	Session *browser.Session
	Err     error
}

type envState struct {
	active  int
	free    []*browser.Session
	waiters []chan Result
}

// Manager is a session pool with per-environment admission control
type Manager struct {
	limits   LimitsFunc
	launcher browser.Launcher
	hooks    Hooks
	log      *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	envs      map[string]*envState
	cancelled bool
	closed    bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) {
		m.hooks = h
	}
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

func NewManager(limits LimitsFunc, launcher browser.Launcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		limits:   limits,
		launcher: launcher,
		log:      slog.Default(),
		envs:     make(map[string]*envState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "pool")
	m.ctx, m.stop = context.WithCancel(context.Background())
	return m
}

func (m *Manager) env(id string) *envState {
	st, ok := m.envs[id]
	if !ok {
		st = &envState{}
		m.envs[id] = st
	}
	return st
}

func admits(limit, active int) bool {
	return limit <= 0 || active < limit
}

// Acquire requests a session for envID. The answer arrives on the returned
// channel once a session is free, launched, or the pool is cancelled.
func (m *Manager) Acquire(envID string) <-chan Result {
	ch := make(chan Result, 1)

	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		ch <- Result{Err: ErrPoolCancelled}
		return ch
	}

	st := m.env(envID)
	if n := len(st.free); n > 0 {
		s := st.free[n-1]
		st.free = st.free[:n-1]
		m.mu.Unlock()
		ch <- Result{Session: s}
		return ch
	}

	if admits(m.limits(envID).ParallelLimit, st.active) {
		st.active++
		m.mu.Unlock()
		go m.launch(envID, ch)
		return ch
	}

	st.waiters = append(st.waiters, ch)
	m.mu.Unlock()
	m.log.Debug("acquire queued", "env", envID)
	return ch
}

func (m *Manager) launch(envID string, ch chan Result) {
	s, err := m.launcher.Launch(m.ctx, envID)
	if err != nil {
		m.slotFreed(envID)
		ch <- Result{Err: err}
		return
	}

	if m.hooks.OnStart != nil {
		if err := m.hooks.OnStart(m.ctx, s); err != nil {
			_ = m.launcher.Quit(context.WithoutCancel(m.ctx), s)
			m.slotFreed(envID)
			ch <- Result{Err: err}
			return
		}
	}

	m.mu.Lock()
	cancelled := m.cancelled
	m.mu.Unlock()
	if cancelled {
		_ = m.dispose(s)
		m.slotFreed(envID)
		ch <- Result{Err: ErrPoolCancelled}
		return
	}

	ch <- Result{Session: s}
}

// slotFreed accounts for a disposed session and starts a launch for the
// oldest waiter if the environment has room again.
func (m *Manager) slotFreed(envID string) {
	m.mu.Lock()
	st := m.env(envID)
	st.active--
	if m.cancelled || len(st.waiters) == 0 || !admits(m.limits(envID).ParallelLimit, st.active) {
		m.mu.Unlock()
		return
	}
	w := st.waiters[0]
	st.waiters = st.waiters[1:]
	st.active++
	m.mu.Unlock()

	go m.launch(envID, w)
}

// Release returns s to the pool. The session is handed to the oldest waiter,
// kept for reuse, or disposed when it is used up or the pool is cancelled or
// closed.
func (m *Manager) Release(s *browser.Session) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.release(s)
	}()
	return ch
}

func (m *Manager) release(s *browser.Session) error {
	envID := s.EnvironmentID()
	useLimit := m.limits(envID).SessionUseLimit
	usedUp := useLimit > 0 && s.TestsRun() >= useLimit

	m.mu.Lock()
	st := m.env(envID)
	if !m.cancelled && !m.closed && !usedUp && !s.Closed() {
		if len(st.waiters) > 0 {
			w := st.waiters[0]
			st.waiters = st.waiters[1:]
			m.mu.Unlock()
			w <- Result{Session: s}
			return nil
		}
		st.free = append(st.free, s)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.dispose(s)
	m.slotFreed(envID)
	return err
}

func (m *Manager) dispose(s *browser.Session) error {
	ctx := context.WithoutCancel(m.ctx)

	var hookErr error
	if m.hooks.OnQuit != nil {
		hookErr = m.hooks.OnQuit(ctx, s)
	}
	quitErr := m.launcher.Quit(ctx, s)
	if hookErr != nil {
		return hookErr
	}
	return quitErr
}

// Cancel refuses every queued and future acquisition. Sessions already
// handed out keep running and are disposed when released.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	var waiters []chan Result
	for _, st := range m.envs {
		waiters = append(waiters, st.waiters...)
		st.waiters = nil
	}
	m.mu.Unlock()

	m.stop()
	for _, w := range waiters {
		w <- Result{Err: ErrPoolCancelled}
	}
	m.log.Info("pool cancelled", "queued", len(waiters))
}

// Close disposes every idle session. Sessions still in use, or launched for
// an acquisition that was abandoned, are disposed when released.
func (m *Manager) Close() <-chan error {
	ch := make(chan error, 1)

	m.mu.Lock()
	m.closed = true
	var idle []*browser.Session
	for _, st := range m.envs {
		idle = append(idle, st.free...)
		st.free = nil
	}
	m.mu.Unlock()

	go func() {
		var first error
		for _, s := range idle {
			if err := m.dispose(s); err != nil && first == nil {
				first = err
			}
			m.slotFreed(s.EnvironmentID())
		}
		ch <- first
	}()
	return ch
}

// Stats reports active and idle session counts for an environment
func (m *Manager) Stats(envID string) (active, idle, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.env(envID)
	return st.active, len(st.free), len(st.waiters)
}
