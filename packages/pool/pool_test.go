package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched map[string]int
	quit     []string
	fail     error
	delay    time.Duration
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(map[string]int)}
}

func (l *fakeLauncher) Launch(ctx context.Context, envID string) (*browser.Session, error) {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.launched[envID]++
	return browser.NewSession(browser.Options{EnvironmentID: envID})
}

func (l *fakeLauncher) Quit(_ context.Context, s *browser.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quit = append(l.quit, s.ID())
	s.Close()
	return nil
}

func (l *fakeLauncher) launches(envID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[envID]
}

func (l *fakeLauncher) quits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.quit)
}

func fixedLimits(parallel, use int) LimitsFunc {
	return func(string) Limits {
		return Limits{ParallelLimit: parallel, SessionUseLimit: use}
	}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFacade_ReusesReleasedSession(t *testing.T) {
	l := newFakeLauncher()
	f := NewFacade(NewManager(fixedLimits(1, 0), l))
	ctx := ctxTimeout(t)

	s1, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, s1))

	s2, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s2.ID())
	assert.Equal(t, 1, l.launches("chrome"))
}

func TestFacade_ParallelLimit(t *testing.T) {
	l := newFakeLauncher()
	m := NewManager(fixedLimits(1, 0), l)
	f := NewFacade(m)
	ctx := ctxTimeout(t)

	s1, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)

	got := make(chan *browser.Session, 1)
	go func() {
		s, err := f.Acquire(ctx, "chrome")
		if err == nil {
			got <- s
		}
	}()

	require.Eventually(t, func() bool {
		_, _, queued := m.Stats("chrome")
		return queued == 1
	}, time.Second, 5*time.Millisecond)

	select {
	case <-got:
		t.Fatal("second acquire must wait for a release")
	default:
	}

	require.NoError(t, f.Release(ctx, s1))
	select {
	case s2 := <-got:
		assert.Equal(t, s1.ID(), s2.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter not served after release")
	}
}

func TestFacade_EnvironmentsAreIndependent(t *testing.T) {
	l := newFakeLauncher()
	f := NewFacade(NewManager(fixedLimits(1, 0), l))
	ctx := ctxTimeout(t)

	a, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	b, err := f.Acquire(ctx, "firefox")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "firefox", b.EnvironmentID())
}

func TestFacade_SessionUseLimit(t *testing.T) {
	l := newFakeLauncher()
	f := NewFacade(NewManager(fixedLimits(1, 2), l))
	ctx := ctxTimeout(t)

	s1, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	s1.RecordTest()
	s1.RecordTest()
	require.NoError(t, f.Release(ctx, s1))
	assert.True(t, s1.Closed())
	assert.Equal(t, 1, l.quits())

	s2, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, l.launches("chrome"))
}

func TestFacade_UsedUpSessionStartsLaunchForWaiter(t *testing.T) {
	l := newFakeLauncher()
	m := NewManager(fixedLimits(1, 1), l)
	f := NewFacade(m)
	ctx := ctxTimeout(t)

	s1, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)

	got := make(chan *browser.Session, 1)
	go func() {
		s, _ := f.Acquire(ctx, "chrome")
		got <- s
	}()
	require.Eventually(t, func() bool {
		_, _, queued := m.Stats("chrome")
		return queued == 1
	}, time.Second, 5*time.Millisecond)

	s1.RecordTest()
	require.NoError(t, f.Release(ctx, s1))

	select {
	case s2 := <-got:
		require.NotNil(t, s2)
		assert.NotEqual(t, s1.ID(), s2.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter not served")
	}
}

func TestFacade_Cancel(t *testing.T) {
	l := newFakeLauncher()
	m := NewManager(fixedLimits(1, 0), l)
	f := NewFacade(m)
	ctx := ctxTimeout(t)

	s1, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := f.Acquire(ctx, "chrome")
		errs <- err
	}()
	require.Eventually(t, func() bool {
		_, _, queued := m.Stats("chrome")
		return queued == 1
	}, time.Second, 5*time.Millisecond)

	f.Cancel()
	f.Cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrPoolCancelled)
	case <-time.After(time.Second):
		t.Fatal("queued acquire not refused")
	}

	_, err = f.Acquire(ctx, "firefox")
	assert.ErrorIs(t, err, ErrPoolCancelled)

	// in-flight session is still usable and disposed on release
	assert.False(t, s1.Closed())
	require.NoError(t, f.Release(ctx, s1))
	assert.True(t, s1.Closed())
}

func TestFacade_AcquireContextDone(t *testing.T) {
	l := newFakeLauncher()
	l.delay = 50 * time.Millisecond
	m := NewManager(fixedLimits(1, 0), l)
	f := NewFacade(m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Acquire(ctx, "chrome")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the late session lands in the free list
	require.Eventually(t, func() bool {
		_, idle, _ := m.Stats("chrome")
		return idle == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFacade_LaunchFailureFreesSlot(t *testing.T) {
	l := newFakeLauncher()
	l.fail = errors.New("no display")
	m := NewManager(fixedLimits(1, 0), l)
	f := NewFacade(m)
	ctx := ctxTimeout(t)

	_, err := f.Acquire(ctx, "chrome")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")

	active, _, _ := m.Stats("chrome")
	assert.Equal(t, 0, active)

	l.mu.Lock()
	l.fail = nil
	l.mu.Unlock()
	_, err = f.Acquire(ctx, "chrome")
	assert.NoError(t, err)
}

func TestFacade_Close(t *testing.T) {
	l := newFakeLauncher()
	f := NewFacade(NewManager(fixedLimits(0, 0), l))
	ctx := ctxTimeout(t)

	a, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	b, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	require.NoError(t, f.Release(ctx, a))
	require.NoError(t, f.Release(ctx, b))

	require.NoError(t, f.Close(ctx))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 2, l.quits())
}

func TestFacade_LateSessionAfterCloseIsDisposed(t *testing.T) {
	emitter := events.NewEmitter()
	var ended atomic.Int32
	emitter.On(events.SessionEnded, func(context.Context, events.Event) error {
		ended.Add(1)
		return nil
	})

	l := newFakeLauncher()
	l.delay = 50 * time.Millisecond
	m := NewManager(fixedLimits(1, 0), l, WithHooks(SessionHooks(emitter, "run-1")))
	f := NewFacade(m)

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Acquire(short, "chrome")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, f.Close(ctxTimeout(t)))

	require.Eventually(t, func() bool {
		return l.quits() == 1 && ended.Load() == 1
	}, time.Second, 5*time.Millisecond)
	active, idle, _ := m.Stats("chrome")
	assert.Equal(t, 0, active)
	assert.Equal(t, 0, idle)
}

func TestSessionHooks(t *testing.T) {
	emitter := events.NewEmitter()
	var started, ended atomic.Int32
	emitter.On(events.SessionStarted, func(_ context.Context, e events.Event) error {
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, "chrome", e.EnvironmentID)
		assert.NotEmpty(t, e.SessionID)
		started.Add(1)
		return nil
	})
	emitter.On(events.SessionEnded, func(context.Context, events.Event) error {
		ended.Add(1)
		return nil
	})

	l := newFakeLauncher()
	f := Create(fixedLimits(1, 1), l, emitter, "run-1", nil)
	ctx := ctxTimeout(t)

	s, err := f.Acquire(ctx, "chrome")
	require.NoError(t, err)
	assert.Equal(t, int32(1), started.Load())

	s.RecordTest()
	require.NoError(t, f.Release(ctx, s))
	assert.Equal(t, int32(1), ended.Load())
}

func TestSessionHooks_ListenerFailure(t *testing.T) {
	emitter := events.NewEmitter()
	emitter.On(events.SessionStarted, func(context.Context, events.Event) error {
		return errors.New("boom")
	})

	l := newFakeLauncher()
	m := NewManager(fixedLimits(1, 0), l, WithHooks(SessionHooks(emitter, "run-1")))
	f := NewFacade(m)
	ctx := ctxTimeout(t)

	_, err := f.Acquire(ctx, "chrome")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerFailed)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, l.quits())

	active, _, _ := m.Stats("chrome")
	assert.Equal(t, 0, active)
}
