package runner

import (
	"context"
	"sync"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

// TestState is where a test is in its run
type TestState int

const (
	StatePending TestState = iota
	StateRunning
	StatePassed
	StateFailedRetrying
	StateFailedTerminal
	StateSkipped
)

func (s TestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePassed:
		return "passed"
	case StateFailedRetrying:
		return "failed-retrying"
	case StateFailedTerminal:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the test will not run again
func (s TestState) Terminal() bool {
	return s == StatePassed || s == StateFailedTerminal || s == StateSkipped
}

// RetryState counts re-attempts of one failing test
type RetryState struct {
	Attempts int
	Allowed  int
}

// Exhausted reports whether no re-attempt is left
func (r *RetryState) Exhausted() bool {
	return r.Attempts >= r.Allowed
}

// Next records a re-attempt and returns its number, from 1
func (r *RetryState) Next() int {
	r.Attempts++
	return r.Attempts
}

// TestResult is the last known state of a test
type TestResult struct {
	Test    *engine.Test
	State   TestState
	Retries int
	Err     error
}

// RetryRunner runs one adapter, re-running failing tests up to a budget
type RetryRunner struct {
	adapter *Adapter
	retries int
	emitter *events.Emitter

	mu      sync.Mutex
	results []TestResult
	index   map[*engine.Test]int
}

func NewRetryRunner(a *Adapter, retries int) *RetryRunner {
	if retries < 0 {
		retries = 0
	}
	r := &RetryRunner{
		adapter: a,
		retries: retries,
		emitter: events.NewEmitter(),
		index:   make(map[*engine.Test]int, a.Len()),
	}
	for _, e := range a.entries {
		r.index[e.test] = len(r.results)
		r.results = append(r.results, TestResult{Test: e.test, State: StatePending})
	}
	return r
}

// Emitter carries retry, test-fail and error events
func (r *RetryRunner) Emitter() *events.Emitter {
	return r.emitter
}

// Results returns every test's state in run order
func (r *RetryRunner) Results() []TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TestResult{}, r.results...)
}

func (r *RetryRunner) set(t *engine.Test, state TestState, retries int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index[t]
	r.results[i].State = state
	r.results[i].Retries = retries
	r.results[i].Err = err
}

// Run executes every test of the adapter. It returns an error only for a
// fatal failure, which leaves the remaining tests unrun. The adapter's
// session is released in every case.
func (r *RetryRunner) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := r.adapter.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, e := range r.adapter.entries {
		if e.pending != "" {
			r.adapter.SkipTest(ctx, e.test, e.pending)
			r.set(e.test, StateSkipped, 0, nil)
			continue
		}
		if ctx.Err() != nil {
			return r.fatal(ctx, e.test, 0, engine.Fatal(ctx.Err()))
		}
		if err := r.runTest(ctx, e.test); err != nil {
			return err
		}
	}
	return nil
}

func (r *RetryRunner) runTest(ctx context.Context, t *engine.Test) error {
	var rs *RetryState
	attempt := 0
	for {
		r.set(t, StateRunning, attempt, nil)
		out := r.adapter.RunTest(ctx, t, attempt)

		if out.Err == nil {
			r.adapter.EndTest(ctx, t, attempt, out)
			r.set(t, StatePassed, attempt, nil)
			return nil
		}
		if engine.IsFatal(out.Err) {
			r.set(t, StateFailedTerminal, attempt, out.Err)
			return r.fatal(ctx, t, attempt, out.Err)
		}

		if rs == nil {
			rs = &RetryState{Allowed: r.retries}
		}
		if !rs.Exhausted() {
			attempt = rs.Next()
			r.set(t, StateFailedRetrying, attempt, out.Err)
			ev := r.adapter.testEvent(events.Retry, t, attempt)
			ev.Err = out.Err
			r.emitter.Emit(ctx, ev)
			r.adapter.EndTest(ctx, t, attempt-1, out)
			continue
		}

		ev := r.adapter.testEvent(events.TestFail, t, attempt)
		ev.Err = out.Err
		ev.Duration = out.Duration
		r.emitter.Emit(ctx, ev)
		r.adapter.EndTest(ctx, t, attempt, out)
		r.set(t, StateFailedTerminal, attempt, out.Err)
		return nil
	}
}

func (r *RetryRunner) fatal(ctx context.Context, t *engine.Test, attempt int, err error) error {
	ev := r.adapter.event(events.Error)
	if t != nil {
		ev.Test = t.Info()
		ev.Attempt = attempt
	}
	ev.Err = err
	r.emitter.Emit(ctx, ev)
	return err
}
