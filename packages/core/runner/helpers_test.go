package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

// fakeEngine serves in-memory files whose tests are named t0, t1, ... inside
// a suite named after the file.
type fakeEngine struct {
	files map[string]*engine.File

	mu       sync.Mutex
	attempts map[string]int
	executed []string
	behave   func(t *engine.Test, attempt int) error
}

func newFakeEngine(counts map[string]int) *fakeEngine {
	e := &fakeEngine{
		files:    make(map[string]*engine.File),
		attempts: make(map[string]int),
	}
	for path, n := range counts {
		f := &engine.File{Path: path}
		for i := 0; i < n; i++ {
			f.Tests = append(f.Tests, &engine.Test{
				Title: fmt.Sprintf("t%d", i),
				Suite: []string{path},
				File:  path,
				Index: i,
			})
		}
		e.files[path] = f
	}
	return e
}

func (e *fakeEngine) skip(path string, index int, reason string) {
	e.files[path].Tests[index].Skip = reason
}

func (e *fakeEngine) Load(path string) (*engine.File, error) {
	f, ok := e.files[path]
	if !ok {
		return nil, &engine.LoadError{Path: path, Err: errors.New("no such file")}
	}
	return f, nil
}

func (e *fakeEngine) Execute(_ context.Context, _ *browser.Session, t *engine.Test) error {
	e.mu.Lock()
	e.attempts[t.FullTitle()]++
	n := e.attempts[t.FullTitle()]
	e.executed = append(e.executed, t.FullTitle())
	behave := e.behave
	e.mu.Unlock()
	if behave != nil {
		return behave(t, n)
	}
	return nil
}

func (e *fakeEngine) executions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.executed...)
}

func failing(msg string) error {
	return &engine.AssertionError{Target: "/", Failures: []string{msg}}
}

// fakePool hands out a new session per acquisition
type fakePool struct {
	mu          sync.Mutex
	acquired    int
	released    int
	failAcquire error
}

func (p *fakePool) Acquire(_ context.Context, envID string) (*browser.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAcquire != nil {
		return nil, p.failAcquire
	}
	p.acquired++
	return browser.NewSession(browser.Options{EnvironmentID: envID})
}

func (p *fakePool) Release(_ context.Context, s *browser.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	s.Close()
	return nil
}

func (p *fakePool) Cancel() {}

func (p *fakePool) Close(context.Context) error { return nil }

func (p *fakePool) counts() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// recorder keeps every event it sees, in delivery order
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) listen(em *events.Emitter, kinds ...events.Kind) {
	for _, k := range kinds {
		em.On(k, func(_ context.Context, e events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			return nil
		})
	}
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) count(kind events.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var allKinds = []events.Kind{
	events.RunStart, events.Begin, events.SuiteBegin, events.SuiteEnd,
	events.TestBegin, events.TestEnd, events.TestPass, events.TestPending,
	events.TestFail, events.Retry, events.Error, events.Info, events.Warning,
	events.RunEnd, events.SessionStarted, events.SessionEnded,
}

func titles(a *Adapter) []string {
	var out []string
	for _, t := range a.Tests() {
		out = append(out, t.FullTitle())
	}
	return out
}
