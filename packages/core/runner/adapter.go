package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

type entry struct {
	test    *engine.Test
	pending string
}

// Outcome is the result of one attempt of a test
type Outcome struct {
	Err      error
	Duration time.Duration
}

// Adapter is a unit of work: tests loaded from one or more files that run
// one after another on a single session.
type Adapter struct {
	runID   string
	agent   *Agent
	engine  engine.Engine
	skipper *engine.Skipper
	emitter *events.Emitter

	filter  func(*engine.Test) bool
	entries []entry
	active  int

	// open suite path and the file it belongs to
	suites []string
	file   string
}

func NewAdapter(runID string, agent *Agent, eng engine.Engine, skipper *engine.Skipper) *Adapter {
	return &Adapter{
		runID:   runID,
		agent:   agent,
		engine:  eng,
		skipper: skipper,
		emitter: events.NewEmitter(),
	}
}

// Emitter carries the adapter's suite and test events
func (a *Adapter) Emitter() *events.Emitter {
	return a.emitter
}

// AttachFilter sets the predicate a test must satisfy to be loaded
func (a *Adapter) AttachFilter(fn func(*engine.Test) bool) *Adapter {
	a.filter = fn
	return a
}

// LoadFile adds the tests of f that pass the grep filter and the attached
// filter. Skipped tests are kept as pending. It returns the number added.
func (a *Adapter) LoadFile(f *engine.File) int {
	n := 0
	for _, t := range f.Tests {
		if a.skipper.Excluded(t) {
			continue
		}
		if a.filter != nil && !a.filter(t) {
			continue
		}
		reason := a.skipper.Reason(a.agent.EnvironmentID(), t)
		a.entries = append(a.entries, entry{test: t, pending: reason})
		if reason == "" {
			a.active++
		}
		n++
	}
	return n
}

func (a *Adapter) excluded(t *engine.Test) bool {
	return a.skipper.Excluded(t)
}

// Tests returns every loaded test in run order, pending ones included
func (a *Adapter) Tests() []*engine.Test {
	tests := make([]*engine.Test, len(a.entries))
	for i, e := range a.entries {
		tests[i] = e.test
	}
	return tests
}

// PendingReason returns why t will not run, or "" if it will
func (a *Adapter) PendingReason(t *engine.Test) string {
	for _, e := range a.entries {
		if e.test == t {
			return e.pending
		}
	}
	return ""
}

// ActiveCount is the number of loaded tests that will run
func (a *Adapter) ActiveCount() int {
	return a.active
}

// Len is the number of loaded tests
func (a *Adapter) Len() int {
	return len(a.entries)
}

func (a *Adapter) EnvironmentID() string {
	return a.agent.EnvironmentID()
}

func (a *Adapter) event(kind events.Kind) events.Event {
	return events.Event{
		Kind:          kind,
		RunID:         a.runID,
		EnvironmentID: a.agent.EnvironmentID(),
		SessionID:     a.agent.SessionID(),
	}
}

func (a *Adapter) testEvent(kind events.Kind, t *engine.Test, attempt int) events.Event {
	ev := a.event(kind)
	ev.Test = t.Info()
	ev.Attempt = attempt
	return ev
}

// enterSuites closes the open suites t is not part of and opens the ones
// it is.
func (a *Adapter) enterSuites(ctx context.Context, t *engine.Test) {
	common := 0
	if t.File == a.file {
		for common < len(a.suites) && common < len(t.Suite) && a.suites[common] == t.Suite[common] {
			common++
		}
	}
	a.closeSuites(ctx, common)

	a.file = t.File
	for i := common; i < len(t.Suite); i++ {
		a.suites = append(a.suites, t.Suite[i])
		ev := a.event(events.SuiteBegin)
		ev.Suite = a.suiteInfo()
		a.emitter.Emit(ctx, ev)
	}
}

// closeSuites ends open suites innermost first until depth remain
func (a *Adapter) closeSuites(ctx context.Context, depth int) {
	for len(a.suites) > depth {
		ev := a.event(events.SuiteEnd)
		ev.Suite = a.suiteInfo()
		a.emitter.Emit(ctx, ev)
		a.suites = a.suites[:len(a.suites)-1]
	}
}

func (a *Adapter) suiteInfo() *events.SuiteInfo {
	path := append([]string{}, a.suites...)
	return &events.SuiteInfo{
		Title: path[len(path)-1],
		Path:  path,
		File:  a.file,
	}
}

// RunTest runs one attempt of t. The session is acquired before the test
// begins; failing to get one is fatal for the adapter.
func (a *Adapter) RunTest(ctx context.Context, t *engine.Test, attempt int) Outcome {
	a.enterSuites(ctx, t)

	s, acquired, err := a.agent.Session(ctx)
	if err != nil {
		return Outcome{Err: engine.Fatal(fmt.Errorf("acquire session: %w", err))}
	}
	if acquired {
		a.Info(ctx, fmt.Sprintf("session %s acquired (%d tests)", s.ID(), a.active))
	}

	a.emitter.Emit(ctx, a.testEvent(events.TestBegin, t, attempt))
	s.RecordTest()

	start := time.Now()
	err = a.engine.Execute(ctx, s, t)
	out := Outcome{Err: err, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil && !engine.IsFatal(err) {
			out.Err = engine.Fatal(ctx.Err())
		}
		return out
	}

	ev := a.testEvent(events.TestPass, t, attempt)
	ev.Duration = out.Duration
	a.emitter.Emit(ctx, ev)
	return out
}

// EndTest closes an attempt started by RunTest
func (a *Adapter) EndTest(ctx context.Context, t *engine.Test, attempt int, out Outcome) {
	ev := a.testEvent(events.TestEnd, t, attempt)
	ev.Duration = out.Duration
	ev.Err = out.Err
	a.emitter.Emit(ctx, ev)
}

// SkipTest reports t as pending
func (a *Adapter) SkipTest(ctx context.Context, t *engine.Test, reason string) {
	a.enterSuites(ctx, t)
	ev := a.testEvent(events.TestPending, t, 0)
	ev.Message = reason
	a.emitter.Emit(ctx, ev)
}

// Info reports an informational message on the adapter's stream
func (a *Adapter) Info(ctx context.Context, msg string) {
	ev := a.event(events.Info)
	ev.Message = msg
	a.emitter.Emit(ctx, ev)
}

// Close ends the open suites and returns the session to the pool
func (a *Adapter) Close(ctx context.Context) error {
	a.closeSuites(ctx, 0)
	if err := a.agent.Release(ctx); err != nil {
		ev := a.event(events.Warning)
		ev.Message = "session release failed"
		ev.Err = err
		a.emitter.Emit(ctx, ev)
		return err
	}
	return nil
}
