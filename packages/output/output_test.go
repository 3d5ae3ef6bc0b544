package output

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

func testEvent(kind events.Kind, env, title string, index int) events.Event {
	return events.Event{
		Kind:          kind,
		RunID:         "run-1",
		EnvironmentID: env,
		Test:          &events.TestInfo{Title: title, Suite: []string{"Checkout"}, File: "checkout.hit.yaml", Index: index},
	}
}

// playRun emits a small run: one pass, one fail after a retry, one pending
// and one test stopped by an error.
func playRun(t *testing.T, e *events.Emitter, runErr error) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.EmitAndWait(ctx, events.Event{Kind: events.RunStart, RunID: "run-1"}))
	e.Emit(ctx, events.Event{Kind: events.Begin, RunID: "run-1"})

	pass := testEvent(events.TestPass, "chrome", "home", 0)
	pass.Duration = 20 * time.Millisecond
	e.Emit(ctx, pass)

	retry := testEvent(events.Retry, "chrome", "cart", 1)
	retry.Attempt = 1
	retry.Err = errors.New("status 500")
	e.Emit(ctx, retry)

	fail := testEvent(events.TestFail, "chrome", "cart", 1)
	fail.Attempt = 1
	fail.Duration = 40 * time.Millisecond
	fail.Err = &engine.AssertionError{Step: 0, Target: "GET /cart", Failures: []string{"status == 200: got 500"}}
	e.Emit(ctx, fail)

	pending := testEvent(events.TestPending, "firefox", "pay", 2)
	pending.Message = "not ready"
	e.Emit(ctx, pending)

	errEv := testEvent(events.Error, "firefox", "home", 0)
	errEv.Err = engine.Fatal(errors.New("session closed"))
	e.Emit(ctx, errEv)

	require.NoError(t, e.EmitAndWait(ctx, events.Event{Kind: events.RunEnd, RunID: "run-1", Duration: 1500 * time.Millisecond, Err: runErr}))
}

func TestCollector(t *testing.T) {
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	e.On(events.RunEnd, func(_ context.Context, ev events.Event) error {
		c.Finish(ev)
		return nil
	})

	playRun(t, e, nil)

	s := c.Summary()
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, 1, s.Errors)
	assert.False(t, s.Success)
	assert.Equal(t, 1500*time.Millisecond, s.Duration)
	assert.InDelta(t, 40, s.Max.Milliseconds(), 1)
	assert.InDelta(t, 20, s.P50.Milliseconds(), 1)

	tests := c.Tests()
	require.Len(t, tests, 4)
	assert.Equal(t, StatusPassed, tests[0].Status)
	assert.Equal(t, "Checkout home", tests[0].FullTitle())
	assert.Equal(t, 1, tests[0].Attempts, "a first-time pass ran once")
	assert.Equal(t, StatusFailed, tests[1].Status)
	assert.Equal(t, 2, tests[1].Attempts)
	assert.Contains(t, tests[1].Error, "got 500")
	assert.Equal(t, StatusPending, tests[2].Status)
	assert.Equal(t, "not ready", tests[2].SkipReason)
	assert.Equal(t, 0, tests[2].Attempts)
	assert.Equal(t, StatusError, tests[3].Status)
	assert.Equal(t, 1, tests[3].Attempts)
	assert.Equal(t, "firefox", tests[3].Environment)

	require.Len(t, c.Errors(), 1)
	assert.Equal(t, "Checkout home", c.Errors()[0].Test)
}

func TestCollector_SameTitleDifferentEnvironments(t *testing.T) {
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)

	e.Emit(context.Background(), testEvent(events.TestPass, "chrome", "home", 0))
	e.Emit(context.Background(), testEvent(events.TestPass, "firefox", "home", 0))

	assert.Len(t, c.Tests(), 2)
	assert.True(t, c.Summary().Success)
}

func TestCollector_FinishFirstCallWins(t *testing.T) {
	c := NewCollector()
	c.Finish(events.Event{Kind: events.RunEnd, RunID: "a", Duration: time.Second})
	s := c.Finish(events.Event{Kind: events.RunEnd, RunID: "b", Duration: time.Minute, Err: errors.New("late")})

	assert.Equal(t, "a", s.RunID)
	assert.Equal(t, time.Second, s.Duration)
	assert.True(t, s.Success)
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	NewConsoleReporter(c, WithWriter(&buf), WithNoColor(true), WithVersion("1.2.3")).Attach(e)

	playRun(t, e, nil)

	out := buf.String()
	assert.Contains(t, out, "hitrun 1.2.3")
	assert.Contains(t, out, "✓ [chrome] Checkout home (20ms)")
	assert.Contains(t, out, "↻ [chrome] Checkout cart retry 1")
	assert.Contains(t, out, "✗ [chrome] Checkout cart (40ms)")
	assert.Contains(t, out, "step 1 GET /cart")
	assert.Contains(t, out, "status == 200: got 500")
	assert.Contains(t, out, "- [firefox] Checkout pay (not ready)")
	assert.Contains(t, out, "x [firefox] Checkout home")
	assert.Contains(t, out, "Tests: 1 passed, 1 failed, 1 skipped, 4 total")
	assert.Contains(t, out, "Retries: 1")
	assert.Contains(t, out, "Time:  1.50s")
}

func TestConsoleReporter_Quiet(t *testing.T) {
	var buf bytes.Buffer
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	NewConsoleReporter(c, WithWriter(&buf), WithNoColor(true), WithQuiet(true)).Attach(e)

	playRun(t, e, errors.New("env chrome: boom"))

	out := buf.String()
	assert.NotContains(t, out, "✓")
	assert.NotContains(t, out, "↻")
	assert.Contains(t, out, "✗ [chrome] Checkout cart")
	assert.Contains(t, out, "Error: env chrome: boom")
}

func TestConsoleReporter_Verbose(t *testing.T) {
	var buf bytes.Buffer
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	NewConsoleReporter(c, WithWriter(&buf), WithNoColor(true), WithVerbose(true)).Attach(e)

	ctx := context.Background()
	e.Emit(ctx, events.Event{
		Kind:          events.SuiteBegin,
		EnvironmentID: "chrome",
		Suite:         &events.SuiteInfo{Title: "API", Path: []string{"Checkout", "API"}},
	})
	e.Emit(ctx, events.Event{Kind: events.Info, EnvironmentID: "chrome", Message: "session s1 acquired (2 tests)"})
	e.Emit(ctx, events.Event{Kind: events.Warning, EnvironmentID: "chrome", Message: "session release failed", Err: errors.New("quit")})

	out := buf.String()
	assert.Contains(t, out, "  [chrome] API\n")
	assert.Contains(t, out, "session s1 acquired (2 tests)")
	assert.Contains(t, out, "! [chrome] session release failed: quit")
}

func TestJSONReporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	NewJSONReporter(c, JSONWithFile(path)).Attach(e)

	playRun(t, e, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out JSONOutput
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "run-1", out.Summary.RunID)
	assert.Equal(t, 4, out.Summary.Total)
	assert.Equal(t, 1, out.Summary.Failed)
	assert.False(t, out.Summary.Success)
	assert.InDelta(t, 1500, out.Duration, 0.001)
	require.Len(t, out.Tests, 4)
	assert.Equal(t, "Checkout cart", out.Tests[1].FullTitle)
	assert.InDelta(t, 40, out.Tests[1].Duration, 0.001)
	require.Len(t, out.Errors, 1)
}

func TestJUnitReporter(t *testing.T) {
	var buf bytes.Buffer
	e := events.NewEmitter()
	c := NewCollector()
	c.Attach(e)
	NewJUnitReporter(c, JUnitWithWriter(&buf)).Attach(e)

	playRun(t, e, nil)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "<?xml"))

	var suites JUnitTestSuites
	require.NoError(t, xml.Unmarshal([]byte(out[strings.Index(out, "\n")+1:]), &suites))
	assert.Equal(t, 4, suites.Tests)
	assert.Equal(t, 1, suites.Failures)
	assert.Equal(t, 1, suites.Errors)
	assert.Equal(t, 1, suites.Skipped)
	require.Len(t, suites.TestSuites, 2)
	assert.Equal(t, "chrome: checkout.hit.yaml", suites.TestSuites[0].Name)
	assert.Equal(t, "firefox: checkout.hit.yaml", suites.TestSuites[1].Name)

	cart := suites.TestSuites[0].TestCases[1]
	require.NotNil(t, cart.Failure)
	assert.Contains(t, cart.Failure.Content, "attempts: 2")
}

func TestWriteReport_BadPath(t *testing.T) {
	err := writeReport(nil, filepath.Join(t.TempDir(), "missing", "r.json"), func(io.Writer) error {
		return nil
	})
	assert.Error(t, err)
}
