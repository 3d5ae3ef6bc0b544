package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

// Registrar is anything that accepts event listeners. *runner.Runner and
// *events.Emitter both qualify.
type Registrar interface {
	On(kind events.Kind, l events.Listener)
}

// Status is the final state of a test in a run
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
	// StatusError marks a test an error event stopped
	StatusError Status = "error"
)

// TestRecord is one test outcome in one environment
type TestRecord struct {
	Environment string        `json:"environment"`
	Title       string        `json:"title"`
	Suite       []string      `json:"suite,omitempty"`
	File        string        `json:"file"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"` // executions, 0 for pending tests
	Duration    time.Duration `json:"-"`
	Error       string        `json:"error,omitempty"`
	SkipReason  string        `json:"skipReason,omitempty"`
}

// FullTitle joins the suite path and the test title
func (t TestRecord) FullTitle() string {
	info := events.TestInfo{Title: t.Title, Suite: t.Suite}
	return info.FullTitle()
}

// RunError is an error event that stopped an adapter
type RunError struct {
	Environment string `json:"environment"`
	Test        string `json:"test,omitempty"`
	Message     string `json:"message"`
}

// Summary aggregates a finished run
type Summary struct {
	RunID    string        `json:"runId"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Pending  int           `json:"pending"`
	Retries  int           `json:"retries"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"-"`
	P50      time.Duration `json:"-"`
	P90      time.Duration `json:"-"`
	P99      time.Duration `json:"-"`
	Max      time.Duration `json:"-"`
	Started  time.Time     `json:"started"`
}

type testKey struct {
	env   string
	file  string
	index int
}

// Collector builds the result model of a run from its event stream.
// Reporters read it when the run ends.
type Collector struct {
	mu        sync.Mutex
	runID     string
	started   time.Time
	tests     []*TestRecord
	index     map[testKey]*TestRecord
	retries   int
	errors    []RunError
	histogram *hdrhistogram.Histogram

	finished bool
	duration time.Duration
	runErr   error
}

func NewCollector() *Collector {
	return &Collector{
		index: make(map[testKey]*TestRecord),
		// 1ms to 10min, 3 significant digits
		histogram: hdrhistogram.New(1, 600_000, 3),
	}
}

// Attach registers the collector's listeners on r
func (c *Collector) Attach(r Registrar) {
	r.On(events.RunStart, c.onRunStart)
	r.On(events.TestPass, c.onTest(StatusPassed))
	r.On(events.TestFail, c.onTest(StatusFailed))
	r.On(events.TestPending, c.onTest(StatusPending))
	r.On(events.Retry, c.onRetry)
	r.On(events.Error, c.onError)
}

func (c *Collector) onRunStart(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = ev.RunID
	c.started = ev.Time
	return nil
}

func (c *Collector) record(ev events.Event) *TestRecord {
	k := testKey{env: ev.EnvironmentID, file: ev.Test.File, index: ev.Test.Index}
	rec, ok := c.index[k]
	if !ok {
		rec = &TestRecord{
			Environment: ev.EnvironmentID,
			Title:       ev.Test.Title,
			Suite:       ev.Test.Suite,
			File:        ev.Test.File,
		}
		c.index[k] = rec
		c.tests = append(c.tests, rec)
	}
	return rec
}

func (c *Collector) onTest(status Status) events.Listener {
	return func(_ context.Context, ev events.Event) error {
		if ev.Test == nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		rec := c.record(ev)
		rec.Status = status
		if status != StatusPending {
			rec.Attempts = ev.Attempt + 1
		}
		rec.Duration = ev.Duration
		switch status {
		case StatusFailed:
			if ev.Err != nil {
				rec.Error = ev.Err.Error()
			}
		case StatusPending:
			rec.SkipReason = ev.Message
			return nil
		}

		ms := ev.Duration.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		_ = c.histogram.RecordValue(ms)
		return nil
	}
}

func (c *Collector) onRetry(context.Context, events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return nil
}

func (c *Collector) onError(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := RunError{Environment: ev.EnvironmentID}
	if ev.Err != nil {
		e.Message = ev.Err.Error()
	}
	if ev.Test != nil {
		e.Test = ev.Test.FullTitle()
		rec := c.record(ev)
		rec.Status = StatusError
		rec.Attempts = ev.Attempt + 1
		rec.Error = e.Message
	}
	c.errors = append(c.errors, e)
	return nil
}

// Finish closes the run with its run-end event and returns the summary.
// Every reporter calls it from its own run-end listener; the first call wins.
func (c *Collector) Finish(ev events.Event) Summary {
	c.mu.Lock()
	if !c.finished {
		c.finished = true
		c.duration = ev.Duration
		c.runErr = ev.Err
		if c.runID == "" {
			c.runID = ev.RunID
		}
	}
	c.mu.Unlock()
	return c.Summary()
}

// Summary returns the aggregate of everything recorded so far
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		RunID:    c.runID,
		Total:    len(c.tests),
		Retries:  c.retries,
		Errors:   len(c.errors),
		Duration: c.duration,
		Started:  c.started,
	}
	for _, t := range c.tests {
		switch t.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusPending:
			s.Pending++
		}
	}
	if c.runErr != nil {
		s.Error = c.runErr.Error()
	}
	s.Success = c.runErr == nil && s.Failed == 0 && s.Errors == 0
	if c.histogram.TotalCount() > 0 {
		s.P50 = time.Duration(c.histogram.ValueAtQuantile(50)) * time.Millisecond
		s.P90 = time.Duration(c.histogram.ValueAtQuantile(90)) * time.Millisecond
		s.P99 = time.Duration(c.histogram.ValueAtQuantile(99)) * time.Millisecond
		s.Max = time.Duration(c.histogram.Max()) * time.Millisecond
	}
	return s
}

// Tests returns a copy of the recorded tests in the order first seen
func (c *Collector) Tests() []TestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestRecord, len(c.tests))
	for i, t := range c.tests {
		out[i] = *t
	}
	return out
}

// Errors returns the error events of the run
func (c *Collector) Errors() []RunError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RunError(nil), c.errors...)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
