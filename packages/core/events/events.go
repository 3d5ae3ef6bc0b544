// Package events defines the lifecycle event stream of a hitrun run and the
// emitter used to deliver it to observers.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a lifecycle event
type Kind string

const (
	RunStart       Kind = "run-start"
	Begin          Kind = "begin"
	SuiteBegin     Kind = "suite-begin"
	SuiteEnd       Kind = "suite-end"
	TestBegin      Kind = "test-begin"
	TestEnd        Kind = "test-end"
	TestPass       Kind = "test-pass"
	TestPending    Kind = "test-pending"
	TestFail       Kind = "test-fail"
	Retry          Kind = "retry"
	Error          Kind = "error"
	Info           Kind = "info"
	Warning        Kind = "warning"
	RunEnd         Kind = "run-end"
	SessionStarted Kind = "session-started"
	SessionEnded   Kind = "session-ended"
)

var known = map[Kind]bool{
	RunStart: true, Begin: true, SuiteBegin: true, SuiteEnd: true,
	TestBegin: true, TestEnd: true, TestPass: true, TestPending: true,
	TestFail: true, Retry: true, Error: true, Info: true, Warning: true,
	RunEnd: true, SessionStarted: true, SessionEnded: true,
}

// Awaited reports whether emitters wait for every listener of this kind
// before the triggering operation may continue.
func (k Kind) Awaited() bool {
	switch k {
	case RunStart, RunEnd, SessionStarted, SessionEnded:
		return true
	}
	return false
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	return known[k]
}

// TestInfo identifies a test case in an event
type TestInfo struct {
	Title string   `json:"title"`
	Suite []string `json:"suite,omitempty"`
	File  string   `json:"file"`
	Index int      `json:"index"`
}

// FullTitle joins the suite path and the test title
func (t *TestInfo) FullTitle() string {
	if t == nil {
		return ""
	}
	parts := append(append([]string{}, t.Suite...), t.Title)
	return strings.Join(parts, " ")
}

// SuiteInfo identifies a suite in an event
type SuiteInfo struct {
	Title string   `json:"title"`
	Path  []string `json:"path"`
	File  string   `json:"file"`
}

// Event is one entry of the lifecycle stream
type Event struct {
	Kind          Kind
	RunID         string
	EnvironmentID string
	SessionID     string
	Test          *TestInfo
	Suite         *SuiteInfo
	Attempt       int
	Err           error
	Message       string
	Duration      time.Duration
	Time          time.Time
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.EnvironmentID != "" {
		fmt.Fprintf(&b, " env=%s", e.EnvironmentID)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionID)
	}
	if e.Test != nil {
		fmt.Fprintf(&b, " test=%q", e.Test.FullTitle())
	}
	if e.Suite != nil {
		fmt.Fprintf(&b, " suite=%q", e.Suite.Title)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " err=%v", e.Err)
	}
	return b.String()
}
