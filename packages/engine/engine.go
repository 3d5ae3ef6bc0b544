// Package engine loads scenario files and executes single tests on a session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

// Test is one test case discovered in a file
type Test struct {
	Title string
	Suite []string
	File  string
	// Index is the test's position in its file, from 0
	Index int
	// Skip is the in-file skip reason, empty when the test runs
	Skip  string
	Steps []Step
}

// FullTitle joins the suite path and the title
func (t *Test) FullTitle() string {
	return strings.Join(append(append([]string{}, t.Suite...), t.Title), " ")
}

// Info describes the test on lifecycle events
func (t *Test) Info() *events.TestInfo {
	return &events.TestInfo{
		Title: t.Title,
		Suite: t.Suite,
		File:  t.File,
		Index: t.Index,
	}
}

// File is a loaded test file
type File struct {
	Path  string
	Tests []*Test
}

// Engine loads test files and runs one test at a time
type Engine interface {
	Load(path string) (*File, error)
	Execute(ctx context.Context, s *browser.Session, t *Test) error
}

// AssertionError is a test failure. The test may pass when run again.
type AssertionError struct {
	Step     int
	Target   string
	Failures []string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Step+1, e.Target, strings.Join(e.Failures, "; "))
}

// FatalError means the session can no longer run tests
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err ends the run of the session it happened on
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe) || errors.Is(err, browser.ErrSessionClosed) ||
		errors.Is(err, browser.ErrTransport)
}

// LoadError reports a file that could not be loaded
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
