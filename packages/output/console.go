package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

// ConsoleReporter streams test results to a terminal as they happen and
// prints a summary when the run ends.
type ConsoleReporter struct {
	writer    io.Writer
	verbose   bool
	quiet     bool
	noColor   bool
	version   string
	collector *Collector

	mu sync.Mutex
}

type ConsoleOption func(*ConsoleReporter)

func NewConsoleReporter(c *Collector, opts ...ConsoleOption) *ConsoleReporter {
	f := &ConsoleReporter{
		writer:    os.Stdout,
		collector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noColor {
		color.NoColor = true
	}
	return f
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(f *ConsoleReporter) {
		f.writer = w
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(f *ConsoleReporter) {
		f.verbose = v
	}
}

// WithQuiet only prints failures and the summary
func WithQuiet(q bool) ConsoleOption {
	return func(f *ConsoleReporter) {
		f.quiet = q
	}
}

func WithNoColor(nc bool) ConsoleOption {
	return func(f *ConsoleReporter) {
		f.noColor = nc
	}
}

// WithVersion prints a header line when the run starts
func WithVersion(v string) ConsoleOption {
	return func(f *ConsoleReporter) {
		f.version = v
	}
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Attach registers the reporter's listeners on r
func (f *ConsoleReporter) Attach(r Registrar) {
	r.On(events.RunStart, f.print(f.runStart))
	r.On(events.SuiteBegin, f.print(f.suiteBegin))
	r.On(events.TestPass, f.print(f.testPass))
	r.On(events.TestFail, f.print(f.testFail))
	r.On(events.TestPending, f.print(f.testPending))
	r.On(events.Retry, f.print(f.retry))
	r.On(events.Error, f.print(f.testError))
	r.On(events.Warning, f.print(f.warning))
	r.On(events.Info, f.print(f.info))
	r.On(events.RunEnd, f.print(f.runEnd))
}

func (f *ConsoleReporter) print(fn func(events.Event)) events.Listener {
	return func(_ context.Context, ev events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		fn(ev)
		return nil
	}
}

func envTag(ev events.Event) string {
	if ev.EnvironmentID == "" {
		return ""
	}
	return faint("["+ev.EnvironmentID+"]") + " "
}

func (f *ConsoleReporter) runStart(ev events.Event) {
	if f.version != "" {
		fmt.Fprintf(f.writer, "%s %s\n", bold("hitrun"), f.version)
	}
	if f.verbose {
		fmt.Fprintf(f.writer, "%s\n", faint("run "+ev.RunID))
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleReporter) suiteBegin(ev events.Event) {
	if !f.verbose || ev.Suite == nil {
		return
	}
	indent := strings.Repeat("  ", len(ev.Suite.Path)-1)
	fmt.Fprintf(f.writer, "%s%s%s\n", indent, envTag(ev), bold(ev.Suite.Title))
}

func (f *ConsoleReporter) testPass(ev events.Event) {
	if f.quiet {
		return
	}
	fmt.Fprintf(f.writer, "  %s %s%s %s", green("✓"), envTag(ev), ev.Test.FullTitle(), cyan(fmt.Sprintf("(%dms)", ev.Duration.Milliseconds())))
	if ev.Attempt > 0 {
		fmt.Fprintf(f.writer, " %s", yellow(fmt.Sprintf("after %d retries", ev.Attempt)))
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleReporter) testFail(ev events.Event) {
	fmt.Fprintf(f.writer, "  %s %s%s %s\n", red("✗"), envTag(ev), ev.Test.FullTitle(), cyan(fmt.Sprintf("(%dms)", ev.Duration.Milliseconds())))
	f.failure(ev.Err)
}

// failure prints each failed expectation on its own line
func (f *ConsoleReporter) failure(err error) {
	if err == nil {
		return
	}
	var ae *engine.AssertionError
	if errors.As(err, &ae) {
		fmt.Fprintf(f.writer, "    %s step %d %s\n", red("→"), ae.Step+1, ae.Target)
		for _, msg := range ae.Failures {
			fmt.Fprintf(f.writer, "      %s\n", msg)
		}
		return
	}
	fmt.Fprintf(f.writer, "    %s %v\n", red("→"), err)
}

func (f *ConsoleReporter) testPending(ev events.Event) {
	if f.quiet {
		return
	}
	fmt.Fprintf(f.writer, "  %s %s%s", yellow("-"), envTag(ev), ev.Test.FullTitle())
	if ev.Message != "" {
		fmt.Fprintf(f.writer, " (%s)", ev.Message)
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleReporter) retry(ev events.Event) {
	if f.quiet {
		return
	}
	fmt.Fprintf(f.writer, "  %s %s%s %s\n", yellow("↻"), envTag(ev), ev.Test.FullTitle(), yellow(fmt.Sprintf("retry %d", ev.Attempt)))
	if f.verbose {
		f.failure(ev.Err)
	}
}

func (f *ConsoleReporter) testError(ev events.Event) {
	title := ""
	if ev.Test != nil {
		title = ev.Test.FullTitle() + " "
	}
	fmt.Fprintf(f.writer, "  %s %s%s%s\n", red("x"), envTag(ev), title, red(fmt.Sprintf("(%v)", ev.Err)))
}

func (f *ConsoleReporter) warning(ev events.Event) {
	fmt.Fprintf(f.writer, "  %s %s%s", yellow("!"), envTag(ev), ev.Message)
	if ev.Err != nil {
		fmt.Fprintf(f.writer, ": %v", ev.Err)
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleReporter) info(ev events.Event) {
	if !f.verbose {
		return
	}
	fmt.Fprintf(f.writer, "  %s%s\n", envTag(ev), faint(ev.Message))
}

func (f *ConsoleReporter) runEnd(ev events.Event) {
	s := f.collector.Finish(ev)

	fmt.Fprintf(f.writer, "\n")
	fmt.Fprintf(f.writer, "Tests: ")
	if s.Passed > 0 {
		fmt.Fprintf(f.writer, "%s, ", green(fmt.Sprintf("%d passed", s.Passed)))
	}
	if s.Failed > 0 {
		fmt.Fprintf(f.writer, "%s, ", red(fmt.Sprintf("%d failed", s.Failed)))
	}
	if s.Pending > 0 {
		fmt.Fprintf(f.writer, "%s, ", yellow(fmt.Sprintf("%d skipped", s.Pending)))
	}
	fmt.Fprintf(f.writer, "%d total\n", s.Total)
	if s.Retries > 0 {
		fmt.Fprintf(f.writer, "Retries: %d\n", s.Retries)
	}
	if s.Errors > 0 {
		fmt.Fprintf(f.writer, "Errors: %s\n", red(fmt.Sprintf("%d", s.Errors)))
	}
	fmt.Fprintf(f.writer, "Time:  %s\n", formatDuration(s.Duration))
	if f.verbose && s.Max > 0 {
		fmt.Fprintf(f.writer, "Test durations: p50 %s, p90 %s, p99 %s, max %s\n",
			formatDuration(s.P50), formatDuration(s.P90), formatDuration(s.P99), formatDuration(s.Max))
	}
	if ev.Err != nil {
		fmt.Fprintf(f.writer, "%s %v\n", red("Error:"), ev.Err)
	}
	fmt.Fprintf(f.writer, "\n")
}
