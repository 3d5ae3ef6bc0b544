package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

// JSONOutput is the document JSONReporter writes
type JSONOutput struct {
	Summary  JSONSummary `json:"summary"`
	Tests    []JSONTest  `json:"tests"`
	Errors   []RunError  `json:"errors,omitempty"`
	Duration float64     `json:"duration"`
	Time     string      `json:"time"`
}

// JSONSummary is the run summary with durations in milliseconds
type JSONSummary struct {
	Summary
	DurationMs float64 `json:"durationMs"`
	P50Ms      float64 `json:"p50Ms"`
	P90Ms      float64 `json:"p90Ms"`
	P99Ms      float64 `json:"p99Ms"`
}

// JSONTest is a test record with its duration in milliseconds
type JSONTest struct {
	TestRecord
	FullTitle string  `json:"fullTitle"`
	Duration  float64 `json:"duration"`
}

// JSONReporter writes the collected results as one JSON document at run-end
type JSONReporter struct {
	writer    io.Writer
	path      string
	collector *Collector
}

type JSONOption func(*JSONReporter)

func NewJSONReporter(c *Collector, opts ...JSONOption) *JSONReporter {
	f := &JSONReporter{
		writer:    os.Stdout,
		collector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func JSONWithWriter(w io.Writer) JSONOption {
	return func(f *JSONReporter) {
		f.writer = w
	}
}

// JSONWithFile writes the report to path instead of the writer
func JSONWithFile(path string) JSONOption {
	return func(f *JSONReporter) {
		f.path = path
	}
}

func (f *JSONReporter) Attach(r Registrar) {
	r.On(events.RunEnd, func(_ context.Context, ev events.Event) error {
		return f.Flush(f.collector.Finish(ev))
	})
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Flush writes the report for s and the collector's tests
func (f *JSONReporter) Flush(s Summary) error {
	tests := f.collector.Tests()
	out := JSONOutput{
		Summary: JSONSummary{
			Summary:    s,
			DurationMs: ms(s.Duration),
			P50Ms:      ms(s.P50),
			P90Ms:      ms(s.P90),
			P99Ms:      ms(s.P99),
		},
		Tests:    make([]JSONTest, 0, len(tests)),
		Errors:   f.collector.Errors(),
		Duration: ms(s.Duration),
		Time:     time.Now().Format(time.RFC3339),
	}
	for _, t := range tests {
		out.Tests = append(out.Tests, JSONTest{
			TestRecord: t,
			FullTitle:  t.FullTitle(),
			Duration:   ms(t.Duration),
		})
	}

	return writeReport(f.writer, f.path, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	})
}

// writeReport runs write against path when set, otherwise against w
func writeReport(w io.Writer, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(w)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := write(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return file.Close()
}
