package output

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
)

// JUnitTestSuites is the root element
type JUnitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	Name       string           `xml:"name,attr,omitempty"`
	Tests      int              `xml:"tests,attr"`
	Failures   int              `xml:"failures,attr"`
	Errors     int              `xml:"errors,attr"`
	Skipped    int              `xml:"skipped,attr"`
	Time       float64          `xml:"time,attr"`
	Timestamp  string           `xml:"timestamp,attr,omitempty"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite holds the tests of one file in one environment
type JUnitTestSuite struct {
	XMLName    xml.Name        `xml:"testsuite"`
	Name       string          `xml:"name,attr"`
	Tests      int             `xml:"tests,attr"`
	Failures   int             `xml:"failures,attr"`
	Errors     int             `xml:"errors,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       float64         `xml:"time,attr"`
	Properties []JUnitProperty `xml:"properties>property,omitempty"`
	TestCases  []JUnitTestCase `xml:"testcase"`
}

type JUnitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type JUnitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
	Error     *JUnitError   `xml:"error,omitempty"`
	Skipped   *JUnitSkipped `xml:"skipped,omitempty"`
}

type JUnitFailure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Content string `xml:",chardata"`
}

type JUnitError struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Content string `xml:",chardata"`
}

type JUnitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// JUnitReporter writes the collected results as JUnit XML at run-end
type JUnitReporter struct {
	writer    io.Writer
	path      string
	collector *Collector
}

type JUnitOption func(*JUnitReporter)

func NewJUnitReporter(c *Collector, opts ...JUnitOption) *JUnitReporter {
	f := &JUnitReporter{
		writer:    os.Stdout,
		collector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func JUnitWithWriter(w io.Writer) JUnitOption {
	return func(f *JUnitReporter) {
		f.writer = w
	}
}

// JUnitWithFile writes the report to path instead of the writer
func JUnitWithFile(path string) JUnitOption {
	return func(f *JUnitReporter) {
		f.path = path
	}
}

func (f *JUnitReporter) Attach(r Registrar) {
	r.On(events.RunEnd, func(_ context.Context, ev events.Event) error {
		return f.Flush(f.collector.Finish(ev))
	})
}

// Build groups the collector's tests into one suite per environment and file
func (f *JUnitReporter) Build(s Summary) JUnitTestSuites {
	root := JUnitTestSuites{
		Name:      "hitrun",
		Time:      s.Duration.Seconds(),
		Timestamp: s.Started.Format(time.RFC3339),
	}

	byName := make(map[string]int)
	for _, t := range f.collector.Tests() {
		name := t.Environment + ": " + t.File
		i, ok := byName[name]
		if !ok {
			i = len(root.TestSuites)
			byName[name] = i
			root.TestSuites = append(root.TestSuites, JUnitTestSuite{
				Name:       name,
				Properties: []JUnitProperty{{Name: "environment", Value: t.Environment}},
			})
		}
		suite := &root.TestSuites[i]

		tc := JUnitTestCase{
			Name:      t.FullTitle(),
			ClassName: t.Environment + "." + t.File,
			Time:      t.Duration.Seconds(),
		}
		switch {
		case t.Status == StatusPending:
			suite.Skipped++
			tc.Skipped = &JUnitSkipped{Message: t.SkipReason}
		case t.Status == StatusError:
			suite.Errors++
			tc.Error = &JUnitError{Message: t.Error, Type: "Error"}
		case t.Status == StatusFailed:
			suite.Failures++
			tc.Failure = &JUnitFailure{
				Message: "Assertion failed",
				Type:    "AssertionError",
				Content: fmt.Sprintf("%s\nattempts: %d", t.Error, t.Attempts),
			}
		}
		suite.Tests++
		suite.Time += tc.Time
		suite.TestCases = append(suite.TestCases, tc)
	}

	for _, suite := range root.TestSuites {
		root.Tests += suite.Tests
		root.Failures += suite.Failures
		root.Errors += suite.Errors
		root.Skipped += suite.Skipped
	}
	return root
}

// Flush writes the XML report for s
func (f *JUnitReporter) Flush(s Summary) error {
	suites := f.Build(s)
	return writeReport(f.writer, f.path, func(w io.Writer) error {
		fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
		encoder := xml.NewEncoder(w)
		encoder.Indent("", "  ")
		if err := encoder.Encode(suites); err != nil {
			return err
		}
		_, err := fmt.Fprintln(w)
		return err
	})
}
