package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/abdul-hamid-achik/hitrun/packages/assertions"
	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/capture"
	"gopkg.in/yaml.v3"
)

// Step is one request of a test and the expectations on its response
type Step struct {
	Open    string            `yaml:"open"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Expect  []string          `yaml:"expect,omitempty"`
	Capture map[string]string `yaml:"capture,omitempty"`

	assertions []*assertions.Assertion
}

// SkipReason decodes `skip: true` as well as `skip: <reason>`
type SkipReason string

func (r *SkipReason) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!bool" {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		if b {
			*r = "skipped"
		} else {
			*r = ""
		}
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	*r = SkipReason(s)
	return nil
}

type scenarioTest struct {
	Name  string     `yaml:"name"`
	Skip  SkipReason `yaml:"skip,omitempty"`
	Steps []Step     `yaml:"steps"`
}

type scenarioSuite struct {
	Suite  string          `yaml:"suite,omitempty"`
	Skip   SkipReason      `yaml:"skip,omitempty"`
	Tests  []scenarioTest  `yaml:"tests,omitempty"`
	Suites []scenarioSuite `yaml:"suites,omitempty"`
}

// Scenario runs *.hit.yaml files
type Scenario struct {
	log *slog.Logger
}

// ScenarioOption configures a Scenario
type ScenarioOption func(*Scenario)

func WithLogger(l *slog.Logger) ScenarioOption {
	return func(s *Scenario) {
		s.log = l
	}
}

func NewScenario(opts ...ScenarioOption) *Scenario {
	s := &Scenario{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "engine")
	return s
}

// IsScenarioFile reports whether path names a scenario file
func IsScenarioFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(base, ".hit.yaml") || strings.HasSuffix(base, ".hit.yml")
}

// Load parses a scenario file. Tests are numbered in declaration order, a
// suite's own tests before those of its child suites.
func (s *Scenario) Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return Parse(path, data)
}

// Parse builds a File from scenario source
func Parse(path string, data []byte) (*File, error) {
	var root scenarioSuite
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&root); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Path: path, Err: err}
	}

	f := &File{Path: path}
	if err := flatten(f, root, nil, ""); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return f, nil
}

func flatten(f *File, suite scenarioSuite, parent []string, skip SkipReason) error {
	path := parent
	if suite.Suite != "" {
		path = append(append([]string{}, parent...), suite.Suite)
	}
	if suite.Skip != "" {
		skip = suite.Skip
	}

	for _, st := range suite.Tests {
		if st.Name == "" {
			return fmt.Errorf("test %d in %q has no name", len(f.Tests), strings.Join(path, " "))
		}
		t := &Test{
			Title: st.Name,
			Suite: path,
			File:  f.Path,
			Index: len(f.Tests),
			Skip:  string(skip),
			Steps: st.Steps,
		}
		if st.Skip != "" {
			t.Skip = string(st.Skip)
		}
		for i := range t.Steps {
			step := &t.Steps[i]
			if step.Open == "" {
				return fmt.Errorf("%s: step %d has no open target", t.FullTitle(), i+1)
			}
			for _, line := range step.Expect {
				a, err := assertions.Parse(line)
				if err != nil {
					return fmt.Errorf("%s: step %d: %w", t.FullTitle(), i+1, err)
				}
				step.assertions = append(step.assertions, a)
			}
		}
		f.Tests = append(f.Tests, t)
	}

	for _, child := range suite.Suites {
		if err := flatten(f, child, path, skip); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs every step of t on the session. Values captured by a step are
// visible to the steps after it.
func (s *Scenario) Execute(ctx context.Context, sess *browser.Session, t *Test) error {
	baseDir := filepath.Dir(t.File)
	vars := make(map[string]string)

	for i, step := range t.Steps {
		headers := make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			headers[k] = capture.Interpolate(v, vars)
		}
		req := &browser.Request{
			Method:  step.Method,
			URL:     capture.Interpolate(step.Open, vars),
			Headers: headers,
			Body:    capture.Interpolate(step.Body, vars),
		}

		resp, err := sess.Do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Fatal(ctx.Err())
			}
			if errors.Is(err, browser.ErrSessionClosed) || errors.Is(err, browser.ErrTransport) {
				return Fatal(err)
			}
			return &AssertionError{Step: i, Target: req.URL, Failures: []string{err.Error()}}
		}
		s.log.Debug("step done", "test", t.FullTitle(), "step", i+1, "status", resp.StatusCode, "duration", resp.Duration)

		var failures []string
		for _, r := range assertions.EvaluateAll(resp, step.assertions, baseDir) {
			if !r.Passed {
				failures = append(failures, fmt.Sprintf("%s %s: %s", r.Subject, r.Operator, r.Message))
			}
		}
		if len(step.Capture) > 0 {
			values, err := capture.ExtractAll(resp, step.Capture)
			if err != nil {
				failures = append(failures, err.Error())
			}
			for k, v := range values {
				vars[k] = v
			}
		}
		if len(failures) > 0 {
			return &AssertionError{Step: i, Target: req.URL, Failures: failures}
		}
	}
	return nil
}
