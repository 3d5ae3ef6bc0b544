// Package notify sends run summaries to chat webhooks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/output"
)

// NotifyOn specifies when to send notifications
type NotifyOn string

const (
	// NotifyAlways sends notifications for every run
	NotifyAlways NotifyOn = "always"
	// NotifyFailure sends notifications only when the run fails
	NotifyFailure NotifyOn = "failure"
	// NotifySuccess sends notifications only when the run succeeds
	NotifySuccess NotifyOn = "success"
	// NotifyRecovery sends notifications on failure and on the first success after one
	NotifyRecovery NotifyOn = "recovery"
)

// ParseNotifyOn validates a policy name
func ParseNotifyOn(s string) (NotifyOn, error) {
	switch n := NotifyOn(s); n {
	case NotifyAlways, NotifyFailure, NotifySuccess, NotifyRecovery:
		return n, nil
	case "":
		return NotifyFailure, nil
	}
	return "", fmt.Errorf("unknown notify policy %q (want always, failure, success or recovery)", s)
}

// EnvironmentSummary counts results in one environment
type EnvironmentSummary struct {
	ID      string `json:"id"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
	Pending int    `json:"pending"`
}

// FailedTest is a failed or errored test for notifications
type FailedTest struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
	File        string `json:"file"`
	Error       string `json:"error,omitempty"`
}

// RunSummary is what notifiers report
type RunSummary struct {
	RunID         string               `json:"run_id"`
	TotalTests    int                  `json:"total_tests"`
	PassedTests   int                  `json:"passed_tests"`
	FailedTests   int                  `json:"failed_tests"`
	PendingTests  int                  `json:"pending_tests"`
	Retries       int                  `json:"retries"`
	Errors        int                  `json:"errors"`
	Error         string               `json:"error,omitempty"`
	Duration      time.Duration        `json:"duration"`
	Environments  []EnvironmentSummary `json:"environments,omitempty"`
	FailedResults []FailedTest         `json:"failed_results,omitempty"`
	IsRecovery    bool                 `json:"is_recovery,omitempty"`
}

// Success reports whether the run had no failures and no errors
func (s *RunSummary) Success() bool {
	return s.FailedTests == 0 && s.Errors == 0 && s.Error == ""
}

// maxFailedResults caps the failure list in a message
const maxFailedResults = 10

// NewRunSummary builds a notification summary from collected results
func NewRunSummary(s output.Summary, tests []output.TestRecord) *RunSummary {
	rs := &RunSummary{
		RunID:        s.RunID,
		TotalTests:   s.Total,
		PassedTests:  s.Passed,
		FailedTests:  s.Failed,
		PendingTests: s.Pending,
		Retries:      s.Retries,
		Errors:       s.Errors,
		Error:        s.Error,
		Duration:     s.Duration,
	}

	envs := make(map[string]*EnvironmentSummary)
	for _, t := range tests {
		es, ok := envs[t.Environment]
		if !ok {
			es = &EnvironmentSummary{ID: t.Environment}
			envs[t.Environment] = es
		}
		switch t.Status {
		case output.StatusPassed:
			es.Passed++
		case output.StatusPending:
			es.Pending++
		case output.StatusFailed, output.StatusError:
			es.Failed++
			if len(rs.FailedResults) < maxFailedResults {
				rs.FailedResults = append(rs.FailedResults, FailedTest{
					Name:        t.FullTitle(),
					Environment: t.Environment,
					File:        t.File,
					Error:       t.Error,
				})
			}
		}
	}
	for _, es := range envs {
		rs.Environments = append(rs.Environments, *es)
	}
	sort.Slice(rs.Environments, func(i, j int) bool {
		return rs.Environments[i].ID < rs.Environments[j].ID
	})
	return rs
}

// Notifier is the interface for notification services
type Notifier interface {
	// Notify sends a notification about a run
	Notify(ctx context.Context, summary *RunSummary) error

	// Name returns the name of the notifier
	Name() string
}

// Manager applies a notify policy and fans out to notifiers
type Manager struct {
	notifiers []Notifier
	notifyOn  NotifyOn
	log       *slog.Logger

	mu        sync.Mutex
	lastState bool // true if last run was successful
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLastState seeds the outcome of the previous run, e.g. from history
func WithLastState(success bool) ManagerOption {
	return func(m *Manager) {
		m.lastState = success
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a new notification manager
func NewManager(notifyOn NotifyOn, notifiers []Notifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		notifiers: notifiers,
		notifyOn:  notifyOn,
		lastState: true,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "notify")
	return m
}

// AddNotifier adds a notifier to the manager
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Len returns the number of notifiers
func (m *Manager) Len() int {
	return len(m.notifiers)
}

// Attach notifies at run-end with the collector's results. Delivery
// failures are logged and never fail the run.
func (m *Manager) Attach(r output.Registrar, c *output.Collector) {
	r.On(events.RunEnd, func(ctx context.Context, ev events.Event) error {
		summary := NewRunSummary(c.Finish(ev), c.Tests())
		if err := m.Notify(ctx, summary); err != nil {
			m.log.Warn("notification failed", "run", ev.RunID, "error", err)
		}
		return nil
	})
}

// ShouldNotify applies the policy to summary and records its outcome for
// the next run
func (m *Manager) ShouldNotify(summary *RunSummary) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := summary.Success()
	should := false
	switch m.notifyOn {
	case NotifyAlways:
		should = true
	case NotifyFailure:
		should = !current
	case NotifySuccess:
		should = current
	case NotifyRecovery:
		if !m.lastState && current {
			should = true
			summary.IsRecovery = true
		}
		if !current {
			should = true
		}
	}
	m.lastState = current
	return should
}

// Notify sends summary to every notifier if the policy allows it. The
// last delivery error is returned.
func (m *Manager) Notify(ctx context.Context, summary *RunSummary) error {
	if !m.ShouldNotify(summary) {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, summary); err != nil {
			lastErr = fmt.Errorf("%s: %w", n.Name(), err)
			continue
		}
		m.log.Debug("notification sent", "notifier", n.Name(), "run", summary.RunID)
	}
	return lastErr
}

func headline(s *RunSummary) (string, bool) {
	switch {
	case s.Error != "":
		return "Run failed: " + s.Error, false
	case s.FailedTests > 0 || s.Errors > 0:
		return fmt.Sprintf("%d test(s) failed", s.FailedTests+s.Errors), false
	case s.IsRecovery:
		return "Tests recovered!", true
	}
	return "All tests passed!", true
}
