package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
	sessionpool "github.com/abdul-hamid-achik/hitrun/packages/pool"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// RunResult is the outcome of a whole run
type RunResult struct {
	RunID    string
	Success  bool
	Err      error
	Passed   int
	Failed   int
	Pending  int
	Retries  int
	Errors   int
	Duration time.Duration
}

// Runner drives a run across every environment
type Runner struct {
	cfg      *config.Config
	runID    string
	engine   engine.Engine
	skipper  *engine.Skipper
	launcher browser.Launcher
	sessions SessionPool
	emitter  *events.Emitter
	log      *slog.Logger

	envRunners []*EnvRunner

	passed, failed, pending, retries, errs atomic.Int64
}

// Option configures a Runner
type Option func(*Runner)

func WithEngine(e engine.Engine) Option {
	return func(r *Runner) {
		r.engine = e
	}
}

func WithSkipper(s *engine.Skipper) Option {
	return func(r *Runner) {
		r.skipper = s
	}
}

// WithLauncher replaces the HTTP launcher of the default session pool
func WithLauncher(l browser.Launcher) Option {
	return func(r *Runner) {
		r.launcher = l
	}
}

// WithSessionPool replaces the default session pool
func WithSessionPool(p SessionPool) Option {
	return func(r *Runner) {
		r.sessions = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithRunID fixes the run id instead of generating one
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// New creates a runner for one run. Unless replaced by options it runs
// scenario files on a pool of HTTP sessions built from cfg.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:   cfg,
		runID: uuid.New().String(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.emitter = events.NewEmitter(events.WithLogger(r.log))
	if r.engine == nil {
		r.engine = engine.NewScenario(engine.WithLogger(r.log))
	}
	if r.sessions == nil {
		if r.launcher == nil {
			r.launcher = browser.NewHTTPLauncher(launchOptions(cfg),
				browser.WithLaunchRate(cfg.SessionLaunchRate),
				browser.WithLauncherLogger(r.log))
		}
		r.sessions = sessionpool.Create(limits(cfg), r.launcher, r.emitter, r.runID, r.log)
	}
	r.count()
	return r
}

func limits(cfg *config.Config) sessionpool.LimitsFunc {
	return func(envID string) sessionpool.Limits {
		env, err := cfg.ForEnvironment(envID)
		if err != nil {
			return sessionpool.Limits{}
		}
		return sessionpool.Limits{
			ParallelLimit:   env.ParallelLimit,
			SessionUseLimit: env.SessionUseLimit,
		}
	}
}

func launchOptions(cfg *config.Config) browser.OptionsFunc {
	return func(envID string) (browser.LaunchOptions, error) {
		env, err := cfg.ForEnvironment(envID)
		if err != nil {
			return browser.LaunchOptions{}, err
		}
		return browser.LaunchOptions{
			Options: browser.Options{
				BaseURL: env.BaseURL,
				Headers: env.Headers,
				Timeout: env.Timeout,
			},
			HealthPath: env.HealthPath,
		}, nil
	}
}

func (r *Runner) count() {
	tally := func(c *atomic.Int64) events.Listener {
		return func(context.Context, events.Event) error {
			c.Add(1)
			return nil
		}
	}
	r.emitter.On(events.TestPass, tally(&r.passed))
	r.emitter.On(events.TestFail, tally(&r.failed))
	r.emitter.On(events.TestPending, tally(&r.pending))
	r.emitter.On(events.Retry, tally(&r.retries))
	r.emitter.On(events.Error, tally(&r.errs))
}

func (r *Runner) RunID() string {
	return r.runID
}

// On registers an observer of the run's event stream
func (r *Runner) On(kind events.Kind, l events.Listener) {
	r.emitter.On(kind, l)
}

// Cancel stops new session acquisitions. Adapters holding a session finish.
func (r *Runner) Cancel() {
	r.sessions.Cancel()
}

// EnvRunners returns the environment runners of the last run
func (r *Runner) EnvRunners() []*EnvRunner {
	return r.envRunners
}

// Run executes files per environment id: run-start, begin, the parallel
// environment runs, then run-end, which is emitted whatever happened before
// it. The returned error is the first execution failure, or the run-end
// listener failure when there was none.
func (r *Runner) Run(ctx context.Context, files map[string][]string) (*RunResult, error) {
	start := time.Now()
	log := r.log.With("run", r.runID)

	var execErr error
	if err := r.emitter.EmitAndWait(ctx, r.event(events.RunStart)); err != nil {
		execErr = fmt.Errorf("run-start: %w", err)
	} else {
		execErr = r.execute(ctx, files)
	}

	if err := r.sessions.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warn("closing sessions", "error", err)
		if execErr == nil {
			execErr = fmt.Errorf("closing sessions: %w", err)
		}
	}

	result := &RunResult{
		RunID:    r.runID,
		Err:      execErr,
		Passed:   int(r.passed.Load()),
		Failed:   int(r.failed.Load()),
		Pending:  int(r.pending.Load()),
		Retries:  int(r.retries.Load()),
		Errors:   int(r.errs.Load()),
		Duration: time.Since(start),
	}
	result.Success = execErr == nil && result.Failed == 0 && result.Errors == 0

	end := r.event(events.RunEnd)
	end.Err = execErr
	end.Duration = result.Duration
	endErr := r.emitter.EmitAndWait(context.WithoutCancel(ctx), end)

	log.Info("run finished", "success", result.Success, "passed", result.Passed, "failed", result.Failed,
		"pending", result.Pending, "retries", result.Retries, "duration", result.Duration)

	if execErr != nil {
		return result, execErr
	}
	if endErr != nil {
		result.Success = false
		result.Err = fmt.Errorf("run-end: %w", endErr)
		return result, result.Err
	}
	return result, nil
}

func (r *Runner) event(kind events.Kind) events.Event {
	return events.Event{Kind: kind, RunID: r.runID}
}

func (r *Runner) execute(ctx context.Context, files map[string][]string) error {
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.envRunners = make([]*EnvRunner, 0, len(ids))
	for _, id := range ids {
		env, err := r.cfg.ForEnvironment(id)
		if err != nil {
			return err
		}
		er := NewEnvRunner(env, r.runID, r.sessions, r.engine, r.skipper, r.log)
		events.Passthrough(er.Emitter(), r.emitter, append(append([]events.Kind{}, adapterEvents...), retryEvents...))
		if err := er.Init(files[id]); err != nil {
			return err
		}
		r.envRunners = append(r.envRunners, er)
	}

	r.emitter.Emit(ctx, r.event(events.Begin))

	p := pool.New().WithErrors().WithFirstError()
	for _, er := range r.envRunners {
		p.Go(func() error {
			return er.Run(ctx)
		})
	}
	return p.Wait()
}
