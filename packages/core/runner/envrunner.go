package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
	"github.com/abdul-hamid-achik/hitrun/packages/core/events"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
	"github.com/sourcegraph/conc/pool"
)

// ErrAdapterFailed marks an environment run in which an adapter hit a fatal error
var ErrAdapterFailed = errors.New("adapter failed")

var (
	adapterEvents = []events.Kind{
		events.SuiteBegin,
		events.SuiteEnd,
		events.TestBegin,
		events.TestEnd,
		events.TestPass,
		events.TestPending,
		events.Info,
		events.Warning,
	}
	retryEvents = []events.Kind{
		events.TestFail,
		events.Retry,
		events.Error,
	}
)

// EnvRunner runs the tests of one environment
type EnvRunner struct {
	env     config.Environment
	runID   string
	pool    SessionPool
	engine  engine.Engine
	skipper *engine.Skipper
	emitter *events.Emitter
	log     *slog.Logger

	adapters []*Adapter
	runners  []*RetryRunner
}

func NewEnvRunner(env config.Environment, runID string, sessions SessionPool, eng engine.Engine, skipper *engine.Skipper, log *slog.Logger) *EnvRunner {
	if log == nil {
		log = slog.Default()
	}
	return &EnvRunner{
		env:     env,
		runID:   runID,
		pool:    sessions,
		engine:  eng,
		skipper: skipper,
		emitter: events.NewEmitter(events.WithLogger(log)),
		log:     log.With("env", env.ID),
	}
}

// Emitter carries every forwarded adapter and retry event
func (r *EnvRunner) Emitter() *events.Emitter {
	return r.emitter
}

func (r *EnvRunner) Environment() config.Environment {
	return r.env
}

// Adapters returns the partition built by Init
func (r *EnvRunner) Adapters() []*Adapter {
	return r.adapters
}

func (r *EnvRunner) newAdapter() *Adapter {
	a := NewAdapter(r.runID, NewAgent(r.env.ID, r.pool), r.engine, r.skipper)
	events.Passthrough(a.Emitter(), r.emitter, adapterEvents)
	return a
}

// Init partitions files into adapters. Nothing runs yet.
func (r *EnvRunner) Init(files []string) error {
	adapters, err := NewBuilder(r.engine, r.newAdapter).Build(files, r.env.SessionUseLimit)
	if err != nil {
		return fmt.Errorf("env %s: %w", r.env.ID, err)
	}
	r.adapters = adapters
	r.runners = make([]*RetryRunner, len(adapters))
	for i, a := range adapters {
		rr := NewRetryRunner(a, r.env.Retry)
		events.Passthrough(rr.Emitter(), r.emitter, retryEvents)
		r.runners[i] = rr
	}
	r.log.Debug("adapters built", "files", len(files), "adapters", len(adapters))
	return nil
}

// Run executes all adapters concurrently and waits for every one of them.
// A fatal failure in one adapter does not stop the others; the first such
// failure is the cause of the returned error.
func (r *EnvRunner) Run(ctx context.Context) error {
	var (
		mu     sync.Mutex
		first  error
		failed int
	)

	p := pool.New()
	for _, rr := range r.runners {
		p.Go(func() {
			if err := rr.Run(ctx); err != nil {
				r.log.Warn("adapter failed", "error", err)
				mu.Lock()
				if first == nil {
					first = err
				}
				failed++
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if first != nil {
		return fmt.Errorf("%w: env %s: %d of %d adapters: %w", ErrAdapterFailed, r.env.ID, failed, len(r.runners), first)
	}
	return nil
}

// Results collects test states from every adapter
func (r *EnvRunner) Results() []TestResult {
	var out []TestResult
	for _, rr := range r.runners {
		out = append(out, rr.Results()...)
	}
	return out
}
