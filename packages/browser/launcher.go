package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// ErrLaunchFailed marks a session that could not be brought up
var ErrLaunchFailed = errors.New("session launch failed")

// Launcher creates and disposes sessions for an environment
type Launcher interface {
	Launch(ctx context.Context, envID string) (*Session, error)
	Quit(ctx context.Context, s *Session) error
}

// LaunchOptions are the per-environment settings a launcher needs
type LaunchOptions struct {
	Options
	// HealthPath, when set, is requested on launch and must answer 2xx
	HealthPath string
}

// OptionsFunc resolves launch options for an environment id
type OptionsFunc func(envID string) (LaunchOptions, error)

// HTTPLauncher launches HTTP-backed sessions, optionally throttled
type HTTPLauncher struct {
	options OptionsFunc
	limiter *rate.Limiter
	log     *slog.Logger
}

// HTTPLauncherOption configures an HTTPLauncher
type HTTPLauncherOption func(*HTTPLauncher)

// WithLaunchRate caps session launches per second across all environments.
// A non-positive rate disables throttling.
func WithLaunchRate(perSecond float64) HTTPLauncherOption {
	return func(l *HTTPLauncher) {
		if perSecond > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			l.limiter = nil
		}
	}
}

// WithLauncherLogger sets the launcher's logger
func WithLauncherLogger(log *slog.Logger) HTTPLauncherOption {
	return func(l *HTTPLauncher) {
		l.log = log
	}
}

func NewHTTPLauncher(options OptionsFunc, opts ...HTTPLauncherOption) *HTTPLauncher {
	l := &HTTPLauncher{
		options: options,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "launcher")
	return l
}

// Launch creates a session for envID, waiting for the launch rate if needed
func (l *HTTPLauncher) Launch(ctx context.Context, envID string) (*Session, error) {
	opts, err := l.options(envID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, envID, err)
	}
	opts.EnvironmentID = envID

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: waiting for launch slot: %w", ErrLaunchFailed, envID, err)
		}
	}

	s, err := NewSession(opts.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, envID, err)
	}

	if opts.HealthPath != "" {
		resp, err := s.Do(ctx, &Request{Method: "GET", URL: opts.HealthPath})
		if err == nil && !resp.IsSuccess() {
			err = fmt.Errorf("health check %s returned %d", opts.HealthPath, resp.StatusCode)
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, envID, err)
		}
	}

	l.log.Debug("session launched", "env", envID, "session", s.ID())
	return s, nil
}

// Quit closes the session
func (l *HTTPLauncher) Quit(_ context.Context, s *Session) error {
	s.Close()
	l.log.Debug("session quit", "env", s.EnvironmentID(), "session", s.ID(), "tests", s.TestsRun())
	return nil
}
