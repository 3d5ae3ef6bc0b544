package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
	"github.com/abdul-hamid-achik/hitrun/packages/core/dotenv"
	"github.com/abdul-hamid-achik/hitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
	"github.com/abdul-hamid-achik/hitrun/packages/export/metrics"
	"github.com/abdul-hamid-achik/hitrun/packages/history"
	"github.com/abdul-hamid-achik/hitrun/packages/notify"
	"github.com/abdul-hamid-achik/hitrun/packages/output"
	"github.com/abdul-hamid-achik/hitrun/packages/pool"
)

var runCmd = &cobra.Command{
	Use:   "run <file|directory>...",
	Short: "Run scenario files across environments",
	Long: `Run the tests in .hit.yaml scenario files in every configured
environment, or in the ones selected with --env.

Examples:
  hitrun run ./scenarios
  hitrun run checkout.hit.yaml --env chrome,firefox
  hitrun run ./scenarios --grep "Checkout" --retry 2
  hitrun run ./scenarios -o console,junit --output-file junit.xml
  hitrun run ./scenarios --notify slack --slack-webhook $SLACK_WEBHOOK
  hitrun run ./scenarios --history .hitrun/history.db --metrics-file hitrun.prom
  hitrun run ./scenarios --watch`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCommand,
}

const (
	// WatchDebounceDelay is the debounce delay for file watch events
	WatchDebounceDelay = 300 * time.Millisecond
)

var (
	configFlag          string
	envFileFlag         string
	envFlag             string
	grepFlag            string
	retryFlag           int
	sessionsFlag        int
	testsPerSessionFlag int

	verboseFlag    int // 0=warn, 1=-v, 2=-vv
	quietFlag      bool
	noColorFlag    bool
	outputFlag     string
	outputFileFlag string
	watchFlag      bool

	// Notification flags
	notifyFlag       string
	notifyOnFlag     string
	slackWebhookFlag string
	slackChannelFlag string
	teamsWebhookFlag string

	historyFlag string

	// Metrics flags
	metricsFileFlag string
	metricsPortFlag int
)

func init() {
	// Core flags
	runCmd.Flags().StringVar(&configFlag, "config", getEnvString("HITRUN_CONFIG", ""), "Path to config file (env: HITRUN_CONFIG)")
	runCmd.Flags().StringVar(&envFileFlag, "env-file", getEnvString("HITRUN_ENV_FILE", ""), "Load variables for ${VAR} in the config from this file (default: .env if present) (env: HITRUN_ENV_FILE)")
	runCmd.Flags().StringVarP(&envFlag, "env", "e", getEnvString("HITRUN_ENV", ""), "Comma-separated environments to run (default: all configured) (env: HITRUN_ENV)")
	runCmd.Flags().StringVarP(&grepFlag, "grep", "g", getEnvString("HITRUN_GREP", ""), "Run only tests whose full title matches this pattern (env: HITRUN_GREP)")
	runCmd.Flags().IntVar(&retryFlag, "retry", getEnvInt("HITRUN_RETRY", 0), "Retries per failing test, overrides config (env: HITRUN_RETRY)")
	runCmd.Flags().IntVar(&sessionsFlag, "sessions", getEnvInt("HITRUN_SESSIONS", 0), "Parallel sessions per environment, overrides config (0 = unlimited) (env: HITRUN_SESSIONS)")
	runCmd.Flags().IntVar(&testsPerSessionFlag, "tests-per-session", getEnvInt("HITRUN_TESTS_PER_SESSION", 0), "Tests per session, overrides config (0 = unlimited) (env: HITRUN_TESTS_PER_SESSION)")

	// Output flags
	runCmd.Flags().CountVarP(&verboseFlag, "verbose", "v", "Verbose output (-v, -vv for more detail)")
	runCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", getEnvBool("HITRUN_QUIET", false), "Only print failures and the summary (env: HITRUN_QUIET)")
	runCmd.Flags().BoolVar(&noColorFlag, "no-color", getEnvBool("HITRUN_NO_COLOR", false), "Disable colored output (env: HITRUN_NO_COLOR)")
	runCmd.Flags().StringVarP(&outputFlag, "output", "o", getEnvString("HITRUN_OUTPUT", ""), "Comma-separated reporters: console, json, junit (default: config reporters) (env: HITRUN_OUTPUT)")
	runCmd.Flags().StringVar(&outputFileFlag, "output-file", getEnvString("HITRUN_OUTPUT_FILE", ""), "Write the json or junit report to this file (env: HITRUN_OUTPUT_FILE)")
	runCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Watch files for changes and re-run tests")

	// Notification flags
	runCmd.Flags().StringVar(&notifyFlag, "notify", getEnvString("HITRUN_NOTIFY", ""), "Notification service: slack, teams (env: HITRUN_NOTIFY)")
	runCmd.Flags().StringVar(&notifyOnFlag, "notify-on", getEnvString("HITRUN_NOTIFY_ON", "failure"), "When to notify: always, failure, success, recovery (env: HITRUN_NOTIFY_ON)")
	runCmd.Flags().StringVar(&slackWebhookFlag, "slack-webhook", getEnvString("SLACK_WEBHOOK", ""), "Slack webhook URL (env: SLACK_WEBHOOK)")
	runCmd.Flags().StringVar(&slackChannelFlag, "slack-channel", getEnvString("SLACK_CHANNEL", ""), "Slack channel override (env: SLACK_CHANNEL)")
	runCmd.Flags().StringVar(&teamsWebhookFlag, "teams-webhook", getEnvString("TEAMS_WEBHOOK", ""), "Microsoft Teams webhook URL (env: TEAMS_WEBHOOK)")

	runCmd.Flags().StringVar(&historyFlag, "history", getEnvString("HITRUN_HISTORY", ""), "Record runs in this SQLite database (env: HITRUN_HISTORY)")

	// Metrics flags
	runCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", getEnvString("HITRUN_METRICS_FILE", ""), "Write Prometheus metrics to this textfile at run end (env: HITRUN_METRICS_FILE)")
	runCmd.Flags().IntVar(&metricsPortFlag, "metrics-port", getEnvInt("HITRUN_METRICS_PORT", 0), "Serve Prometheus metrics on this port (env: HITRUN_METRICS_PORT)")
}

// Environment variable helpers
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// loadRunConfig exports the env file, loads the config file and applies the
// command line overrides. A flag set explicitly, or through its environment variable,
// wins over every environment's own setting.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, optional := envFileFlag, false
	if envFile == "" {
		envFile, optional = ".env", true
	}
	if _, err := dotenv.LoadAndExport(envFile, optional); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, err
	}

	override := func(flag, env string, value int, field func(*config.Settings) **int) {
		if !cmd.Flags().Changed(flag) && os.Getenv(env) == "" {
			return
		}
		*field(&cfg.Settings) = config.IntPtr(value)
		for id, s := range cfg.Environments {
			*field(&s) = nil
			cfg.Environments[id] = s
		}
	}
	override("retry", "HITRUN_RETRY", retryFlag, func(s *config.Settings) **int { return &s.Retry })
	override("sessions", "HITRUN_SESSIONS", sessionsFlag, func(s *config.Settings) **int { return &s.SessionsPerEnvironment })
	override("tests-per-session", "HITRUN_TESTS_PER_SESSION", testsPerSessionFlag, func(s *config.Settings) **int { return &s.TestsPerSession })

	if noColorFlag {
		cfg.NoColor = config.BoolPtr(true)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectEnvironments resolves --env against the config
func selectEnvironments(cfg *config.Config, flag string) ([]string, error) {
	if strings.TrimSpace(flag) == "" {
		return cfg.EnvironmentIDs(), nil
	}
	var ids []string
	for _, id := range strings.Split(flag, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := cfg.ForEnvironment(id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no environments selected")
	}
	return ids, nil
}

func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}

		if info.IsDir() {
			err := filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && engine.IsScenarioFile(path) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else if engine.IsScenarioFile(arg) {
			files = append(files, arg)
		}
	}

	return files, nil
}

// filesByEnvironment runs every file in every selected environment
func filesByEnvironment(ids, files []string) map[string][]string {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		out[id] = files
	}
	return out
}

func newSkipper(cfg *config.Config) (*engine.Skipper, error) {
	rules := make([]engine.Rule, len(cfg.Skip))
	for i, r := range cfg.Skip {
		rules[i] = engine.Rule{Env: r.Env, Title: r.Title, Reason: r.Reason}
	}
	return engine.NewSkipper(rules, grepFlag)
}

// runSetup is everything a run needs. The observers that outlive a single
// run (notifications, history, metrics) are shared by watch re-runs.
type runSetup struct {
	cfg     *config.Config
	files   map[string][]string
	skipper *engine.Skipper
	log     *slog.Logger
	out     io.Writer

	notifier *notify.Manager
	store    *history.Store
	exporter *metrics.Exporter
}

func prepare(cmd *cobra.Command, args []string, log *slog.Logger) (*runSetup, error) {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return nil, exitWith(ExitConfigError, err)
	}
	ids, err := selectEnvironments(cfg, envFlag)
	if err != nil {
		return nil, exitWith(ExitConfigError, err)
	}
	skipper, err := newSkipper(cfg)
	if err != nil {
		return nil, exitWith(ExitUsageError, err)
	}

	files, err := collectFiles(args)
	if err != nil {
		return nil, exitWith(ExitUsageError, err)
	}
	if len(files) == 0 {
		return nil, exitWith(ExitUsageError, errors.New("no .hit.yaml or .hit.yml files found"))
	}

	return &runSetup{
		cfg:     cfg,
		files:   filesByEnvironment(ids, files),
		skipper: skipper,
		log:     log,
		out:     cmd.OutOrStdout(),
	}, nil
}

// attachObservers opens the shared observers selected by flags
func (s *runSetup) attachObservers() error {
	if historyFlag != "" {
		if dir := filepath.Dir(strings.TrimPrefix(strings.TrimPrefix(historyFlag, "sqlite://"), "sqlite:")); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create history directory: %w", err)
			}
		}
		store, err := history.Open(historyFlag)
		if err != nil {
			return err
		}
		s.store = store
	}

	if notifyFlag != "" {
		notifyOn, err := notify.ParseNotifyOn(notifyOnFlag)
		if err != nil {
			return err
		}
		var notifiers []notify.Notifier
		for _, service := range strings.Split(notifyFlag, ",") {
			switch strings.ToLower(strings.TrimSpace(service)) {
			case "slack":
				if slackWebhookFlag == "" {
					return fmt.Errorf("--slack-webhook is required when using --notify slack")
				}
				var opts []notify.SlackOption
				if slackChannelFlag != "" {
					opts = append(opts, notify.WithSlackChannel(slackChannelFlag))
				}
				notifiers = append(notifiers, notify.NewSlackNotifier(slackWebhookFlag, opts...))
			case "teams":
				if teamsWebhookFlag == "" {
					return fmt.Errorf("--teams-webhook is required when using --notify teams")
				}
				notifiers = append(notifiers, notify.NewTeamsNotifier(teamsWebhookFlag))
			case "":
			default:
				return fmt.Errorf("unknown notification service %q", service)
			}
		}

		opts := []notify.ManagerOption{notify.WithLogger(s.log)}
		if s.store != nil {
			if success, ok, err := s.store.LastSuccess(context.Background()); err == nil && ok {
				opts = append(opts, notify.WithLastState(success))
			}
		}
		s.notifier = notify.NewManager(notifyOn, notifiers, opts...)
	}

	if metricsFileFlag != "" || metricsPortFlag > 0 {
		var opts []metrics.Option
		if metricsFileFlag != "" {
			opts = append(opts, metrics.WithTextfile(metricsFileFlag))
		}
		s.exporter = metrics.NewExporter(append(opts, metrics.WithLogger(s.log))...)
		if metricsPortFlag > 0 {
			if _, err := s.exporter.Serve(fmt.Sprintf(":%d", metricsPortFlag)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *runSetup) close() {
	if s.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.exporter.Close(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// reporterPath decides where a file reporter writes
func (s *runSetup) reporterPath(format string, fileFormats int) (string, error) {
	if outputFileFlag != "" && fileFormats == 1 {
		return outputFileFlag, nil
	}
	if s.cfg.OutputDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := "hitrun-report.json"
	if format == "junit" {
		name = "junit.xml"
	}
	return filepath.Join(s.cfg.OutputDir, name), nil
}

func (s *runSetup) reporters() []string {
	var names []string
	if outputFlag != "" {
		names = strings.Split(outputFlag, ",")
	} else {
		names = s.cfg.Reporters
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		out = []string{"console"}
	}
	return out
}

// attachReporters registers the reporters of one run
func (s *runSetup) attachReporters(r output.Registrar, c *output.Collector) error {
	names := s.reporters()
	fileFormats := 0
	for _, n := range names {
		if n == "json" || n == "junit" {
			fileFormats++
		}
	}

	for _, name := range names {
		switch name {
		case "console":
			output.NewConsoleReporter(c,
				output.WithWriter(s.out),
				output.WithVerbose(verboseFlag > 0),
				output.WithQuiet(quietFlag),
				output.WithNoColor(s.cfg.GetNoColor()),
				output.WithVersion(version),
			).Attach(r)
		case "json":
			path, err := s.reporterPath(name, fileFormats)
			if err != nil {
				return err
			}
			opts := []output.JSONOption{output.JSONWithWriter(s.out)}
			if path != "" {
				opts = append(opts, output.JSONWithFile(path))
			}
			output.NewJSONReporter(c, opts...).Attach(r)
		case "junit":
			path, err := s.reporterPath(name, fileFormats)
			if err != nil {
				return err
			}
			opts := []output.JUnitOption{output.JUnitWithWriter(s.out)}
			if path != "" {
				opts = append(opts, output.JUnitWithFile(path))
			}
			output.NewJUnitReporter(c, opts...).Attach(r)
		default:
			return fmt.Errorf("unknown output format %q (want console, json or junit)", name)
		}
	}
	return nil
}

// runOnce performs one run with a fresh runner and reporters
func (s *runSetup) runOnce(ctx context.Context) (*runner.RunResult, error) {
	r := runner.New(s.cfg, runner.WithSkipper(s.skipper), runner.WithLogger(s.log))

	c := output.NewCollector()
	c.Attach(r)
	if err := s.attachReporters(r, c); err != nil {
		return nil, exitWith(ExitUsageError, err)
	}
	if s.notifier != nil {
		s.notifier.Attach(r, c)
	}
	if s.store != nil {
		s.store.Attach(r, c)
	}
	if s.exporter != nil {
		s.exporter.Attach(r)
	}

	ctx, stop := cancelOnSignal(ctx, r, s.log)
	defer stop()
	return r.Run(ctx, s.files)
}

// cancelOnSignal stops session acquisition on the first interrupt and
// cancels ctx on the second.
func cancelOnSignal(ctx context.Context, r *runner.Runner, log *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigs:
			log.Warn("interrupted, finishing running tests (interrupt again to abort)", "run", r.RunID())
			r.Cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// resultCode maps a run outcome to an exit code
func resultCode(res *runner.RunResult, err error) int {
	var loadErr *engine.LoadError
	var exitErr *ExitError
	switch {
	case err == nil && res != nil && res.Success:
		return ExitSuccess
	case err == nil:
		return ExitTestFailure
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &loadErr):
		return ExitParseError
	case errors.Is(err, config.ErrUnknownEnvironment):
		return ExitConfigError
	case errors.Is(err, browser.ErrLaunchFailed),
		errors.Is(err, pool.ErrPoolCancelled),
		errors.Is(err, pool.ErrListenerFailed),
		errors.Is(err, runner.ErrAdapterFailed):
		return ExitSessionError
	}
	return ExitTestFailure
}

func runCommand(cmd *cobra.Command, args []string) error {
	log := newLogger(verboseFlag)

	setup, err := prepare(cmd, args, log)
	if err != nil {
		return err
	}
	if err := setup.attachObservers(); err != nil {
		setup.close()
		return exitWith(ExitUsageError, err)
	}
	defer setup.close()

	res, err := setup.runOnce(cmd.Context())
	if !watchFlag {
		if code := resultCode(res, err); code != ExitSuccess {
			// test failures were already reported by the reporters
			var ee *ExitError
			if errors.As(err, &ee) {
				return err
			}
			return exitWith(code, err)
		}
		return nil
	}

	return watch(cmd, args, setup)
}

// watch re-runs every time a scenario or config file changes, until
// interrupted
func watch(cmd *cobra.Command, args []string, setup *runSetup) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	watchedDirs := make(map[string]bool)
	add := func(dir string) {
		if watchedDirs[dir] {
			return
		}
		if err := watcher.Add(dir); err != nil {
			setup.log.Warn("cannot watch directory", "dir", dir, "error", err)
		}
		watchedDirs[dir] = true
	}
	add(".")
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(arg))
			continue
		}
		_ = filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err == nil && info.IsDir() {
				add(path)
			}
			return nil
		})
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n\n")

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	var changed string

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !engine.IsScenarioFile(event.Name) && !isConfigFile(event.Name) {
				continue
			}
			changed = event.Name
			debounce.Reset(WatchDebounceDelay)

		case <-debounce.C:
			fmt.Fprintf(cmd.OutOrStdout(), "\n\nFile changed: %s\nRe-running tests...\n\n", changed)
			next, err := prepare(cmd, args, setup.log)
			if err != nil {
				setup.log.Error("cannot re-run", "error", err)
			} else {
				setup.cfg, setup.files, setup.skipper = next.cfg, next.files, next.skipper
				if _, err := setup.runOnce(cmd.Context()); err != nil {
					setup.log.Info("run finished with error", "error", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			setup.log.Warn("watcher error", "error", err)

		case <-sigs:
			return nil
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range config.ConfigFilenames {
		if base == name {
			return true
		}
	}
	return false
}
