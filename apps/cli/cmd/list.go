package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
	"github.com/abdul-hamid-achik/hitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/hitrun/packages/engine"
)

var listCmd = &cobra.Command{
	Use:   "list <file|directory>...",
	Short: "List the tests in scenario files",
	Long: `List the tests defined in .hit.yaml scenario files.

With --plan, show how each environment splits the tests into session
groups, using the configured tests-per-session limit.

Examples:
  hitrun list checkout.hit.yaml
  hitrun list ./scenarios --plan --env chrome`,
	Args: cobra.MinimumNArgs(1),
	RunE: listCommand,
}

var (
	planFlag     bool
	listEnvFlag  string
	listGrepFlag string
)

func init() {
	listCmd.Flags().BoolVar(&planFlag, "plan", false, "Show the session groups per environment")
	listCmd.Flags().StringVarP(&listEnvFlag, "env", "e", "", "Comma-separated environments for --plan (default: all configured)")
	listCmd.Flags().StringVarP(&listGrepFlag, "grep", "g", "", "Only list tests whose full title matches this pattern")
	listCmd.Flags().StringVar(&configFlag, "config", getEnvString("HITRUN_CONFIG", ""), "Path to config file (env: HITRUN_CONFIG)")
}

func listCommand(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return exitWith(ExitUsageError, err)
	}
	if len(files) == 0 {
		return exitWith(ExitUsageError, errors.New("no .hit.yaml or .hit.yml files found"))
	}

	if planFlag {
		return listPlan(cmd.OutOrStdout(), files)
	}

	out := cmd.OutOrStdout()
	scenario := engine.NewScenario()
	failed := false
	for _, file := range files {
		f, err := scenario.Load(file)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error parsing %s: %v\n", file, err)
			failed = true
			continue
		}

		fmt.Fprintf(out, "\n%s:\n", file)
		for _, t := range f.Tests {
			fmt.Fprintf(out, "  - %s\n", t.FullTitle())
			if t.Skip != "" {
				fmt.Fprintf(out, "    skip: %s\n", t.Skip)
			}
		}
	}

	if failed {
		return exitWith(ExitParseError, nil)
	}
	return nil
}

// listPlan prints the adapter partition of every selected environment
// without acquiring any session
func listPlan(out io.Writer, files []string) error {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	if err := cfg.Validate(); err != nil {
		return exitWith(ExitConfigError, err)
	}
	ids, err := selectEnvironments(cfg, listEnvFlag)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	rules := make([]engine.Rule, len(cfg.Skip))
	for i, r := range cfg.Skip {
		rules[i] = engine.Rule{Env: r.Env, Title: r.Title, Reason: r.Reason}
	}
	skipper, err := engine.NewSkipper(rules, listGrepFlag)
	if err != nil {
		return exitWith(ExitUsageError, err)
	}

	log := newLogger(0)
	scenario := engine.NewScenario(engine.WithLogger(log))
	for _, id := range ids {
		env, err := cfg.ForEnvironment(id)
		if err != nil {
			return exitWith(ExitConfigError, err)
		}
		er := runner.NewEnvRunner(env, "plan", nil, scenario, skipper, log)
		if err := er.Init(files); err != nil {
			var loadErr *engine.LoadError
			if errors.As(err, &loadErr) {
				return exitWith(ExitParseError, err)
			}
			return err
		}
		printPlan(out, env, er.Adapters())
	}
	return nil
}

func printPlan(out io.Writer, env config.Environment, adapters []*runner.Adapter) {
	limit := "unlimited"
	if env.SessionUseLimit > 0 {
		limit = fmt.Sprintf("%d", env.SessionUseLimit)
	}
	parallel := "unlimited"
	if env.ParallelLimit > 0 {
		parallel = fmt.Sprintf("%d", env.ParallelLimit)
	}
	fmt.Fprintf(out, "\n%s: %d session groups (tests per session: %s, parallel sessions: %s, retries: %d)\n",
		env.ID, len(adapters), limit, parallel, env.Retry)

	for i, a := range adapters {
		fmt.Fprintf(out, "  group %d: %d tests, %d to run\n", i+1, a.Len(), a.ActiveCount())
		for _, t := range a.Tests() {
			line := fmt.Sprintf("    - %s %s", t.FullTitle(), bracketed(t.File))
			if reason := a.PendingReason(t); reason != "" {
				line += " (pending: " + reason + ")"
			}
			fmt.Fprintln(out, strings.TrimRight(line, " "))
		}
	}
}

func bracketed(p string) string {
	if p == "" {
		return ""
	}
	return "[" + p + "]"
}
