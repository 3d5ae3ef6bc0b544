package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitrun/packages/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs recorded with --history",
	Long: `Show the most recent runs stored in a history database.

Examples:
  hitrun history --history .hitrun/history.db
  hitrun history -n 5
  hitrun history --run 0f9c...`,
	Args: cobra.NoArgs,
	RunE: historyCommand,
}

var (
	historyPathFlag string
	historyLimit    int
	historyRunFlag  string
)

func init() {
	historyCmd.Flags().StringVar(&historyPathFlag, "history", getEnvString("HITRUN_HISTORY", ".hitrun/history.db"), "History database (env: HITRUN_HISTORY)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().StringVar(&historyRunFlag, "run", "", "Show the tests of one run")
}

func historyCommand(cmd *cobra.Command, _ []string) error {
	store, err := history.Open(historyPathFlag)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if historyRunFlag != "" {
		tests, err := store.Tests(cmd.Context(), historyRunFlag)
		if err != nil {
			return err
		}
		printTests(out, tests)
		return nil
	}

	runs, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	printRuns(out, runs)
	return nil
}

func printRuns(out io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tRESULT\tPASSED\tFAILED\tPENDING\tRETRIES\tDURATION")
	for _, r := range runs {
		result := "pass"
		if !r.Success {
			result = "fail"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Started.Format("2006-01-02 15:04:05"), result,
			r.Passed, r.Failed, r.Pending, r.Retries, r.Duration.Round(1e6))
	}
	_ = w.Flush()
}

func printTests(out io.Writer, tests []history.TestOutcome) {
	if len(tests) == 0 {
		fmt.Fprintln(out, "No tests recorded for this run")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENV\tSTATUS\tATTEMPTS\tTEST\tFILE\tERROR")
	for _, t := range tests {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Environment, t.Status, t.Attempts, t.Title, t.File, t.Error)
	}
	_ = w.Flush()
}
