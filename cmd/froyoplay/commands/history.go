package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplay/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		playbookID string
		host       string
		failedOnly bool
		pruneAge   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled playbook runs",
		Long: `List recent playbook runs from the run journal, or the command results of one run.

The journal is enabled by setting journal.path in froyoplay.yaml (or
FROYOPLAY_JOURNAL_PATH).`,
		Example: `  # Last 20 runs
  froyoplay history

  # Results of one run, failures only
  froyoplay history --playbook 6f1c... --failed

  # Forget finished runs older than a week
  froyoplay history --prune 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx, appOptions{withoutInvoker: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.journal == nil {
				return errors.New("the run journal is disabled; set journal.path")
			}

			if pruneAge > 0 {
				n, err := a.journal.Prune(ctx, time.Now().Add(-pruneAge))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d run(s)\n", n)
				return nil
			}

			if playbookID != "" || host != "" || failedOnly {
				results, err := a.journal.ListResults(ctx, stores.ResultFilter{
					PlaybookID: playbookID,
					Host:       host,
					FailedOnly: failedOnly,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, results)
				}
				return writeResults(out, results)
			}

			runs, err := a.journal.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			return writeRuns(out, runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows (0 for all)")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "show the command results of this playbook run")
	cmd.Flags().StringVar(&host, "host", "", "show command results for this host")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "show failed command results only")
	cmd.Flags().DurationVar(&pruneAge, "prune", 0, "delete finished runs older than this age instead of listing")

	return cmd
}

func writeRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSCHEDULED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.ScheduledAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.State, r.ScheduledAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func writeResults(w io.Writer, results []*stores.CommandResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tCOMMAND\tSTATUS\tRC\tRETRIES\tDURATION")
	for _, r := range results {
		status := "success"
		switch {
		case r.Ignored:
			status = "ignored"
		case r.Failed:
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Host, r.Description, status, r.ReturnCode, r.Retries, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}
