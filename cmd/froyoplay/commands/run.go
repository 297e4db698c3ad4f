package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplay/pkg/backoff"
	kinds "github.com/openfroyo/froyoplay/pkg/commands"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/inventory"
)

func newRunCommand() *cobra.Command {
	var (
		hosts         []string
		env           map[string]string
		retries       int
		strategy      string
		delay         time.Duration
		increment     time.Duration
		maxDelay      time.Duration
		timeout       time.Duration
		ignoreFailure bool
		detail        string
		emoji         bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run one command on a set of hosts",
		Long: `Run a single command against every host concurrently and print each result.

A single argument is run through sh -c; several arguments are run as a program
and its arguments. Hosts are written as [user@]address[:port]; localhost runs
the command as a local subprocess.

The command passes admission policies before anything runs. The exit status
is non-zero when any host fails.`,
		Example: `  # Check uptime on two hosts
  froyoplay run --host web1 --host deploy@web2:2222 -- uptime

  # Retry a flaky health check with exponential backoff
  froyoplay run --host web1 --retries 5 --strategy exponential --max-delay 30s -- curl -fsS localhost/health

  # Show output of a shell pipeline
  froyoplay run --detail verbose -- 'df -h | grep /dev/sd'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			level, err := engine.ParseDetailLevel(detail)
			if err != nil {
				return err
			}
			strat, err := backoff.Parse(strategy, delay, increment, maxDelay)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if len(hosts) == 0 {
				hosts = []string{"localhost"}
			}
			targets, err := inventory.ParseAll(hosts, a.settings.HostDefaults())
			if err != nil {
				return err
			}

			opts := []engine.MetaOption{
				engine.WithRetry(backoff.New(retries, strat)),
				engine.WithTimeout(timeout),
				engine.WithIgnoreFailure(ignoreFailure),
			}
			var shell engine.Command
			if len(args) == 1 {
				shell = kinds.NewShellLine(a.invoker, args[0], env, opts...)
			} else {
				shell = kinds.NewShell(a.invoker, args, env, opts...)
			}

			pb := engine.NewPlaybook("run", targets, []engine.Command{shell})
			if err := a.admitter().Admit(ctx, pb); err != nil {
				return err
			}

			log.Debug().
				Str("command", shell.String()).
				Int("hosts", len(targets)).
				Str("retry", shell.Retry().String()).
				Msg("Running command")

			eng := a.newEngine(cmd.OutOrStdout())
			defer eng.Shutdown()

			results := eng.RunAll(ctx, targets, pb.Commands, engine.RunOptions{
				DisplayProgress: !jsonOutput,
				Detail:          level,
				Emoji:           emoji,
			})
			for _, rs := range results {
				for _, r := range rs {
					for _, o := range a.observers() {
						o.CommandCompleted(r)
					}
				}
			}

			reports := buildReports(results, len(pb.Commands))
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else if len(targets) > 1 && level > engine.DetailSilent {
				writeSummary(cmd.OutOrStdout(), reports, emoji)
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if n := unhealthy(reports); n > 0 {
				return fmt.Errorf("%d of %d host(s) failed", n, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&hosts, "host", "H", nil, "target host [user@]address[:port] (repeatable, default localhost)")
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "extra environment variables (KEY=VALUE)")
	cmd.Flags().IntVarP(&retries, "retries", "r", 0, "maximum retries after the first attempt")
	cmd.Flags().StringVar(&strategy, "strategy", "none", "backoff strategy (none, constant, linear, fibonacci, exponential)")
	cmd.Flags().DurationVar(&delay, "delay", time.Second, "delay for the constant strategy")
	cmd.Flags().DurationVar(&increment, "increment", time.Second, "increment for the linear strategy")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 30*time.Second, "delay ceiling for linear, fibonacci and exponential")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (0 disables)")
	cmd.Flags().BoolVar(&ignoreFailure, "ignore-failure", false, "exit zero even when the command fails")
	cmd.Flags().StringVar(&detail, "detail", "normal", "output detail (silent, normal, verbose, debug)")
	cmd.Flags().BoolVar(&emoji, "emoji", false, "prefix results with status emoji")

	return cmd
}
