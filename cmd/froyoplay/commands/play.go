package commands

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplay/pkg/config"
	"github.com/openfroyo/froyoplay/pkg/engine"
)

func newPlayCommand() *cobra.Command {
	var (
		step        bool
		watch       bool
		cronSpec    string
		delay       time.Duration
		policyPaths []string
		vars        map[string]string
		detail      string
		emoji       bool
	)

	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Schedule a playbook and wait for it",
		Long: `Schedule a playbook file (YAML, JSON or CUE) and wait until it finishes.

Every host runs the playbook's commands in order; hosts run concurrently. A
failed command stops the whole playbook, unless it ignores failures.

Modes:
  --step   prompt before each command and release it on its host
  --watch  reschedule the playbook whenever the file changes
  --cron   schedule the playbook on a cron expression until interrupted`,
		Example: `  # Run a playbook once
  froyoplay play site.yaml

  # Walk through a playbook one command at a time
  froyoplay play site.yaml --step

  # Rerun on every save, with an extra policy directory
  froyoplay play site.cue --watch --policy ./policies

  # Run every 15 minutes
  froyoplay play health.yaml --cron '*/15 * * * *'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			level, err := engine.ParseDetailLevel(detail)
			if err != nil {
				return err
			}
			var cronSchedule cron.Schedule
			if cronSpec != "" {
				if cronSchedule, err = cronParser.Parse(cronSpec); err != nil {
					return fmt.Errorf("invalid cron expression %q: %w", cronSpec, err)
				}
			}

			a, err := newApp(ctx, appOptions{
				policyPaths:   policyPaths,
				watchPolicies: watch || cronSpec != "",
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			progressLevel := level
			if jsonOutput {
				progressLevel = engine.DetailSilent
			}
			progress := newProgressPrinter(cmd.OutOrStdout(), progressLevel, emoji)
			progress.subscribe(a.telemetry.Events)
			eng := a.newEngine(cmd.OutOrStdout(), progress)
			defer eng.Shutdown()

			p := &player{
				app:      a,
				eng:      eng,
				progress: progress,
				file:     args[0],
				vars:     toVars(vars),
				delay:    delay,
				emoji:    emoji,
				quiet:    level == engine.DetailSilent,
			}
			if step {
				p.stepper = newStepper(eng, cmd.InOrStdin(), cmd.OutOrStdout(), a.settings.PollInterval)
			}

			switch {
			case cronSchedule != nil:
				return p.runCron(ctx, cronSpec, cronSchedule)
			case watch:
				return p.runWatch(ctx)
			default:
				return p.playOnce(ctx)
			}
		},
	}

	cmd.Flags().BoolVar(&step, "step", false, "prompt before each command")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reschedule when the playbook file changes")
	cmd.Flags().StringVar(&cronSpec, "cron", "", "cron expression (optional seconds field, or @every 5m)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the playbook becomes eligible")
	cmd.Flags().StringSliceVarP(&policyPaths, "policy", "p", nil, "additional .rego policy file or directory (repeatable)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "script variables (key=value), overridden by the file's vars")
	cmd.Flags().StringVar(&detail, "detail", "normal", "output detail (silent, normal, verbose, debug)")
	cmd.Flags().BoolVar(&emoji, "emoji", false, "prefix results with status emoji")
	cmd.MarkFlagsMutuallyExclusive("step", "cron")
	cmd.MarkFlagsMutuallyExclusive("watch", "cron")

	return cmd
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// player schedules one playbook file on an engine, once or repeatedly.
type player struct {
	app      *app
	eng      *engine.Engine
	stepper  *stepper
	progress *progressPrinter
	file     string
	vars     map[string]interface{}
	delay    time.Duration
	emoji    bool
	quiet    bool
}

// load reads and builds the playbook. Every call yields a fresh playbook ID.
func (p *player) load() (engine.Playbook, error) {
	pf, err := config.NewLoader().LoadFile(p.file)
	if err != nil {
		return engine.Playbook{}, err
	}
	return pf.Build(config.BuildOptions{
		Invoker:  p.app.invoker,
		Defaults: p.app.settings.HostDefaults(),
		BaseDir:  filepath.Dir(p.file),
		Vars:     p.vars,
	})
}

type playReport struct {
	ID    engine.PlaybookID       `json:"id"`
	Name  string                  `json:"name"`
	State engine.PlaybookRunState `json:"state"`
	Hosts []hostReport            `json:"hosts"`
}

// playOnce schedules the playbook and waits for it. Leaving early through ctx
// cancels the playbook.
func (p *player) playOnce(ctx context.Context) error {
	pb, err := p.load()
	if err != nil {
		return err
	}

	log.Info().
		Str("playbook_id", string(pb.ID)).
		Str("name", pb.Name).
		Int("hosts", len(pb.Hosts)).
		Int("commands", len(pb.Commands)).
		Msg("Scheduling playbook")

	err = p.eng.Schedule(ctx, pb, engine.ScheduleOptions{
		Delay:        p.delay,
		StartRunners: true,
		Stepping:     p.stepper != nil,
	})
	if err != nil {
		return err
	}

	if p.stepper != nil {
		if err := p.stepper.run(ctx, pb); err != nil {
			p.eng.Cancel(pb.ID)
			return err
		}
	}

	state, err := p.eng.Wait(ctx, pb.ID)
	if err != nil {
		p.eng.Cancel(pb.ID)
		return err
	}

	reports := buildReports(p.eng.Results(pb.ID), len(pb.Commands))
	var buf bytes.Buffer
	if jsonOutput {
		if err := writeJSON(&buf, playReport{ID: pb.ID, Name: pb.Name, State: state, Hosts: reports}); err != nil {
			return err
		}
	} else if !p.quiet {
		writeSummary(&buf, reports, p.emoji)
	}
	p.progress.write(buf.Bytes())

	if state != engine.PlaybookComplete {
		return fmt.Errorf("playbook %s finished %s", pb.Name, state)
	}
	return nil
}

// runWatch plays the file now and again after every change, cancelling a run
// still in progress. It returns when ctx is done.
func (p *player) runWatch(ctx context.Context) error {
	changes := make(chan struct{}, 1)
	watchErr := make(chan error, 1)
	logger := p.app.telemetry.Logger.Zerolog()
	go func() {
		watchErr <- config.WatchFile(ctx, p.file, config.DefaultDebounce, logger, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.playOnce(runCtx) }()

		select {
		case err := <-done:
			cancel()
			logPlayResult(err)
			select {
			case <-changes:
			case err := <-watchErr:
				return err
			case <-ctx.Done():
				return nil
			}
		case <-changes:
			log.Info().Str("file", p.file).Msg("Playbook changed, rescheduling")
			cancel()
			<-done
		case err := <-watchErr:
			cancel()
			<-done
			return err
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		}
	}
}

// runCron plays the file on schedule until ctx is done. A run still in
// progress when the next one is due makes cron skip it.
func (p *player) runCron(ctx context.Context, spec string, schedule cron.Schedule) error {
	logger := cronLogger{logger: log.Logger.With().Str("component", "cron").Logger()}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		logPlayResult(p.playOnce(ctx))
	}))

	log.Info().
		Str("schedule", spec).
		Time("next", schedule.Next(time.Now())).
		Msg("Playbook scheduled on cron")

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func logPlayResult(err error) {
	if err != nil {
		log.Error().Err(err).Msg("Playbook run failed")
	}
}

func toVars(in map[string]string) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
