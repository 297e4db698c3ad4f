package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyoplay/pkg/config"
	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/policy"
	"github.com/openfroyo/froyoplay/pkg/stores"
	"github.com/openfroyo/froyoplay/pkg/telemetry"
	"github.com/openfroyo/froyoplay/pkg/transports"
)

const shutdownTimeout = 10 * time.Second

// app holds the collaborators shared by the commands.
type app struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	observer  *telemetry.Observer
	invoker   *transports.Invoker
	policies  *policy.Engine
	journal   *stores.Journal
}

type appOptions struct {
	// policyPaths are loaded in addition to the configured policy paths.
	policyPaths []string

	// watchPolicies reloads the policy files when they change.
	watchPolicies bool

	// withoutInvoker skips the transports; the app can then only validate.
	withoutInvoker bool

	// withoutJournal leaves the journal closed even when it is configured.
	withoutJournal bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(settings.LogLevel))

	tel, err := telemetry.NewTelemetry(settings.Telemetry(buildVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()

	a := &app{
		settings:  settings,
		telemetry: tel,
		observer:  tel.Observer(),
	}
	if err := a.open(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts appOptions) error {
	logger := a.telemetry.Logger.Zerolog()

	var err error
	a.policies, err = policy.NewEngine(logger)
	if err != nil {
		return err
	}
	paths := slices.Concat(a.settings.Policy.Paths, opts.policyPaths)
	if len(paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		if opts.watchPolicies {
			if err := a.policies.WatchPolicies(ctx, paths); err != nil {
				return err
			}
		}
	}

	for _, name := range a.settings.Policy.Disable {
		if err := a.policies.DisablePolicy(name); err != nil {
			return err
		}
	}

	if a.settings.Journal.Path != "" && !opts.withoutJournal {
		a.journal, err = stores.Open(ctx, stores.Config{Path: a.settings.Journal.Path}, logger)
		if err != nil {
			return err
		}
	}

	if !opts.withoutInvoker {
		a.invoker = transports.New(a.settings.SSHTransport(), logger)
	}

	if a.settings.Metrics.Enabled {
		go func() {
			if err := a.telemetry.Metrics.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}
	return nil
}

// newEngine creates an engine reporting to telemetry, the journal and extra.
// Direct-run progress is written to out.
func (a *app) newEngine(out io.Writer, extra ...engine.Observer) *engine.Engine {
	logger := a.telemetry.Logger.Zerolog()
	return engine.New(engine.Options{
		Logger:       &logger,
		PollInterval: a.settings.PollInterval,
		Output:       out,
		Observers:    append(a.observers(), extra...),
		Admitter:     a.admitter(),
	})
}

func (a *app) observers() []engine.Observer {
	obs := []engine.Observer{a.observer}
	if a.journal != nil {
		obs = append(obs, a.journal)
	}
	return obs
}

func (a *app) admitter() engine.Admitter {
	return a.observer.Admitter(a.policies)
}

// Close releases the transports and the journal, then flushes telemetry.
func (a *app) Close() error {
	var errs []error
	if a.invoker != nil {
		errs = append(errs, a.invoker.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
