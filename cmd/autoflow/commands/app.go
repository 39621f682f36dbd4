package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autoflow/autoflow/pkg/config"
	"github.com/autoflow/autoflow/pkg/integration"
	"github.com/autoflow/autoflow/pkg/isolation"
	"github.com/autoflow/autoflow/pkg/policy"
	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/stores"
	"github.com/autoflow/autoflow/pkg/telemetry"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// app holds the components shared by the commands.
type app struct {
	cfg      *config.AppConfig
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	registry *isolation.Registry
	policy   *policy.Engine
	store    *stores.SQLiteStore
	pipeline *integration.Pipeline

	closers []func(context.Context) error
}

// appOptions selects the components a command needs.
type appOptions struct {
	store    bool
	pipeline bool
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.init(ctx, opts); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	tel, err := telemetry.NewTelemetry(&a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.logger = tel.Logger.Zerolog()
	a.closers = append(a.closers, tel.Shutdown)

	if a.cfg.Telemetry.Metrics.Enabled && a.cfg.Telemetry.Metrics.ListenAddress != "" {
		errCh := make(chan error, 1)
		tel.Metrics.StartMetricsServer(errCh)
		go func() {
			if err := <-errCh; err != nil {
				a.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	a.registry, err = isolation.NewRegistryFromConfig(a.cfg.Isolation, a.logger)
	if err != nil {
		return err
	}

	if opts.store || opts.pipeline {
		store, err := stores.NewSQLiteStore(a.cfg.Store)
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate history store: %w", err)
		}
		a.store = store
	}

	if !opts.pipeline {
		return nil
	}

	pipelineOpts := []integration.Option{
		integration.WithStore(a.store),
		integration.WithEvents(a.tel.Events),
		integration.WithExecutor(workflow.NewExecutor(a.cfg.Executor.Options(), a.logger)),
		integration.WithCoordinator(recovery.NewCoordinator(a.cfg.Recovery, nil, a.logger)),
		integration.WithDefaults(integration.StepDefaults{
			Backend:        a.cfg.Isolation.DefaultBackend,
			Timeout:        a.cfg.Isolation.Timeout,
			LeastPrivilege: a.cfg.Isolation.LeastPrivilege,
		}),
	}

	if a.cfg.Policy.Enabled {
		engine, err := policy.NewEngine(a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return engine.Close() })
		if len(a.cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			if a.cfg.Policy.Watch {
				if err := engine.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}
		}
		a.policy = engine
		pipelineOpts = append(pipelineOpts, integration.WithPolicy(engine))
	}

	a.pipeline = integration.NewPipeline(a.registry, a.logger, pipelineOpts...)
	return nil
}

// context attaches telemetry to ctx.
func (a *app) context(ctx context.Context) context.Context {
	if a.tel == nil {
		return ctx
	}
	return a.tel.WithContext(ctx)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Shutdown failed")
		}
	}
}
