package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blueprintd/blueprintd/pkg/api"
	"github.com/blueprintd/blueprintd/pkg/blueprints"
	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/notify"
	"github.com/blueprintd/blueprintd/pkg/policy"
	"github.com/blueprintd/blueprintd/pkg/stores"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/blueprintd/blueprintd/pkg/transports/ssh"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 30 * time.Second
	scriptTimeout   = 30 * time.Second
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the blueprint engine and REST API",
		Long: `Run the blueprintd daemon.

The daemon loads the blueprint catalog and the network topology, recovers
instances that were interrupted by the previous shutdown, and serves the REST
API until it receives SIGINT or SIGTERM. Queued sessions are failed on
shutdown; sessions waiting for a callback survive and resume on restart.`,
		Example: `  # Run with ./blueprintd.yaml or /etc/blueprintd/blueprintd.yaml
  blueprintd serve

  # Run with an explicit config and a different listen address
  BLUEPRINTD_HTTP_LISTEN=0.0.0.0:8420 blueprintd serve -c /etc/blueprintd/lab.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			settings.Telemetry.ServiceVersion = version
			return runDaemon(cmd.Context(), settings)
		},
	}

	return cmd
}

// daemon holds everything serve wires together, in construction order.
type daemon struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	networks *netres.Registry
	policy   *policy.Engine
	types    *blueprints.Types
	executor *blueprints.LocalExecutor
	registry *engine.Registry
	server   *api.Server
	watcher  *config.CatalogWatcher
}

func runDaemon(ctx context.Context, settings *config.Settings) error {
	d := &daemon{settings: settings}
	defer d.close()

	if err := d.build(ctx); err != nil {
		return err
	}

	logger := d.tel.Logger
	recovered, err := d.registry.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover instances: %w", err)
	}

	if err := d.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"listen":    settings.HTTP.Listen,
		"types":     d.types.Names(),
		"networks":  len(d.networks.Networks(ctx)),
		"recovered": recovered,
	}).Info("blueprintd started")

	if settings.Catalog.Watch {
		if err := d.watchCatalog(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Run(gctx)
	})
	if settings.Database.EventRetention > 0 {
		g.Go(func() error {
			d.pruneEvents(gctx)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("blueprintd stopping")
	return nil
}

func (d *daemon) build(ctx context.Context) error {
	s := d.settings

	tel, err := telemetry.NewTelemetry(&s.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d.tel = tel
	logger := tel.Logger

	store, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	d.store = store
	tel.Events.Subscribe(store.EventSink(logger.NewComponentLogger("event_log")), nil)

	d.networks = netres.NewRegistry(netres.Options{
		Store:   store,
		Logger:  logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
		Tracer:  tel.Tracer,
	})
	if err := d.networks.Load(ctx); err != nil {
		return fmt.Errorf("failed to load network layout: %w", err)
	}
	if s.Networks.File != "" {
		topo, err := netres.LoadTopology(s.Networks.File)
		if err != nil {
			return err
		}
		if err := d.networks.ApplyTopology(ctx, topo); err != nil {
			return fmt.Errorf("failed to apply topology %s: %w", s.Networks.File, err)
		}
	}

	var admission engine.Admission
	if s.Policy.Enabled {
		pe, err := policy.NewEngine(logger.Zerolog(), policy.Options{
			MaxReservation: s.Policy.MaxReservation,
			Environment:    s.Telemetry.Environment,
			Events:         d.tel.Events,
		})
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(s.Policy.Dirs) > 0 {
			if err := pe.LoadPolicies(ctx, s.Policy.Dirs); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			if s.Policy.Watch {
				if err := pe.Watch(ctx, s.Policy.Dirs); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}
		}
		d.policy = pe
		admission = pe
	}

	catalog, _, err := loadCatalog(ctx, s.Catalog.Dir)
	if err != nil {
		return err
	}

	d.executor = blueprints.NewLocalExecutor(s.Engine.ConfirmDelay, logger)
	deps := blueprints.Deps{
		Networks: d.networks,
		Executor: d.executor,
		Starlark: config.NewStarlarkEvaluator(scriptTimeout, logger.Zerolog()),
		Logger:   logger,
	}
	if !s.SSH.Disabled {
		tmpl := ssh.DefaultConfig("", s.SSH.User)
		tmpl.Port = s.SSH.Port
		tmpl.PrivateKeyPath = s.SSH.KeyFile
		if s.SSH.Timeout > 0 {
			tmpl.ConnectionTimeout = s.SSH.Timeout
		}
		deps.Pusher = ssh.NewPusher(*tmpl, logger)
	}

	d.types, err = blueprints.NewTypes(catalog, deps)
	if err != nil {
		return fmt.Errorf("invalid catalog %s: %w", s.Catalog.Dir, err)
	}

	d.registry, err = engine.NewRegistry(engine.Options{
		Store:   store,
		Factory: d.types,
		Bus:     engine.NewTelemetryBus(tel.Events),
		Notifier: notify.NewHTTPNotifier(notify.Options{
			Timeout:     s.Notify.Timeout,
			MaxFailures: s.Notify.MaxFailures,
			OpenTimeout: s.Notify.OpenTimeout,
			Logger:      logger,
			Metrics:     tel.Metrics,
			Events:      tel.Events,
		}),
		Providers:       engine.NewStaticProvider(s.Engine.Provider.Context()),
		Admission:       admission,
		Logger:          logger,
		Metrics:         tel.Metrics,
		Tracer:          tel.Tracer,
		CallbackTimeout: s.Engine.CallbackTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.executor.Bind(d.registry)

	opts := api.Options{
		Listen:          s.HTTP.Listen,
		Instances:       d.registry,
		Networks:        d.networks,
		Health:          store,
		Metrics:         tel.Metrics.Handler(),
		Logger:          logger,
		ReadTimeout:     s.HTTP.ReadTimeout,
		WriteTimeout:    s.HTTP.WriteTimeout,
		ShutdownTimeout: s.HTTP.ShutdownTimeout,
	}
	if d.policy != nil {
		opts.Admission = d.policy
	}
	d.server, err = api.NewServer(opts)
	if err != nil {
		return err
	}

	return nil
}

func (d *daemon) watchCatalog(ctx context.Context) error {
	dir := d.settings.Catalog.Dir
	logger := d.tel.Logger.NewComponentLogger("catalog")

	d.watcher = config.NewCatalogWatcher(config.NewCUEParser(), []string{dir}, func(c *config.Catalog) {
		if err := d.types.Update(c); err != nil {
			logger.WithError(err).Warn("Rejected catalog reload, keeping previous catalog")
			return
		}
		logger.WithField("types", c.TypeNames()).Info("Catalog reloaded")
		_ = d.tel.Events.PublishCatalogReloaded(dir, len(c.Types))
	}, d.tel.Logger.Zerolog())

	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch catalog %s: %w", dir, err)
	}
	return nil
}

func (d *daemon) pruneEvents(ctx context.Context) {
	logger := d.tel.Logger.NewComponentLogger("event_log")
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.settings.Database.EventRetention)
			n, err := d.store.PruneEvents(ctx, cutoff)
			if err != nil {
				logger.WithError(err).Warn("Failed to prune events")
				continue
			}
			if n > 0 {
				logger.WithField("deleted", n).Debug("Pruned events")
			}
		}
	}
}

// close releases everything build created, in reverse order. Sessions still
// queued are failed; sessions waiting for a callback stay persisted.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger := telemetry.NewNopLogger()
	if d.tel != nil {
		logger = d.tel.Logger
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop catalog watcher")
		}
	}
	if d.executor != nil {
		d.executor.Close()
	}
	if d.registry != nil {
		if err := d.registry.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Engine shutdown incomplete")
		}
	}
	if d.policy != nil {
		if err := d.policy.StopWatching(); err != nil {
			logger.WithError(err).Warn("Failed to stop policy watcher")
		}
	}
	if d.tel != nil {
		if err := d.tel.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Telemetry shutdown incomplete")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}
}
