package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"configurator/internal/artifactcache"
	"configurator/internal/compute"
	"configurator/internal/gateway/config"
	"configurator/internal/gateway/handler"
	"configurator/internal/gateway/job"
	"configurator/internal/gateway/notify"
	"configurator/internal/gateway/payload"
	"configurator/internal/gateway/server"
	"configurator/internal/gateway/service/project"
	"configurator/internal/janitor"
	"configurator/internal/jobs"
)

type App struct {
	server     *server.Server
	dispatcher *jobs.Dispatcher
	janitor    *janitor.Janitor
	stores     *gatewayStores
	log        logrus.FieldLogger
}

func New(logger logrus.FieldLogger) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.WithFields(logrus.Fields{"env": cfg.Env, "port": cfg.Port}).Info("config loaded")

	// Dependencies
	stores, err := initStores(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}
	var marker artifactcache.Marker
	if stores.marker != nil {
		marker = stores.marker
	}
	cache, err := artifactcache.New(stores.blob, marker, artifactcache.Config{
		Policy:       cfg.Cache.Policy,
		MarkerTTL:    cfg.Cache.MarkerTTL,
		ReadyEntries: cfg.Cache.ReadyEntries,
	}, logger)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("failed to init artifact cache: %w", err)
	}

	computeClient, engine := newComputeClient(cfg, logger)
	projectSvc := project.New(stores.blob, cache, computeClient, project.Config{ComputeTimeout: cfg.Compute.Timeout}, logger)
	dispatcher := jobs.NewDispatcher(jobs.Config{
		Workers:    cfg.Dispatcher.Workers,
		QueueSize:  cfg.Dispatcher.QueueSize,
		JobTimeout: cfg.Dispatcher.JobTimeout,
	}, stores.jobs, logger)
	hub := notify.NewHub(notify.Config{}, logger)
	deps := job.Deps{Projects: projectSvc, Payloads: payload.NewProvider(stores.blob, nil), Log: logger}

	jobHandler := handler.NewJobHandler(dispatcher, hub, deps, logger)
	projectHandler := handler.NewProjectHandler(projectSvc)
	var engineHandler *compute.Handler
	if cfg.Compute.Serve && engine != nil {
		engineHandler = compute.NewHandler(engine, logger)
	}

	// Routing & Server
	mux := server.NewMux(jobHandler, projectHandler, hub, engineHandler)
	srv := server.New(cfg.Port, mux, logger)

	var sweeper *janitor.Janitor
	if cfg.Janitor.Schedule != "" {
		sweeper = janitor.New(stores.blob, cache, logger)
		if err := sweeper.Start(cfg.Janitor.Schedule); err != nil {
			stores.Close()
			return nil, err
		}
	}

	return &App{
		server:     srv,
		dispatcher: dispatcher,
		janitor:    sweeper,
		stores:     stores,
		log:        logger,
	}, nil
}

// newComputeClient returns the compute client jobs use and, when one runs in
// process, the local engine.
func newComputeClient(cfg *config.Config, logger logrus.FieldLogger) (compute.Client, *compute.LocalEngine) {
	var (
		inner  compute.Client
		engine *compute.LocalEngine
	)
	if cfg.Compute.Serve || cfg.Compute.Endpoint == "" {
		engine = compute.NewLocalEngine(logger, 0)
	}
	if cfg.Compute.Endpoint != "" {
		inner = compute.NewHTTPClient(cfg.Compute.Endpoint, cfg.Compute.PollInterval, nil)
		logger.WithField("endpoint", cfg.Compute.Endpoint).Info("compute: remote engine")
	} else {
		inner = engine
		logger.Info("compute: in-process engine")
	}
	return compute.Wrap(inner,
		compute.WithLogging(logger),
		compute.Retry(cfg.Compute.Retries, cfg.Compute.Backoff),
		compute.WithBreaker(gobreaker.Settings{
			Name:    "compute",
			Timeout: cfg.Compute.BreakerTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			},
		}),
	), engine
}

func (a *App) Start() error {
	a.dispatcher.Start()
	return a.server.Start()
}

// Shutdown stops accepting requests, then drains the job queue.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	a.stores.Close()
	return errors.Join(errs...)
}
