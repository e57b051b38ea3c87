// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the spine-core components into the long-running
// service: store, bus, executors, dispatcher, workflow engine,
// scheduler, alerts, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ryansmccoy/spine-core/internal/alerts"
	"github.com/ryansmccoy/spine-core/internal/api"
	"github.com/ryansmccoy/spine-core/internal/bus"
	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/locks"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/quality"
	"github.com/ryansmccoy/spine-core/internal/runtimes"
	"github.com/ryansmccoy/spine-core/internal/runtimes/docker"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/internal/store"
	"github.com/ryansmccoy/spine-core/internal/tracing"
	"github.com/ryansmccoy/spine-core/internal/workflow"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon is the assembled spine-core service.
type Daemon struct {
	Config     *config.Config
	DB         *store.DB
	Bus        bus.Bus
	Ledger     *ledger.Store
	Handlers   *executor.Registry
	Funcs      *workflow.FuncRegistry
	Workflows  *workflow.Registry
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Alerts     *alerts.Service

	logger          *slog.Logger
	server          *http.Server
	tracingShutdown func(context.Context) error
}

// New assembles a daemon from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(&log.Config{Level: cfg.LogLevel, Format: log.FormatJSON})
		slog.SetDefault(logger)
	}

	tracingShutdown, err := tracing.Setup(ctx, cfg.TracingBackend)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(store.Config{
		Backend: store.Backend(cfg.DatabaseBackend),
		URL:     cfg.DatabaseURL,
	})
	if err != nil {
		return nil, err
	}
	if err := db.ApplySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	var eventBus bus.Bus
	if cfg.CacheBackend == "redis" {
		eventBus, err = bus.NewRedisBus(cfg.RedisAddr, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect redis bus: %w", err)
		}
	} else {
		eventBus = bus.NewMemoryBus(logger)
	}

	handlers := executor.NewRegistry()
	var exec executor.Executor
	switch cfg.WorkerBackend {
	case "memory":
		exec = executor.NewMemory(handlers, 1024)
	case "async":
		exec = executor.NewAsyncLocal(handlers, cfg.MaxWorkers, 1024)
	case "redis":
		exec, err = executor.NewRedisQueue(cfg.RedisAddr, handlers, cfg.MaxWorkers, 1024)
		if err != nil {
			db.Close()
			return nil, err
		}
	default:
		exec = executor.NewLocal(handlers, cfg.MaxWorkers, 1024)
	}

	ledgerStore := ledger.New(db)
	dlqStore := dlq.New(db, cfg.MaxRetries)
	lockMgr := locks.New(db)

	workflows := workflow.NewRegistry(logger)
	if _, err := workflows.LoadFromStore(ctx, db); err != nil {
		logger.Warn("failed to load stored workflows", log.Error(err))
	}
	if cfg.WorkflowsDir != "" {
		if n, err := workflows.LoadDir(cfg.WorkflowsDir); err != nil {
			logger.Warn("failed to load workflow directory", log.Error(err))
		} else {
			logger.Info("workflow definitions loaded", slog.Int("count", n))
		}
		if err := workflows.Watch(ctx, cfg.WorkflowsDir); err != nil {
			logger.Warn("failed to watch workflow directory", log.Error(err))
		}
	}

	// Container jobs route through the adapter registry; the Docker
	// adapter registers when a daemon is reachable, the mock otherwise so
	// dry runs still work.
	router := runtimes.NewRouter()
	if dockerAdapter, derr := docker.New(); derr == nil && dockerAdapter.Health(ctx) == nil {
		router.Register(dockerAdapter)
	} else {
		logger.Info("docker runtime unavailable; registering mock adapter")
		router.Register(runtimes.NewMock("mock"))
	}
	handlers.RegisterSync(executor.KindTask, "container-job",
		func(ctx context.Context, params map[string]any) (any, error) {
			spec, err := runtimes.SpecFromParams(params)
			if err != nil {
				return nil, err
			}
			return router.Run(ctx, spec)
		})

	disp := dispatcher.New(dispatcher.Config{
		Async:          true,
		DefaultTimeout: 30 * time.Minute,
	}, ledgerStore, eventBus, exec, dlqStore, workflows, logger)

	funcs := workflow.NewFuncRegistry()
	steps := workflow.NewStepStore(db)
	sink := func(eventType string, payload map[string]any) {
		if status, ok := payload["status"].(string); ok {
			metrics.StepsCompleted.WithLabelValues(eventType, status).Inc()
		}
		_ = eventBus.Publish(context.Background(), bus.NewEvent(eventType, "workflow", payload))
	}
	engine := workflow.NewEngine(funcs, disp, steps, sink, logger, workflow.Config{
		MaxParallel: cfg.MaxWorkers,
	})
	disp.SetEngine(engine)

	sched := scheduler.New(scheduler.Config{}, scheduler.NewStore(db), disp, lockMgr, logger)

	alertStore := alerts.NewStore(db)
	alertSvc := alerts.NewService(alertStore, logger)

	// Severity-filtered alert rule on the event stream: dead-lettered
	// runs raise ERROR alerts.
	eventBus.Subscribe("run.dead_lettered", func(ctx context.Context, ev bus.Event) {
		workflowName, _ := ev.Payload["workflow"].(string)
		runID, _ := ev.Payload["run_id"].(string)
		errMsg, _ := ev.Payload["error"].(string)
		_, _ = alertSvc.Raise(ctx, alerts.Alert{
			Severity:    alerts.SeverityError,
			Title:       "execution dead-lettered: " + workflowName,
			Message:     errMsg,
			Source:      "dispatcher",
			ExecutionID: runID,
		})
	})

	apiServer := api.NewServer(api.Deps{
		Config:     cfg,
		DB:         db,
		Dispatcher: disp,
		Workflows:  workflows,
		Steps:      steps,
		Schedules:  scheduler.NewStore(db),
		DLQ:        dlqStore,
		Alerts:     alertSvc,
		AlertStore: alertStore,
		Quality:    quality.NewStore(db),
		Rejects:    quality.NewRejectStore(db),
		Anomalies:  quality.NewAnomalyStore(db),
		Bus:        eventBus,
		Logger:     logger,
		Version:    Version,
	})

	d := &Daemon{
		Config:          cfg,
		DB:              db,
		Bus:             eventBus,
		Ledger:          ledgerStore,
		Handlers:        handlers,
		Funcs:           funcs,
		Workflows:       workflows,
		Dispatcher:      disp,
		Scheduler:       sched,
		Alerts:          alertSvc,
		logger:          log.WithComponent(logger, "daemon"),
		tracingShutdown: tracingShutdown,
	}
	d.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Run serves until ctx is cancelled, then drains gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.Scheduler.Start(ctx)
	d.logger.Info("daemon started",
		slog.Int("port", d.Config.APIPort),
		slog.String("tier", d.Config.EffectiveTier()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.Scheduler.Stop()
	d.Dispatcher.Drain()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown failed", log.Error(err))
	}
	if err := d.Bus.Close(); err != nil {
		d.logger.Warn("bus close failed", log.Error(err))
	}
	if err := d.tracingShutdown(shutdownCtx); err != nil {
		d.logger.Warn("tracing shutdown failed", log.Error(err))
	}
	return d.DB.Close()
}
