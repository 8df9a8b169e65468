package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/trialsync/internal/config"
	"github.com/agentworkforce/trialsync/internal/conflict"
	"github.com/agentworkforce/trialsync/internal/connectivity"
	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/logging"
	"github.com/agentworkforce/trialsync/internal/metrics"
	"github.com/agentworkforce/trialsync/internal/prefetch"
	"github.com/agentworkforce/trialsync/internal/remote"
	"github.com/agentworkforce/trialsync/internal/retry"
	"github.com/agentworkforce/trialsync/internal/trial"
)

// app is one fully wired engine: store, tables, remote, coordinator and
// prefetch manager sharing a retry executor and metrics.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    kvstore.Store
	tables   *trial.Tables
	source   remote.Source
	monitor  *connectivity.Monitor
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	coord    *coordinator.Coordinator
	prefetch *prefetch.Manager
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger.Logger

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	store, err := kvstore.BuildFromDSN(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	tables, err := trial.Open(ctx, store, trial.Options{
		Logger: log,
		OnTransition: func(table string, status conflict.Status) {
			a.metrics.ObserveConflict(table, string(status))
		},
	})
	if err != nil {
		return err
	}
	a.tables = tables

	source, err := remote.BuildFromURL(cfg.Remote.URL, cfg.Remote.Token, remote.HTTPOptions{Timeout: cfg.Remote.Timeout})
	if err != nil {
		return fmt.Errorf("configure remote: %w", err)
	}
	a.source = source

	// HTTP remotes start offline until the first probe answers.
	_, isHTTP := source.(*remote.HTTPSource)
	a.monitor = connectivity.NewMonitor(!isHTTP)
	a.metrics.SetOnline(a.monitor.IsOnline())
	a.monitor.OnChange(func(online bool) {
		a.metrics.SetOnline(online)
		log.Info("connectivity changed", "online", online)
	})

	exec := retry.New(cfg.Sync.RetryOptions(), retry.WithLogger(log))
	coord, err := coordinator.New(source, coordinator.Options{
		Executor:       exec,
		Signal:         a.monitor,
		Metrics:        a.metrics,
		Logger:         log,
		PageSize:       cfg.Sync.PageSize,
		Interval:       cfg.Sync.Interval,
		IntervalJitter: cfg.Sync.IntervalJitter,
	})
	if err != nil {
		return err
	}
	a.coord = coord

	pm, err := prefetch.NewManager(source, prefetch.Options{
		Executor:   exec,
		Signal:     a.monitor,
		Metrics:    a.metrics,
		Logger:     log,
		BatchSize:  cfg.Prefetch.BatchSize,
		UndoWindow: cfg.Prefetch.UndoWindow,
		RetryPause: cfg.Prefetch.RetryPause,
	})
	if err != nil {
		return err
	}
	a.prefetch = pm

	for _, b := range tables.Bindings() {
		if err := coord.Register(b); err != nil {
			return err
		}
		if err := pm.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := a.logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log output: %w", err))
	}
	return errors.Join(errs...)
}
