package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/country-engine/config"
	"github.com/warp/country-engine/metrics"
	"github.com/warp/country-engine/refresh"
	"github.com/warp/country-engine/store/sqlite"
	"github.com/warp/country-engine/summary"
	"github.com/warp/country-engine/upstream"
)

// app is the wired dependency graph shared by every command.
type app struct {
	store    *sqlite.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	images   *summary.Service
	engine   *refresh.Engine
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	images := summary.NewService(store, cfg.Summary.CacheDir, log)

	client := upstream.NewClient(upstream.Config{
		CountriesURL:     cfg.Upstream.CountriesURL,
		ExchangeRatesURL: cfg.Upstream.ExchangeRatesURL,
		RequestTimeout:   cfg.Upstream.RequestTimeout,
		MaxAttempts:      cfg.Upstream.MaxAttempts,
		BaseDelay:        cfg.Upstream.BaseDelay,
	}, log, m)

	engine := refresh.NewEngine(client, store,
		refresh.WithImageRegenerator(images),
		refresh.WithLogger(log),
		refresh.WithMetrics(m),
	)

	return &app{
		store:    store,
		registry: registry,
		metrics:  m,
		images:   images,
		engine:   engine,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
