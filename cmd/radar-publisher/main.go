package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/radarwatch/radar-publisher/internal/config"
	"github.com/radarwatch/radar-publisher/internal/fetch"
	"github.com/radarwatch/radar-publisher/internal/logging"
	"github.com/radarwatch/radar-publisher/internal/metrics"
	"github.com/radarwatch/radar-publisher/internal/pipeline"
	"github.com/radarwatch/radar-publisher/internal/product"
	"github.com/radarwatch/radar-publisher/internal/publish"
	"github.com/radarwatch/radar-publisher/internal/render"
	"github.com/radarwatch/radar-publisher/internal/schedule"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "radar-publisher: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logging.Setup(cfg.Log)
	log := logging.Component("main")
	log.Info("radar publisher starting", "version", Version,
		"interval", cfg.Schedule.Interval, "workers", cfg.Render.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	manifestPath := filepath.Join(cfg.Storage.DataDir, "manifest.json")
	manifest, err := fetch.LoadManifest(manifestPath)
	if err != nil && !errors.Is(err, fetch.ErrNoManifest) {
		return err
	}

	clock := clockwork.NewRealClock()
	client := fetch.NewClient("radar-feed", fetch.ClientConfig{
		Timeout:        cfg.Fetch.Timeout,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		RetryBackoff:   cfg.Fetch.RetryBackoff,
		MaxBackoff:     cfg.Fetch.MaxBackoff,
		BreakerTimeout: cfg.Fetch.BreakerTimeout,
	}, nil, clock, logging.Component("fetch"))
	client.Retries = m.FetchRetries

	downloader := fetch.NewDownloader(fetch.DownloaderConfig{
		CurrentURL:  cfg.Streams.CurrentURL,
		ForecastURL: cfg.Streams.ForecastURL,
		DataDir:     cfg.Storage.DataDir,
		Cooldown:    cfg.Fetch.Cooldown,
	}, client, manifest, clock, m, logging.Component("downloader"))

	stores, err := publish.NewLocalStores(cfg.Storage.OutputDir,
		product.StreamCurrent, product.StreamForecast)
	if err != nil {
		return err
	}
	for _, st := range stores {
		if ls, ok := st.(*publish.LocalStore); ok {
			if err := ls.CleanStaging(); err != nil {
				log.Warn("staging cleanup failed", "dir", ls.Dir(), "error", err)
			}
		}
	}

	mirror, err := publish.OpenMirror(ctx, cfg.Storage.MirrorURL, m, logging.Component("mirror"))
	if err != nil {
		return err
	}

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Workers: cfg.Render.Workers,
		Scales:  cfg.Render.Scales,
	}, downloader, pipeline.FileDecoder{Contract: cfg.Contract()}, stores, mirror, manifest, m, logging.Component("pipeline"))

	retention := pipeline.NewForecastRetention(
		cfg.Forecast.LeadMinutes, len(render.Palettes()), len(cfg.Render.Scales),
		cfg.Forecast.KeepIssuances, stores.For(product.StreamForecast), mirror, m, logging.Component("retention"))

	svc := pipeline.NewService(pipeline.ServiceConfig{
		CurrentEnabled:  cfg.Streams.CurrentEnabled,
		ForecastEnabled: cfg.Streams.ForecastEnabled,
		Scales:          cfg.Render.Scales,
		MaxTracked:      cfg.Storage.MaxTracked,
		SourceTTL:       cfg.Schedule.Interval * time.Duration(cfg.Storage.MaxTracked),
	}, downloader, orch, retention, stores, mirror, manifest, m, logging.Component("service"))

	scheduler := schedule.New(svc, cfg.Schedule.Interval, cfg.Schedule.ShutdownGrace,
		clock, m, logging.Component("scheduler"))

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("shutdown signal received", "signal", sig.String())
		scheduler.Stop()
		cancel()
	}()

	scheduler.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Schedule.ShutdownGrace)
	defer shutdownCancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
		return err
	}

	log.Info("radar publisher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
	return nil
}
