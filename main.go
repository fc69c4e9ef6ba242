package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"spreadmatrix/config"
	"spreadmatrix/internal/cache"
	"spreadmatrix/internal/dashboard"
	"spreadmatrix/internal/metrics"
	"spreadmatrix/internal/source"
	"spreadmatrix/internal/spread"
	"spreadmatrix/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
		"source":  cfg.Source.Kind,
		"cache":   cfg.Cache.Backend,
	}).Info("starting spreadmatrix")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}

	metrics.Init()

	src, err := source.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create source")
		os.Exit(1)
	}

	store, err := cache.NewStore(ctx, cfg.Cache)
	if err != nil {
		log.WithError(err).Error("failed to create cache store")
		os.Exit(1)
	}

	table := cache.New(src, store, spread.NewNormalizer(cfg.Display.TimezoneOffsetHours), cfg.Cache, cfg.Source)

	server, err := dashboard.NewServer(cfg.Server, cfg.Display, table, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if runner, ok := src.(source.Runner); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("source collector stopped")
			}
		}()
	}

	// Streaming sources start empty; the scheduled refresh picks up their rows.
	if err := table.Warm(ctx); err != nil {
		log.WithError(err).Warn("initial load failed; serving an empty table until the next refresh")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		table.Run(ctx)
	}()

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.WithError(err).Warn("metrics server failed")
			}
		}()
	}

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server failed")
				cancel()
			}
		}()
	} else {
		log.WithComponent("main").Info("dashboard disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if closer, ok := src.(source.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("failed to close source")
		}
	}
	if err := table.Close(); err != nil {
		log.WithError(err).Warn("failed to close cache store")
	}

	log.Info("spreadmatrix stopped")
}
