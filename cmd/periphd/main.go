package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/kassenwerk/periphd/internal/config"
	"github.com/kassenwerk/periphd/internal/logging"
	"github.com/kassenwerk/periphd/internal/metrics"
	"github.com/kassenwerk/periphd/internal/orchestrator"
	"github.com/kassenwerk/periphd/internal/storage/gormrepo"
)

func main() {
	// 1) configuration
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) logging
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) metrics
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)

	// 4) storage
	repo, err := gormrepo.Open(cfg.Database.Path, cfg.Database.AutoMigrate)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	// 5) the core
	core := orchestrator.New(cfg, repo, appm, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		log.Fatal("start core", zap.Error(err))
	}
	log.Info("peripheral core started",
		zap.String("env", cfg.App.Env),
		zap.String("db", cfg.Database.Path))

	g, gctx := errgroup.WithContext(ctx)

	// optional scrape endpoint; the core itself has no HTTP surface
	var metricsSrv *http.Server
	if cfg.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		core.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("peripheral core stopped")
}
