// SPDX-License-Identifier: MIT

// The coordinator serves the job queue and blob store over HTTP and runs
// the lease reaper and orphan sweeper in the background.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openscribe/scribed/internal/api"
	"github.com/openscribe/scribed/internal/blob"
	"github.com/openscribe/scribed/internal/config"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/queue"
	"github.com/openscribe/scribed/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed-coordinator %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Configure(log.Config{Service: "scribed-coordinator"})
		l := log.WithComponent("coordinator")
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.ValidateCoordinator(); err != nil {
		log.Configure(log.Config{Service: "scribed-coordinator"})
		l := log.WithComponent("coordinator")
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "scribed-coordinator"})
	logger := log.WithComponent("coordinator")
	logger.Info().
		Str("version", version).
		Str("addr", cfg.Coordinator.Listen).
		Str("data_dir", cfg.Coordinator.DataDir).
		Msg("starting coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.NewStore(cfg.Coordinator.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Coordinator.BlobDir).Msg("failed to open blob store")
	}

	db, err := store.OpenSQLite(cfg.Coordinator.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Coordinator.DBPath).Msg("failed to open metadata store")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("metadata store close")
		}
	}()

	svc := &queue.Service{
		Store:         db,
		Blobs:         blobs,
		LeaseDuration: cfg.Queue.LeaseDuration(),
		MaxRetries:    cfg.Queue.MaxRetries,
	}

	router := api.NewRouter(&api.Handler{Queue: svc}, api.RouterConfig{
		SubmitRPS:      cfg.Coordinator.SubmitRPS,
		TracingService: cfg.Coordinator.TracingService,
	})

	srv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reaper := &queue.Reaper{Service: svc}
		err := reaper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		sweeper := &queue.Sweeper{Service: svc}
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("coordinator exited with error")
	}
	logger.Info().Msg("coordinator stopped")
}
