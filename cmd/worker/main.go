// SPDX-License-Identifier: MIT

// The worker polls the coordinator for transcription jobs and runs the
// chunk, decode, merge, upload pipeline against a local GPU decoder.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openscribe/scribed/internal/client"
	"github.com/openscribe/scribed/internal/config"
	"github.com/openscribe/scribed/internal/decode"
	"github.com/openscribe/scribed/internal/exttool"
	"github.com/openscribe/scribed/internal/log"
	"github.com/openscribe/scribed/internal/media"
	"github.com/openscribe/scribed/internal/merge"
	"github.com/openscribe/scribed/internal/queue"
	"github.com/openscribe/scribed/internal/segment"
	"github.com/openscribe/scribed/internal/upload"
	"github.com/openscribe/scribed/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed-worker %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Configure(log.Config{Service: "scribed-worker"})
		l := log.WithComponent("worker")
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Configure(log.Config{Service: "scribed-worker"})
		l := log.WithComponent("worker")
		l.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "scribed-worker"})
	logger := log.WithComponent("worker")

	workDir := cfg.Worker.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str("dir", workDir).Msg("failed to create work directory")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	workerID := queue.WorkerIdentity(host, os.Getpid())

	logger.Info().
		Str("version", version).
		Str("worker_id", workerID).
		Str("coordinator", cfg.Worker.CoordinatorURL).
		Int("parallel_decoders", cfg.Worker.ParallelDecoders).
		Msg("starting worker")

	c := client.New(cfg.Worker.CoordinatorURL, workerID)

	var dec decode.Decoder
	if cfg.Worker.DecoderCommand != "" {
		dec = &decode.CLIDecoder{
			Command: cfg.Worker.DecoderCommand,
			Model:   cfg.Worker.DecoderModel,
		}
	} else {
		logger.Fatal().Msg("decoder_command is required on workers")
	}

	w := &worker.Worker{
		Client:            c,
		WorkDir:           workDir,
		PollInterval:      cfg.Worker.PollInterval(),
		HeartbeatInterval: cfg.Queue.HeartbeatInterval(),
		Planner: &segment.Planner{
			Config: segment.Config{
				Stride:       cfg.Chunking.StrideSeconds,
				Overlap:      cfg.Chunking.OverlapSeconds,
				SearchWindow: cfg.Chunking.VADSearchWindow,
				MinDuration:  cfg.Chunking.MinDurationForChunks,
			},
			Scanner: &media.RMSScanner{
				ThresholdDBFS: cfg.Chunking.VADSilenceThreshold,
				MinSilence:    cfg.Chunking.VADMinSilenceSeconds,
			},
		},
		Pool: &decode.Pool{
			Workers: cfg.Worker.ParallelDecoders,
			WorkDir: workDir,
			Decoder: dec,
		},
		Merger: &merge.Merger{
			MinSilenceGap: cfg.Chunking.VADMinSilenceSeconds,
		},
		Uploader: &upload.Uploader{
			Client:     c,
			Formatter:  formatterOrNil(cfg),
			Summarizer: summarizerOrNil(cfg),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(ctx)
	})

	if addr := cfg.Worker.MetricsListen; addr != "" && addr != "off" {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", func(wr http.ResponseWriter, _ *http.Request) {
			wr.WriteHeader(http.StatusNoContent)
		})
		mux.Handle("GET /metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info().Str("listen", addr).Msg("metrics listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker exited with error")
	}
	logger.Info().Msg("worker stopped")
}

// formatterOrNil avoids handing the uploader a typed nil interface value.
func formatterOrNil(cfg *config.Config) exttool.Formatter {
	if f := exttool.NewHTTPFormatter(cfg.Worker.FormatterURL, cfg.Worker.ExternalTimeout()); f != nil {
		return f
	}
	return nil
}

func summarizerOrNil(cfg *config.Config) exttool.Summarizer {
	if s := exttool.NewHTTPSummarizer(cfg.Worker.SummarizerURL, cfg.Worker.ExternalTimeout()); s != nil {
		return s
	}
	return nil
}
