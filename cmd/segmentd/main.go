package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/segmentd/config"
	"github.com/bnema/segmentd/internal/adapter/fetcher/ytdlp"
	HTTPAdapter "github.com/bnema/segmentd/internal/adapter/http"
	"github.com/bnema/segmentd/internal/adapter/runner"
	ffmpegseg "github.com/bnema/segmentd/internal/adapter/segmenter/ffmpeg"
	sqlitestore "github.com/bnema/segmentd/internal/adapter/storage/sqlite"
	"github.com/bnema/segmentd/internal/adapter/workspace"
	"github.com/bnema/segmentd/internal/infrastructure/logger"
	"github.com/bnema/segmentd/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error.Printf("failed to load config: %v", err)
		os.Exit(1)
	}

	logger.Info.Printf("starting segmentd on port %d (workers=%d, segment=%ds, policy=%s)",
		cfg.Port, cfg.Workers, cfg.SegmentSecs, cfg.SegmentPolicy)

	for _, dir := range []string{cfg.UploadDir, cfg.SegmentDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error.Printf("failed to create directory %s: %v", dir, err)
			os.Exit(1)
		}
	}

	store, err := sqlitestore.NewStore(cfg.SegmentDir)
	if err != nil {
		logger.Error.Printf("failed to open ledger store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ledger := sqlitestore.NewLedger(store)
	workspaces := workspace.NewManager(cfg.UploadDir, cfg.SegmentDir, cfg.DownloadDir, cfg.MinFreeBytes)

	execRunner := runner.ExecRunner{}
	fetcher := ytdlp.NewFetcher(ytdlp.Config{
		Binary:         cfg.YtdlpPath,
		AttemptTimeout: cfg.FetchTimeout,
		MaxRetries:     cfg.FetchRetries,
		MaxRate:        cfg.FetchMaxRate,
		CookiesFile:    cfg.CookiesFile,
		ProxyURL:       cfg.ProxyURL,
	}, execRunner)
	segmenter := ffmpegseg.NewSegmenter(ffmpegseg.Config{
		FfmpegBinary:  cfg.FfmpegPath,
		FfprobeBinary: cfg.FfprobePath,
		TargetSeconds: cfg.SegmentSecs,
		Policy:        ffmpegseg.Policy(cfg.SegmentPolicy),
	}, execRunner)

	eventBus := service.NewEventBus()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orchestrator := service.NewOrchestrator(ledger, workspaces, fetcher, segmenter, eventBus,
		cfg.UploadDir, cfg.Workers, cfg.JobTTL)
	if err := orchestrator.Start(workerCtx); err != nil {
		logger.Error.Printf("failed to start orchestrator: %v", err)
		os.Exit(1)
	}

	// Operational visibility: log every committed transition.
	go func() {
		events := eventBus.Subscribe("*")
		for {
			select {
			case ev := <-events:
				logger.Info.Printf("job %s -> %s", ev.JobID, ev.State)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	server := HTTPAdapter.NewServer(orchestrator, eventBus)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server,
		ReadTimeout: 1 * time.Minute,
		// No WriteTimeout: the SSE endpoint holds its response open for the
		// lifetime of a job.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info.Printf("received %s, shutting down", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error.Printf("http shutdown error: %v", err)
		}

		// Stop workers; interrupted jobs resume from their committed state
		// on the next start.
		workerCancel()

		logger.Info.Printf("shutdown complete")
	}()

	logger.Info.Printf("server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error.Printf("server failed: %v", err)
		os.Exit(1)
	}
}
