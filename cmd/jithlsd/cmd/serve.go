package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpaschoal/jithls/internal/catalog"
	"github.com/rpaschoal/jithls/internal/config"
	"github.com/rpaschoal/jithls/internal/domain"
	"github.com/rpaschoal/jithls/internal/engine"
	"github.com/rpaschoal/jithls/internal/httpadapter"
	"github.com/rpaschoal/jithls/internal/hwaccel"
	"github.com/rpaschoal/jithls/internal/logging"
	"github.com/rpaschoal/jithls/internal/probe"
	"github.com/rpaschoal/jithls/internal/transcoder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HLS streaming daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Engine.HLSTempDir, 0o755); err != nil {
		return fmt.Errorf("creating hls temp dir: %w", err)
	}

	prober := probe.New(cfg.Engine.FFprobePath, float64(cfg.Engine.SegmentDurationSeconds), logger)
	mediaCatalog := catalog.NewFilesystem(cfg.Engine.MediaSourceDir, prober)
	processes := domain.NewProcessGroup()

	worker := transcoder.New(cfg.Engine.FFmpegPath, processes, logger)
	worker.StderrCaptureBytes = cfg.Engine.StderrCaptureBytes
	worker.Validate = true
	worker.Strict = cfg.Engine.StrictValidation
	worker.Prober = prober

	eng := engine.New(engine.Options{
		Catalog:               mediaCatalog,
		Prober:                prober,
		Transcoder:            worker,
		Processes:             processes,
		Logger:                logger,
		DetectBackends:        hwaccel.Available,
		Root:                  cfg.Engine.HLSTempDir,
		SegmentDuration:       float64(cfg.Engine.SegmentDurationSeconds),
		Encoder:               parseBackend(cfg.Engine.Encoder),
		FFmpegPath:            cfg.Engine.FFmpegPath,
		PrefetchEnabled:       cfg.Engine.PrefetchEnabled,
		PrefetchCount:         cfg.Engine.PrefetchCount,
		MaxConcurrentPrefetch: cfg.Engine.MaxConcurrentPrefetch,
		PrefetchLoadCeiling:   cfg.Engine.PrefetchLoadCeiling,
		LoadSampleInterval:    cfg.Engine.LoadSampleInterval,
	})

	srv := httpadapter.New(httpadapter.DefaultConfig(cfg.Server.Addr), eng, logger)

	logger.Info("jithlsd starting",
		slog.String("address", cfg.Server.Addr),
		slog.String("encoder", cfg.Engine.Encoder),
		slog.String("hls_temp_dir", cfg.Engine.HLSTempDir),
		slog.String("media_source_dir", cfg.Engine.MediaSourceDir),
	)

	g, gctx := errgroup.WithContext(cmd.Context())
	g.Go(srv.Start)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-gctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdown errgroup.Group
	shutdown.Go(func() error { return srv.Shutdown(shutdownCtx) })
	shutdown.Go(func() error { eng.Shutdown(); return nil })
	if err := shutdown.Wait(); err != nil {
		logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func parseBackend(encoder string) domain.Backend {
	switch encoder {
	case "nvenc":
		return domain.BackendNVENC
	case "qsv":
		return domain.BackendQSV
	case "cpu":
		return domain.BackendCPU
	default:
		return domain.BackendAuto
	}
}
