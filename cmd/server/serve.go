package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"videovault/internal/config"
	"videovault/internal/database"
	"videovault/internal/ffmpeg"
	"videovault/internal/hls"
	"videovault/internal/job"
	"videovault/internal/server"
	"videovault/internal/storage"
	"videovault/internal/ytdlp"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort          int
	serveMaxConcurrent int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.ListenPort = servePort
		}
		if cmd.Flags().Changed("max-concurrent") {
			cfg.MaxConcurrent = serveMaxConcurrent
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides listen_port)")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "Jobs executed at once (overrides max_concurrent)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	files, err := storage.New(cfg.DownloadDir)
	if err != nil {
		return err
	}

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	defer db.Close()

	history, err := job.NewSQLHistory(db)
	if err != nil {
		return fmt.Errorf("failed to init history: %w", err)
	}

	tool := ffmpeg.New(cfg.FFmpegPath)
	if !tool.Available() {
		logger.Warn("ffmpeg not found, HLS downloads stay as .ts", "path", cfg.FFmpegPath)
		tool = nil
	}
	ytdlpRunner := ytdlp.New(files, ytdlp.Options{
		Binary:      cfg.YTDLPPath,
		FFmpeg:      cfg.FFmpegPath,
		CookiesPath: cfg.CookiesPath,
		Logger:      logger.With("runner", "yt-dlp"),
	})
	hlsRunner := hls.New(files, hls.Options{
		Headers: cfg.Headers,
		FFmpeg:  tool,
		Logger:  logger.With("runner", "hls"),
	})
	runner := job.NewMuxRunner(ytdlpRunner)
	runner.Handle(hls.IsPlaylistURL, hlsRunner)

	mgr := job.NewManager(runner, job.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		GracePeriod:   time.Duration(cfg.GracePeriod),
		PollInterval:  time.Duration(cfg.PollInterval),
		MaxFileSize:   cfg.MaxFileSize,
	},
		job.WithLogger(logger),
		job.WithMetrics(job.NewMetrics(otel.GetMeterProvider())),
		job.WithTracerProvider(otel.GetTracerProvider()),
		job.WithArtifacts(files),
		job.WithHistory(history),
	)
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	srv := server.NewServer(mgr, history, files, server.Options{
		Port:           cfg.ListenPort,
		AllowedOrigins: cfg.AllowedOrigins,
		SubmitRate:     cfg.SubmitRate,
		SubmitBurst:    cfg.SubmitBurst,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// close listeners before the HTTP server waits on their handlers
	stopErr := mgr.Stop(shutdownCtx)
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		logger.Error("http shutdown", "error", serr)
	}
	if err != nil {
		return err
	}
	return stopErr
}
