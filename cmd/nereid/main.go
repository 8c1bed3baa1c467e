// Command nereid runs the DeepSea-AI dashboard backend: the REST API,
// the WebSocket update stream, and the analysis pipeline runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/deepsea-ai/nereid/internal/config"
	"github.com/deepsea-ai/nereid/internal/pipeline"
	"github.com/deepsea-ai/nereid/internal/ratelimit"
	"github.com/deepsea-ai/nereid/internal/server"
	"github.com/deepsea-ai/nereid/internal/store"
	"github.com/deepsea-ai/nereid/internal/telemetry"
	"github.com/deepsea-ai/nereid/ui"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("NEREID_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("nereid starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry. Disabled when no endpoint is configured.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Uploads land here before the pipeline picks them up.
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}

	st := store.New(logger)

	// Preload demo jobs so a fresh deployment has something to show.
	if cfg.SeedPath != "" {
		if n, err := st.LoadSeed(cfg.SeedPath); err != nil {
			logger.Warn("seed load failed", "path", cfg.SeedPath, "error", err)
		} else {
			logger.Info("seed loaded", "jobs", n)
		}
	}

	// Retention sweep for terminal jobs (0 TTL disables it).
	if cfg.RetentionTTL > 0 {
		retention, err := store.NewRetention(st, cfg.RetentionTTL, cfg.RetentionSchedule, logger)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		retention.Start()
		defer retention.Stop()
	} else {
		logger.Info("retention sweep: disabled")
	}

	// Stage definitions: built-in pipeline shape unless a YAML override
	// file is configured.
	stages := pipeline.DefaultStages()
	if cfg.StageConfigPath != "" {
		if stages, err = pipeline.LoadStages(cfg.StageConfigPath); err != nil {
			return fmt.Errorf("stage config: %w", err)
		}
		logger.Info("stage config loaded", "path", cfg.StageConfigPath, "stages", len(stages))
	}

	hub := server.NewHub(st, logger)

	runner := pipeline.New(ctx, st, hub, pipeline.Config{
		Stages:         stages,
		OnStageError:   pipeline.ErrorPolicy(cfg.OnStageError),
		MaxJobDuration: cfg.MaxJobDuration,
		ArtifactRoot:   cfg.ArtifactRoot,
		Logger:         logger,
	})

	// Load embedded UI filesystem (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded SPA loaded")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:          st,
		Runner:         runner,
		Hub:            hub,
		Logger:         logger,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Version:        version,
		UploadsDir:     cfg.UploadsDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Limiter:        limiter,
		UIFS:           uiFS,
	})

	// Serve until the signal context fires or the listener fails.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// In-flight uploads get a bounded drain; running jobs observe the
		// canceled base context and fail with a cancellation message.
		slog.Info("nereid shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		return srv.Shutdown(httpCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("nereid stopped")
	return nil
}
