package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediamill/api"
	"mediamill/collab"
	"mediamill/config"
	"mediamill/events"
	"mediamill/runner"
	"mediamill/sched"
	"mediamill/task"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if cfg.WorkDir == "" {
		dir, err := os.MkdirTemp("", "mediamill_")
		if err != nil {
			log.Error("failed to create work dir", "err", err)
			os.Exit(1)
		}
		cfg.WorkDir = dir
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Error("failed to initialize task store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := events.NewHub()
	procs := runner.New(cfg.GraceTimeout, log)

	encoder, err := collab.NewFFmpegTranscoder(cfg.FFBin, cfg.FFprobeBin, procs)
	if err != nil {
		log.Error("failed to initialize transcoder", "err", err)
		os.Exit(1)
	}

	var translator collab.Translator = collab.NoopTranslator{}
	if cfg.TranslateURL != "" {
		translator = collab.NewHTTPTranslator(cfg.TranslateURL, 30*time.Second)
	}

	exec := &sched.Executor{
		Fetcher:       collab.NewHTTPFetcher(30*time.Second, log),
		Encoder:       encoder,
		Transcriber:   collab.NewCLITranscriber(cfg.WhisperBin, procs, encoder.Probe, log),
		Translator:    translator,
		WorkDir:       cfg.WorkDir,
		StageTimeout:  cfg.StageTimeout,
		ChunkSize:     cfg.ChunkSize,
		MinFreeDisk:   uint64(cfg.ThrottleFreeDisk),
		MinIdleCPUPct: 100 - cfg.ThrottleCPU,
		MinFreeMem:    uint64(cfg.ThrottleFreeMem),
		Log:           log,
	}

	retry := sched.NewRetryPolicy()
	retry.SlowRateBps = float64(cfg.SlowRateThreshold)

	scheduler := sched.New(
		sched.Options{MaxConcurrent: cfg.MaxConcurrency, DefaultMaxRetries: cfg.MaxRetries},
		store, hub, exec,
		sched.NewResumeManager(log), retry, sched.NewAggregator(hub), log,
	)

	router := api.SetupRouter(scheduler, hub, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	go cleanupLoop(ctx, scheduler, cfg.WorkDir, cfg.OutputLocalLifetime, log)

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warn("scheduler shutdown incomplete", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "err", err)
	}

	log.Info("server exiting")
}

func buildStore(cfg *config.Config) (task.Store, error) {
	if cfg.StoreBackend == "redis" {
		return task.NewRedisStore(task.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return task.NewMemoryStore(), nil
}

// cleanupLoop removes expired local artifacts from the work dir and evicts
// terminal tasks past the same lifetime. Outputs are served over the files
// endpoint for OutputLocalLifetime after creation; evicted tasks remain
// queryable through history.
func cleanupLoop(ctx context.Context, scheduler *sched.Scheduler, dir string, lifetime time.Duration, log *slog.Logger) {
	if lifetime <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		scheduler.EvictTerminal(ctx, lifetime)

		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn("cleanup scan failed", "dir", dir, "err", err)
			continue
		}
		cutoff := time.Now().Add(-lifetime)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Warn("cleanup remove failed", "path", path, "err", err)
			} else {
				log.Info("expired artifact removed", "path", path)
			}
		}
	}
}
