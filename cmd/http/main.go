package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/endpoints"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/runner"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/server"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/upload"
)

func main() {
	cfg := config.Load()

	// Initialize structured logging
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(jsonHandler))

	st := store.New(cfg.UploadDir, cfg.OutputDir, cfg.KaraokeSubdir)
	if err := st.EnsureDirs(); err != nil {
		slog.Error("Failed to create storage directories", "error", err)
		os.Exit(1)
	}

	// A misspelled chain entry would otherwise only surface as a failed
	// auto-process run after the first upload.
	var chain []string
	for _, name := range cfg.AutoProcessChain {
		if _, err := store.ParseStage(name); err != nil {
			slog.Warn("Dropping unknown stage from AUTO_PROCESS_CHAIN", "stage", name)
			continue
		}
		chain = append(chain, name)
	}
	cfg.AutoProcessChain = chain

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := progress.NewBus(cfg.ProgressQueueSize)
	tracker := jobs.NewTracker()
	tracker.StartJanitor(ctx, 10*time.Minute, time.Hour)

	var prober gpu.Prober
	if cfg.CISmokeMode {
		prober = &gpu.StaticProber{}
	} else {
		prober = gpu.NewCommandProber()
	}
	gpuStatus := prober.Probe(ctx)
	slog.Info("GPU probe",
		"available", gpuStatus.Available,
		"gpu_count", gpuStatus.GPUCount,
		"torch_installed", gpuStatus.TorchInstalled)

	registry := processors.NewRegistry(cfg, st)
	stages := runner.New(st, registry, bus, tracker, prober, cfg.HeavyWorkerCount(gpuStatus.GPUCount))
	uploads := upload.New(cfg, st, stages)

	srv := server.New(cfg, &endpoints.Deps{
		Config:   cfg,
		Store:    st,
		Registry: registry,
		Runner:   stages,
		Uploads:  uploads,
		Bus:      bus,
		Tracker:  tracker,
		Prober:   prober,
	})

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("Karaoke backend started",
		"port", cfg.Port,
		"upload_dir", cfg.UploadDir,
		"output_dir", cfg.OutputDir,
		"smoke_mode", cfg.CISmokeMode)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	} else {
		slog.Info("Server exited gracefully")
	}
	bus.Close()
}
