package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/offline"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		offlinePath string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-scribe.yaml", "Path to configuration file")
	flag.StringVar(&offlinePath, "offline", "", "Re-transcribe a recording (WAV path, or \"latest\") and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: runtime.ParseLogLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if offlinePath != "" {
		if err := runOffline(ctx, cfg, offlinePath, logger); err != nil {
			logger.Error("offline transcription failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func runOffline(ctx context.Context, cfg config.Config, path string, logger *slog.Logger) error {
	if path == "latest" {
		latest, err := recorder.Latest(cfg.Recorder.Directory)
		if err != nil {
			return err
		}
		path = latest
	}
	rt, err := inference.NewRuntime(cfg.Inference)
	if err != nil {
		return err
	}
	tr, err := offline.New(cfg, rt, logger)
	if err != nil {
		return err
	}
	res, err := tr.TranscribeFile(ctx, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
