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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stt-telemetry-service/internal/audio/capture"
	"github.com/skypro1111/stt-telemetry-service/internal/auth"
	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/logging"
	"github.com/skypro1111/stt-telemetry-service/internal/metrics"
	"github.com/skypro1111/stt-telemetry-service/internal/server"
	"github.com/skypro1111/stt-telemetry-service/internal/stream"
	"github.com/skypro1111/stt-telemetry-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stt-telemetry-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listDevices := flag.Bool("list-devices", false, "List audio input devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	secrets := auth.NewSecretStore(cfg.Auth.SecretPath)
	if _, err := secrets.GetOrCreate(); err != nil {
		return fmt.Errorf("failed to prepare UDP secret: %w", err)
	}
	defer func() {
		if err := secrets.Cleanup(); err != nil {
			logger.Warn("Failed to remove UDP secret", slog.String("error", err.Error()))
		}
	}()
	logger.Info("UDP secret ready", slog.String("path", secrets.Path()))

	streamer := server.NewStreamer(&cfg.Server, cfg.Telemetry.SourceID, secrets, logger, appMetrics)
	if err := streamer.Start(); err != nil {
		return err
	}

	source, err := capture.NewPortAudioSource(capture.Config{
		DeviceID:        cfg.Audio.DeviceID,
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		Latency:         capture.LatencyMode(cfg.Audio.Latency),
	})
	if err != nil {
		return fmt.Errorf("failed to open audio input: %w", err)
	}
	defer source.Close()
	logger.Info("Audio input opened",
		slog.String("device", source.DeviceName()),
		slog.Int("sample_rate", source.SampleRate()),
		slog.Int("channels", cfg.Audio.Channels),
	)

	// a nil *transcription.Client must not reach the manager as a non-nil
	// interface
	var (
		transcriber   transcription.Transcriber
		transcriptCli *transcription.Client
	)
	if cfg.Transcription.Enabled {
		transcriptCli, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			Language:      cfg.Transcription.Language,
		}, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create transcription client: %w", err)
		}
		defer transcriptCli.Close()
		transcriber = transcriptCli
		logger.Info("Transcription enabled", slog.String("endpoint", cfg.Transcription.Endpoint))
	}

	manager, err := stream.NewManager(source, streamer, transcriber, stream.Config{
		VAD:              cfg.VAD.EngineConfig(),
		BandCount:        cfg.Telemetry.BandCount,
		FFTSize:          cfg.Telemetry.FFTSize,
		BroadcastSamples: cfg.Telemetry.BroadcastSamples,
		HistorySize:      cfg.Telemetry.SessionHistory,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamer.Run(gctx) })
	g.Go(func() error { return streamer.RunCleanup(gctx) })
	g.Go(func() error { return manager.Run(gctx) })

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, manager, streamer, appMetrics).
			WithGatherer(registry)
		if transcriptCli != nil {
			httpServer.WithTranscription(transcriptCli)
		}
		g.Go(func() error { return httpServer.Run(gctx) })
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", streamer.LocalAddr().String()),
	)

	err = g.Wait()

	stats := streamer.GetStatistics()
	loop := manager.GetStats()
	logger.Info("Final statistics",
		slog.Uint64("packets_sent", stats.PacketsSent),
		slog.Uint64("registrations", stats.Registrations),
		slog.Uint64("auth_failures", stats.AuthFailures),
		slog.Uint64("sessions", loop.SessionsFinished),
	)
	return err
}

func printDevices() error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}
