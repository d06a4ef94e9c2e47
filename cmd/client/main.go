package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/skypro1111/stt-telemetry-service/internal/auth"
	"github.com/skypro1111/stt-telemetry-service/internal/client"
	"github.com/skypro1111/stt-telemetry-service/internal/config"
	"github.com/skypro1111/stt-telemetry-service/internal/logging"
	"github.com/skypro1111/stt-telemetry-service/internal/meter"
)

const (
	defaultConfigPath = "configs/config.yaml"
	barWidth          = 40
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	address := flag.String("server", "", "Telemetry server address, overrides client.server_address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Client.ServerAddress = *address
	}

	// the meter owns stdout
	if cfg.Logging.Output == "stdout" || cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		ServerAddress:       cfg.Client.ServerAddress,
		ClientType:          cfg.Client.ClientType,
		KeepaliveInterval:   cfg.Client.GetKeepaliveDuration(),
		LivenessTimeout:     cfg.Client.GetLivenessTimeoutDuration(),
		RegistrationTimeout: cfg.Client.GetRegistrationTimeoutDuration(),
		RateLimitCapacity:   cfg.Client.RateLimitCapacity,
		RateLimitRefill:     cfg.Client.RateLimitRefill,
		RetryInitialDelay:   cfg.Client.GetRetryInitialDelay(),
		RetryMaxDelay:       cfg.Client.GetRetryMaxDelay(),
		ReconnectDelay:      cfg.Client.GetReconnectDelay(),
	}, auth.NewSecretStore(cfg.Auth.SecretPath), logger, nil)

	updates, unsubscribe := c.Subscribe(64)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	status := meter.RecordingIdle
	for {
		select {
		case err := <-done:
			fmt.Println()
			if err != nil {
				logger.Error("Client stopped", slog.String("error", err.Error()))
				os.Exit(1)
			}
			stats := c.Stats()
			logger.Info("Client stopped",
				slog.Uint64("received", stats.Decoder.Received),
				slog.Uint64("rate_limited", stats.Decoder.RateLimited),
				slog.Uint64("malformed", stats.Decoder.Malformed),
			)
			return
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			switch u.Kind {
			case meter.UpdateLevel:
				fmt.Print("\r" + renderLevel(u.Level, status))
			case meter.UpdateRecording:
				status = u.Recording
				fmt.Printf("\n[%s]\n", status)
			case meter.UpdateTranscript:
				if u.Transcript.Final {
					fmt.Printf("\n> %s (%.0f%%)\n", u.Transcript.Text, u.Transcript.Confidence*100)
				}
			}
		}
	}
}

// renderLevel draws one meter line: bar, level in dB, speech flag
func renderLevel(l meter.Level, status meter.RecordingStatus) string {
	filled := int(l.Display*barWidth + 0.5)
	filled = min(max(filled, 0), barWidth)

	speech := " "
	if l.IsSpeech {
		speech = "*"
	}
	rec := "  "
	if status == meter.RecordingActive {
		rec = "REC"
	}
	return fmt.Sprintf("[%s%s] %6.1f dB %s %-3s",
		strings.Repeat("#", filled), strings.Repeat(" ", barWidth-filled), l.DB, speech, rec)
}
