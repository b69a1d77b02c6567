// Command chromafieldd runs the chromatic field consciousness-metrics
// engine: it wires configuration into an audio pipeline, starts the fan-out
// bus, and serves the WebSocket telemetry + HTTP control surfaces until
// interrupted.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"chromafield/internal/api"
	"chromafield/internal/config"
	"chromafield/internal/mix"
	"chromafield/internal/phi"
	"chromafield/internal/pipeline"
)

func main() {
	flags := config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	cfg = flags.Apply(cfg)
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("[config] %v", err)
	}

	slog.SetLogLoggerLevel(parseLogLevel(cfg.LogLevel))

	device, err := newDevice(cfg)
	if err != nil {
		log.Fatalf("[device] %v", err)
	}

	pipe := pipeline.New(device)
	if err := applyInitialConfig(pipe, cfg); err != nil {
		log.Fatalf("[config] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[chromafieldd] shutting down...")
		cancel()
	}()

	if err := pipe.Start(ctx, false); err != nil {
		log.Fatalf("[pipeline] %v", err)
	}
	log.Printf("[pipeline] running: sample_rate=%.0f block_size=%d", cfg.Audio.SampleRate, cfg.Audio.BlockSize)

	server := api.New(pipe)
	log.Printf("[api] listening on %s", cfg.Listen.HTTPAddr)
	if err := server.Run(ctx, cfg.Listen.HTTPAddr); err != nil {
		log.Printf("[api] %v", err)
	}

	if err := pipe.Stop(); err != nil {
		log.Printf("[pipeline] stop: %v", err)
	}
	log.Println("[chromafieldd] stopped")
}

func newDevice(cfg config.Config) (pipeline.Device, error) {
	switch cfg.Audio.Device {
	case "headless":
		return pipeline.NewHeadlessDevice(cfg.Audio.SampleRate, cfg.Audio.BlockSize)
	default:
		return pipeline.NewPortAudioDevice(cfg.Audio.SampleRate, cfg.Audio.BlockSize)
	}
}

// applyInitialConfig seeds the pipeline's sub-controllers from cfg before
// Start is called, mirroring apply_preset's per-field application order.
func applyInitialConfig(pipe *pipeline.Pipeline, cfg config.Config) error {
	strat, err := mix.ParseStrategy(cfg.Downmix.Strategy)
	if err != nil {
		return err
	}
	pipe.SetDownmixStrategy(strat)

	source, err := phi.ParseSourceKind(cfg.Phi.Source)
	if err != nil {
		return err
	}
	pipe.PhiController().SetSource(source)
	pipe.PhiController().SetManual(cfg.Phi.ManualPhase, cfg.Phi.ManualDepth)
	pipe.PhiController().SetInternalRate(cfg.Phi.InternalRateHz)

	pipe.Adaptive().SetEnabled(cfg.Adaptive.Enabled)
	pipe.Adaptive().SetGains(cfg.Adaptive.Gain, cfg.Adaptive.Gamma)

	pipe.SetCompensationOffsetMs(cfg.Latency.MinCompensationMs)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
