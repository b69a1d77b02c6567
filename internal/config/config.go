// Package config defines the chromafield engine's static configuration:
// sample rate, block size, downmix strategy, Φ source defaults, adaptive
// controller gains, compensation bounds, and listen addresses. Loaded from
// YAML and overridable by CLI flags, mirroring the channel/TNC config
// pattern elsewhere in this corpus.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables for one chromafieldd instance.
type Config struct {
	Audio    Audio  `yaml:"audio" validate:"required"`
	Phi      Phi    `yaml:"phi" validate:"required"`
	Adaptive Adaptive `yaml:"adaptive" validate:"required"`
	Downmix  Downmix `yaml:"downmix" validate:"required"`
	Latency  Latency `yaml:"latency" validate:"required"`
	Listen   Listen  `yaml:"listen" validate:"required"`
	LogLevel string  `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Audio covers device sample rate and block size (§6, §4.7).
type Audio struct {
	SampleRate float64 `yaml:"sample_rate_hz" validate:"required,gt=0"`
	BlockSize  int     `yaml:"block_size" validate:"required,gt=0"`
	Device     string  `yaml:"device" validate:"omitempty,oneof=portaudio headless"`
}

// Phi covers the default Φ-modulation source and manual parameters (§4.2).
type Phi struct {
	Source         string  `yaml:"source" validate:"required,oneof=manual audio_envelope internal_oscillator external_sensor"`
	ManualPhase    float64 `yaml:"manual_phase" validate:"gte=0,lt=6.2831853"`
	ManualDepth    float64 `yaml:"manual_depth" validate:"gte=0,lte=1"`
	InternalRateHz float64 `yaml:"internal_rate_hz" validate:"gt=0"`
}

// Adaptive covers the adaptive controller's initial gains and enablement
// (§4.6).
type Adaptive struct {
	Enabled bool    `yaml:"enabled"`
	Gain    float64 `yaml:"gain_k" validate:"gte=0"`
	Gamma   float64 `yaml:"gain_gamma" validate:"gte=0"`
}

// Downmix selects the initial downmix strategy (§4.3).
type Downmix struct {
	Strategy string `yaml:"strategy" validate:"required,oneof=linear energy spatial phi"`
}

// Latency holds the compensation-offset settings (§4.4). MinCompensationMs
// seeds the pipeline's initial offset at startup; MaxCompensationMs is only
// validated. The control API's own clamp is fixed at [0, 200] ms (§6
// set_compensation_offset_ms) and does not read these fields.
type Latency struct {
	MinCompensationMs float64 `yaml:"min_compensation_ms" validate:"gte=0"`
	MaxCompensationMs float64 `yaml:"max_compensation_ms" validate:"gtfield=MinCompensationMs"`
}

// Listen covers the WebSocket/HTTP control-API listen addresses.
type Listen struct {
	HTTPAddr string `yaml:"http_addr" validate:"required,hostname_port"`
}

var validate = validator.New()

// Default returns the configuration baseline matching spec.md's stated
// defaults (48kHz, 512-sample blocks, linear downmix, internal Φ source).
func Default() Config {
	return Config{
		Audio: Audio{
			SampleRate: 48000,
			BlockSize:  512,
			Device:     "portaudio",
		},
		Phi: Phi{
			Source:         "internal_oscillator",
			ManualPhase:    0,
			ManualDepth:    0.5,
			InternalRateHz: 0.6180339887498949, // φ⁻¹
		},
		Adaptive: Adaptive{
			Enabled: true,
			Gain:    0.25,
			Gamma:   0.1,
		},
		Downmix:  Downmix{Strategy: "linear"},
		Latency:  Latency{MinCompensationMs: 0, MaxCompensationMs: 200},
		Listen:   Listen{HTTPAddr: "0.0.0.0:8080"},
		LogLevel: "info",
	}
}

// Load reads a YAML config file, falling back to Default() field-by-field
// for anything the file omits, and validates the result. On validation
// failure the returned error describes every violated bound; the caller
// should treat this as fatal at startup rather than silently proceeding
// with an out-of-range value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs struct-tag bound checks (spec §7 "Parameter-bound
// violations"). It never mutates cfg.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
