package config

import (
	"github.com/spf13/pflag"
)

// Flags holds the CLI overrides recognised by chromafieldd, in the same
// "pointer-per-flag, apply only if changed" style as direwolf's main.go.
type Flags struct {
	ConfigFile string

	sampleRate  *float64
	blockSize   *int
	device      *string
	phiSource   *string
	downmix     *string
	httpAddr    *string
	adaptiveOff *bool
	logLevel    *string
}

// RegisterFlags defines the flag set on fs (typically pflag.CommandLine)
// and returns the handle whose Apply method is used after fs.Parse.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVarP(&f.ConfigFile, "config-file", "c", "", "YAML configuration file.")
	f.sampleRate = fs.Float64P("sample-rate", "r", 0, "Audio sample rate in Hz. 0 keeps the config/default value.")
	f.blockSize = fs.IntP("block-size", "b", 0, "Audio block size in samples. 0 keeps the config/default value.")
	f.device = fs.StringP("device", "d", "", "Audio device backend: portaudio or headless.")
	f.phiSource = fs.StringP("phi-source", "p", "", "Initial Φ-modulation source.")
	f.downmix = fs.StringP("downmix", "m", "", "Initial downmix strategy.")
	f.httpAddr = fs.StringP("listen", "l", "", "HTTP/WebSocket listen address.")
	f.adaptiveOff = fs.Bool("no-adaptive", false, "Disable the adaptive Φ controller at startup.")
	f.logLevel = fs.StringP("log-level", "v", "", "Log level: debug, info, warn, error.")
	return f
}

// Apply overlays any explicitly-set flags onto cfg, returning the merged
// result. Flags left at their zero value are treated as "not set" and leave
// the underlying config field untouched.
func (f *Flags) Apply(cfg Config) Config {
	if f.sampleRate != nil && *f.sampleRate > 0 {
		cfg.Audio.SampleRate = *f.sampleRate
	}
	if f.blockSize != nil && *f.blockSize > 0 {
		cfg.Audio.BlockSize = *f.blockSize
	}
	if f.device != nil && *f.device != "" {
		cfg.Audio.Device = *f.device
	}
	if f.phiSource != nil && *f.phiSource != "" {
		cfg.Phi.Source = *f.phiSource
	}
	if f.downmix != nil && *f.downmix != "" {
		cfg.Downmix.Strategy = *f.downmix
	}
	if f.httpAddr != nil && *f.httpAddr != "" {
		cfg.Listen.HTTPAddr = *f.httpAddr
	}
	if f.adaptiveOff != nil && *f.adaptiveOff {
		cfg.Adaptive.Enabled = false
	}
	if f.logLevel != nil && *f.logLevel != "" {
		cfg.LogLevel = *f.logLevel
	}
	return cfg
}
