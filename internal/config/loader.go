package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/provider/live/gemini"
)

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini-live"},
	"audio": {"ffmpeg", "portaudio"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLiveProvider = "gemini-live"
	DefaultVoice        = "Zephyr"
	DefaultAudioBackend = "ffmpeg"
	DefaultMaxSessions  = 50
)

// apiKeyEnv lists the environment variables consulted, in order, when
// live.api_key is empty.
var apiKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// environment fallbacks, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills settings that may come from the environment. lookup has the
// signature of [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Live.APIKey != "" {
		return
	}
	for _, key := range apiKeyEnv {
		if v, ok := lookup(key); ok && v != "" {
			cfg.Live.APIKey = v
			return
		}
	}
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultLiveProvider
	}
	if cfg.Live.Model == "" {
		cfg.Live.Model = gemini.DefaultModel
	}
	if cfg.Live.Voice == "" {
		cfg.Live.Voice = DefaultVoice
	}

	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = audio.CaptureSampleRate
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = audio.DefaultBlockSize
	}
	if cfg.Audio.OutputRate == 0 {
		cfg.Audio.OutputRate = audio.PlaybackSampleRate
	}
	if cfg.Audio.OutputChannels == 0 {
		cfg.Audio.OutputChannels = 1
	}

	if cfg.Coaching.Level == "" {
		cfg.Coaching.Level = DefaultLevel
	}
	if cfg.Coaching.Goal == "" {
		cfg.Coaching.Goal = DefaultGoal
	}
	if cfg.Coaching.NativeLanguage == "" {
		cfg.Coaching.NativeLanguage = DefaultLanguage
	}

	if cfg.History.MaxSessions == 0 {
		cfg.History.MaxSessions = DefaultMaxSessions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Unknown backend names only warn; the registry decides.
	validateProviderName("live", cfg.Live.Provider)
	validateProviderName("audio", cfg.Audio.Backend)

	// Live
	if cfg.Live.APIKey == "" {
		errs = append(errs, errors.New("live.api_key is required (or set GEMINI_API_KEY)"))
	}
	if cfg.Live.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("live.send_queue %d must not be negative", cfg.Live.SendQueue))
	}

	// Audio
	if cfg.Audio.CaptureRate < 8000 || cfg.Audio.CaptureRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is out of range [8000, 192000]", cfg.Audio.CaptureRate))
	} else if cfg.Audio.CaptureRate != audio.CaptureSampleRate {
		slog.Warn("audio.capture_rate differs from the protocol reference rate; the remote end must accept it",
			"capture_rate", cfg.Audio.CaptureRate, "reference", audio.CaptureSampleRate)
	}
	if cfg.Audio.OutputRate < 8000 || cfg.Audio.OutputRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d is out of range [8000, 192000]", cfg.Audio.OutputRate))
	}
	if cfg.Audio.BlockSize < 64 || cfg.Audio.BlockSize > 65536 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [64, 65536]", cfg.Audio.BlockSize))
	}
	if cfg.Audio.OutputChannels != 1 && cfg.Audio.OutputChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is invalid; valid values: 1, 2", cfg.Audio.OutputChannels))
	}

	// Coaching
	if !cfg.Coaching.Level.IsValid() {
		errs = append(errs, fmt.Errorf("coaching.level %q is invalid; valid values: beginner, intermediate, advanced", cfg.Coaching.Level))
	}
	if !cfg.Coaching.Goal.IsValid() {
		errs = append(errs, fmt.Errorf("coaching.goal %q is not a known practice goal", cfg.Coaching.Goal))
	}
	if !slices.Contains(Languages, cfg.Coaching.NativeLanguage) {
		errs = append(errs, fmt.Errorf("coaching.native_language %q is not supported", cfg.Coaching.NativeLanguage))
	}

	// History
	if cfg.History.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("history.max_sessions %d must not be negative", cfg.History.MaxSessions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in the known list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if !slices.Contains(known, name) {
		slog.Warn("unknown provider name; it must be registered explicitly",
			"kind", kind, "name", name, "known", known)
	}
}
