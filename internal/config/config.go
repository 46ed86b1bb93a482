// Package config provides the configuration schema, loader, and backend
// registry for the speakflow voice coaching client.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Audio    AudioConfig    `yaml:"audio"`
	Coaching CoachingConfig `yaml:"coaching"`
	History  HistoryConfig  `yaml:"history"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig selects and configures the live voice provider.
type LiveConfig struct {
	// Provider is the registered provider name (e.g., "gemini-live").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. When empty, the GEMINI_API_KEY
	// and API_KEY environment variables are consulted.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// APIVersion overrides the provider API version.
	APIVersion string `yaml:"api_version"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`

	// Voice is the prebuilt synthesis voice.
	Voice string `yaml:"voice"`

	// InputTranscription enables transcription of the user's speech.
	// Defaults to true.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription enables transcription of the model's speech.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`

	// SendQueue is the number of outbound chunks buffered before sends are
	// dropped.
	SendQueue int `yaml:"send_queue"`
}

// AudioConfig selects and configures the audio device backend.
type AudioConfig struct {
	// Backend is the registered backend name ("ffmpeg" or "portaudio").
	Backend string `yaml:"backend"`

	// InputDevice names the capture device. Backend-specific; empty selects
	// the system default.
	InputDevice string `yaml:"input_device"`

	// CaptureRate is the microphone sample rate in Hz.
	CaptureRate int `yaml:"capture_rate"`

	// BlockSize is the number of samples per captured frame.
	BlockSize int `yaml:"block_size"`

	// OutputRate is the playback sample rate in Hz.
	OutputRate int `yaml:"output_rate"`

	// OutputChannels is the playback channel count (1 or 2).
	OutputChannels int `yaml:"output_channels"`

	// FFmpegPath and FFplayPath locate the binaries used by the ffmpeg
	// backend. Empty means look up in PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`
}

// CoachingConfig personalises the coach's system instruction.
type CoachingConfig struct {
	Level          Level  `yaml:"level"`
	Goal           Goal   `yaml:"goal"`
	NativeLanguage string `yaml:"native_language"`
}

// HistoryConfig bounds the in-process session history.
type HistoryConfig struct {
	// MaxSessions is the number of past sessions retained, newest first.
	MaxSessions int `yaml:"max_sessions"`
}

// Enabled dereferences an optional flag, returning def when unset.
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}
