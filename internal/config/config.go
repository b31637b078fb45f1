// Package config provides the configuration schema and loader for the Adacab
// voice bridge.
package config

import "fmt"

// Config is the root configuration structure, loaded from a YAML file via
// [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Audio    AudioConfig    `yaml:"audio"`
	RTP      RTPConfig      `yaml:"rtp"`
	Backends BackendsConfig `yaml:"backends"`
	Session  SessionConfig  `yaml:"session"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address of the /metrics endpoint (e.g., ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// RealtimeConfig selects and authenticates the realtime speech API.
type RealtimeConfig struct {
	// APIKey authenticates against the realtime endpoint.
	APIKey string `yaml:"api_key"`

	// BaseURL is the WebSocket endpoint. Default:
	// "wss://api.openai.com/v1/realtime".
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model name appended as a query parameter.
	Model string `yaml:"model"`

	// Voice is the synthesis voice.
	Voice string `yaml:"voice"`

	// TranscriptionModel transcribes caller audio. Default: "whisper-1".
	TranscriptionModel string `yaml:"transcription_model"`

	// Temperature is the sampling temperature for responses.
	Temperature float64 `yaml:"temperature"`

	// Instructions is the base system prompt installed at session start.
	Instructions string `yaml:"instructions"`
}

// URL returns the full dial URL including the model parameter.
func (c RealtimeConfig) URL() string {
	base := c.BaseURL
	if base == "" {
		base = "wss://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		return base
	}
	return fmt.Sprintf("%s?model=%s", base, c.Model)
}

// AudioConfig holds the media-path settings.
type AudioConfig struct {
	// Codec is the G.711 variant of the SIP leg: "alaw" or "ulaw".
	Codec string `yaml:"codec"`
}

// RTPConfig holds the RTP media socket settings.
type RTPConfig struct {
	// BindHost is the local IP media sockets bind to.
	BindHost string `yaml:"bind_host"`

	// PortRangeStart / PortRangeEnd bound the local media port allocation.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
}

// BackendsConfig points at the geocoding and dispatch services.
type BackendsConfig struct {
	// GeocodeURL is the base URL of the geocoding service.
	GeocodeURL string `yaml:"geocode_url"`

	// DispatchURL is the base URL of the dispatch service.
	DispatchURL string `yaml:"dispatch_url"`

	// TimeoutSeconds is the per-request timeout. Default: 10.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// BreakerMaxFailures and BreakerCooldownSeconds tune the circuit breaker
	// guarding both services. Zero values keep the built-in defaults.
	BreakerMaxFailures     int `yaml:"breaker_max_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// SessionConfig tunes the per-call lifecycle.
type SessionConfig struct {
	// NoReplyTimeoutSeconds re-prompts a silent caller. Default: 15.
	NoReplyTimeoutSeconds int `yaml:"no_reply_timeout_seconds"`

	// ConfirmNoReplyTimeoutSeconds applies while awaiting the confirmation
	// yes/no. Default: 30.
	ConfirmNoReplyTimeoutSeconds int `yaml:"confirm_no_reply_timeout_seconds"`

	// MaxSilentReprompts bounds unanswered re-prompts before hangup. Default: 3.
	MaxSilentReprompts int `yaml:"max_silent_reprompts"`

	// MaxConcurrentCalls bounds simultaneous live calls. Default: 10.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// AnalyzerConfig selects the turn analyzer implementation.
type AnalyzerConfig struct {
	// Mode is "rules" (default) or "llm".
	Mode string `yaml:"mode"`

	// Model is the chat model for llm mode. Default: "gpt-4o-mini".
	Model string `yaml:"model"`

	// APIKey for llm mode; falls back to the realtime key when empty.
	APIKey string `yaml:"api_key"`
}
