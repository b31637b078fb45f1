package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLogLevels lists accepted server.log_level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validCodecs lists accepted audio.codec values.
var validCodecs = []string{"alaw", "ulaw"}

// validAnalyzerModes lists accepted analyzer.mode values.
var validAnalyzerModes = []string{"", "rules", "llm"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("config: server.log_level %q is not one of %v", cfg.Server.LogLevel, validLogLevels))
	}

	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("config: realtime.api_key is required"))
	}
	if cfg.Realtime.Model == "" {
		errs = append(errs, errors.New("config: realtime.model is required"))
	}

	if cfg.Audio.Codec != "" && !slices.Contains(validCodecs, cfg.Audio.Codec) {
		errs = append(errs, fmt.Errorf("config: audio.codec %q is not one of %v", cfg.Audio.Codec, validCodecs))
	}

	if cfg.RTP.PortRangeStart != 0 || cfg.RTP.PortRangeEnd != 0 {
		if cfg.RTP.PortRangeStart <= 0 || cfg.RTP.PortRangeEnd <= 0 {
			errs = append(errs, errors.New("config: rtp.port_range_start and rtp.port_range_end must both be set"))
		} else if cfg.RTP.PortRangeEnd < cfg.RTP.PortRangeStart {
			errs = append(errs, errors.New("config: rtp.port_range_end must not be below rtp.port_range_start"))
		}
	}

	if cfg.Backends.GeocodeURL == "" {
		errs = append(errs, errors.New("config: backends.geocode_url is required"))
	}
	if cfg.Backends.DispatchURL == "" {
		errs = append(errs, errors.New("config: backends.dispatch_url is required"))
	}
	if cfg.Backends.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("config: backends.timeout_seconds must not be negative"))
	}

	if cfg.Session.MaxSilentReprompts < 0 {
		errs = append(errs, errors.New("config: session.max_silent_reprompts must not be negative"))
	}
	if cfg.Session.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("config: session.max_concurrent_calls must not be negative"))
	}

	if !slices.Contains(validAnalyzerModes, cfg.Analyzer.Mode) {
		errs = append(errs, fmt.Errorf("config: analyzer.mode %q is not one of [rules llm]", cfg.Analyzer.Mode))
	}
	if cfg.Analyzer.Mode == "llm" && cfg.Analyzer.APIKey == "" && cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("config: analyzer.api_key is required for llm mode when realtime.api_key is empty"))
	}

	return errors.Join(errs...)
}
