package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxRequestBodyBytes <= 0 {
		return errors.New("server.max_request_body_bytes must be positive")
	}

	if err := validateModelConfig(cfg.Model); err != nil {
		return err
	}

	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	if cfg.Metrics.MetricsEnabled() {
		if err := ValidateMetricsPath(cfg.Metrics.Path); err != nil {
			return err
		}
	}

	return nil
}

// ReservedPaths are served by the API itself and cannot host the metrics endpoint.
var ReservedPaths = []string{"/", "/analyze", "/healthz", "/readyz"}

// ValidateMetricsPath reports whether p can be mounted next to the API routes.
func ValidateMetricsPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", p)
	}
	if strings.ContainsAny(p, " \t{}?#") {
		return fmt.Errorf("metrics.path must be a plain path, got %q", p)
	}
	for _, r := range ReservedPaths {
		if p == r {
			return fmt.Errorf("metrics.path %q is already used by the API", p)
		}
	}
	return nil
}

func validateModelConfig(m ModelConfig) error {
	switch strings.ToLower(strings.TrimSpace(m.Backend)) {
	case BackendONNX:
		if m.SeqLen < 8 || m.SeqLen > 4096 {
			return fmt.Errorf("model.seq_len must be between 8 and 4096, got %d", m.SeqLen)
		}
		if m.Sessions < 1 {
			return fmt.Errorf("model.sessions must be at least 1, got %d", m.Sessions)
		}
		if m.IntraThreads < 0 || m.InterThreads < 0 {
			return errors.New("model.intra_threads and model.inter_threads must not be negative")
		}
		if strings.TrimSpace(m.Dir) == "" {
			if strings.TrimSpace(m.Repo) == "" {
				return errors.New("model.repo must be set when model.dir is empty")
			}
			if err := validateHTTPURL("model.hub_url", m.HubURL); err != nil {
				return err
			}
		}
		for _, f := range m.Files {
			if strings.TrimSpace(f) == "" {
				return errors.New("model.files must not contain empty entries")
			}
		}
	case BackendRemote:
		if strings.TrimSpace(m.Remote.URL) == "" {
			return errors.New("model.remote.url must be set for the remote backend")
		}
		if err := validateHTTPURL("model.remote.url", m.Remote.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("model.backend must be onnx or remote, got %q", m.Backend)
	}
	return nil
}

func validateLoggingConfig(l LoggingConfig) error {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch strings.ToLower(strings.TrimSpace(l.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", l.Format)
	}
	switch strings.ToLower(strings.TrimSpace(l.TextPreview)) {
	case "none", "redacted", "full":
	default:
		return fmt.Errorf("logging.text_preview must be none, redacted or full, got %q", l.TextPreview)
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not a valid url", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https", field)
	}
	return nil
}
