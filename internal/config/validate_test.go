package config

import (
	"strings"
	"testing"
)

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing server addr",
			mutate: func(c *Config) { c.Server.Addr = "" },
			want:   "server.addr",
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Model.Backend = "tensorflow" },
			want:   "model.backend",
		},
		{
			name:   "seq len too small",
			mutate: func(c *Config) { c.Model.SeqLen = 2 },
			want:   "seq_len",
		},
		{
			name:   "no sessions",
			mutate: func(c *Config) { c.Model.Sessions = 0 },
			want:   "model.sessions",
		},
		{
			name:   "bad hub url",
			mutate: func(c *Config) { c.Model.HubURL = "ftp://hub.example.com" },
			want:   "hub_url",
		},
		{
			name:   "remote without url",
			mutate: func(c *Config) { c.Model.Backend = BackendRemote },
			want:   "model.remote.url",
		},
		{
			name: "remote with invalid url",
			mutate: func(c *Config) {
				c.Model.Backend = BackendRemote
				c.Model.Remote.URL = "::://bad"
			},
			want: "model.remote.url",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			want:   "logging.level",
		},
		{
			name:   "bad text preview",
			mutate: func(c *Config) { c.Logging.TextPreview = "everything" },
			want:   "text_preview",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			want: "endpoint",
		},
		{
			name: "telemetry bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = "localhost:4317"
				c.Telemetry.Protocol = "udp"
			},
			want: "telemetry.protocol",
		},
		{
			name:   "relative metrics path",
			mutate: func(c *Config) { c.Metrics.Path = "metrics" },
			want:   "metrics.path",
		},
		{
			name:   "metrics path on healthz",
			mutate: func(c *Config) { c.Metrics.Path = "/healthz" },
			want:   "already used",
		},
		{
			name:   "metrics path on readyz",
			mutate: func(c *Config) { c.Metrics.Path = "/readyz" },
			want:   "already used",
		},
		{
			name:   "metrics path on analyze",
			mutate: func(c *Config) { c.Metrics.Path = "/analyze" },
			want:   "already used",
		},
		{
			name:   "metrics path on root",
			mutate: func(c *Config) { c.Metrics.Path = "/" },
			want:   "already used",
		},
		{
			name:   "metrics path with wildcard",
			mutate: func(c *Config) { c.Metrics.Path = "/{name}" },
			want:   "plain path",
		},
		{
			name:   "metrics path with space",
			mutate: func(c *Config) { c.Metrics.Path = "/my metrics" },
			want:   "plain path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}

	local := Default()
	local.Model.Dir = "/models/sst2"
	local.Model.HubURL = ""
	if err := Validate(local); err != nil {
		t.Fatalf("expected local model dir to skip hub validation, got %v", err)
	}

	remote := Default()
	remote.Model.Backend = BackendRemote
	remote.Model.Remote.URL = "http://127.0.0.1:18090/models/sst2"
	if err := Validate(remote); err != nil {
		t.Fatalf("expected remote config to be valid, got %v", err)
	}

	custom := Default()
	custom.Metrics.Path = "/internal/metrics"
	if err := Validate(custom); err != nil {
		t.Fatalf("expected custom metrics path to be valid, got %v", err)
	}

	off := false
	disabled := Default()
	disabled.Metrics.Enabled = &off
	disabled.Metrics.Path = "/healthz"
	if err := Validate(disabled); err != nil {
		t.Fatalf("expected disabled metrics to skip path checks, got %v", err)
	}

	if err := Validate(nil); err == nil {
		t.Fatalf("expected nil config to be rejected")
	}
}
