package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"` // HTTP listen address, e.g. ":8000"
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"` // 0 disables
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

type ModelConfig struct {
	Backend         string        `yaml:"backend"` // onnx | remote
	Dir             string        `yaml:"dir"`     // local bundle, skips the hub
	CacheDir        string        `yaml:"cache_dir"`
	Repo            string        `yaml:"repo"`
	Revision        string        `yaml:"revision"`
	HubURL          string        `yaml:"hub_url"`
	Files           []string      `yaml:"files"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	Offline         bool          `yaml:"offline"`
	SeqLen          int           `yaml:"seq_len"`
	Truncate        bool          `yaml:"truncate"` // cut input past seq_len instead of failing
	Sessions        int           `yaml:"sessions"`
	IntraThreads    int           `yaml:"intra_threads"`
	InterThreads    int           `yaml:"inter_threads"`
	Warmup          *bool         `yaml:"warmup"`
	Remote          RemoteConfig  `yaml:"remote"`
}

type RemoteConfig struct {
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"` // 0 disables
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`       // json | console
	TextPreview string `yaml:"text_preview"` // none | redacted | full
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"

	DefaultRepo = "distilbert/distilbert-base-uncased-finetuned-sst-2-english"
)

// DefaultFiles are the hub files the ONNX backend needs.
var DefaultFiles = []string{"config.json", "vocab.txt", "onnx/model.onnx"}

// WarmupEnabled reports whether a warmup inference should run at startup.
func (m ModelConfig) WarmupEnabled() bool {
	return m.Warmup == nil || *m.Warmup
}

// MetricsEnabled reports whether the Prometheus endpoint is served.
func (m MetricsConfig) MetricsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.MaxRequestBodyBytes <= 0 {
		cfg.Server.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Model.Backend == "" {
		cfg.Model.Backend = BackendONNX
	}
	if cfg.Model.CacheDir == "" {
		cfg.Model.CacheDir = defaultCacheDir()
	}
	if cfg.Model.Repo == "" {
		cfg.Model.Repo = DefaultRepo
	}
	if cfg.Model.Revision == "" {
		cfg.Model.Revision = "main"
	}
	if cfg.Model.HubURL == "" {
		cfg.Model.HubURL = "https://huggingface.co"
	}
	if len(cfg.Model.Files) == 0 {
		cfg.Model.Files = append([]string(nil), DefaultFiles...)
	}
	if cfg.Model.DownloadTimeout <= 0 {
		cfg.Model.DownloadTimeout = 5 * time.Minute
	}
	if cfg.Model.SeqLen == 0 {
		cfg.Model.SeqLen = 512
	}
	if cfg.Model.Sessions == 0 {
		cfg.Model.Sessions = 1
	}
	if cfg.Model.Remote.TokenEnv == "" {
		cfg.Model.Remote.TokenEnv = "HF_TOKEN"
	}
	if cfg.Model.Remote.Timeout < 0 {
		cfg.Model.Remote.Timeout = 0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.TextPreview == "" {
		cfg.Logging.TextPreview = "none"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "sentiment"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if port := env("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if addr := env("SENTIMENT_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dir := env("SENTIMENT_MODEL_DIR"); dir != "" {
		cfg.Model.Dir = dir
	}
	if backend := env("SENTIMENT_MODEL_BACKEND"); backend != "" {
		cfg.Model.Backend = strings.ToLower(backend)
	}
	if u := env("SENTIMENT_REMOTE_URL"); u != "" {
		cfg.Model.Remote.URL = u
	}
	if lvl := env("SENTIMENT_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if off := env("SENTIMENT_OFFLINE"); off != "" {
		if v, err := strconv.ParseBool(off); err == nil {
			cfg.Model.Offline = v
		}
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "sentiment")
	}
	return filepath.Join(os.TempDir(), "sentiment-cache")
}
