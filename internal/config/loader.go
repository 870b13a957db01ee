package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelhub/internal/common/fsutil"
)

// Defaults applied by WithDefaults.
const (
	DefaultAddr          = ":8080"
	DefaultModelsDir     = "~/.modelhub/models"
	DefaultRegistryURL   = "https://huggingface.co"
	DefaultRevision      = "main"
	DefaultMaxResident   = 2
	DefaultMaxQueueDepth = 32
	DefaultMaxWait       = 30 * time.Second
	DefaultContextSize   = 4096
	DefaultLogLevel      = "info"
)

// Duration is a time.Duration written as "30s" or "5m" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	LedgerPath   string `json:"ledger_path" yaml:"ledger_path" toml:"ledger_path"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Registry access.
	RegistryURL string   `json:"registry_url" yaml:"registry_url" toml:"registry_url"`
	HFToken     string   `json:"hf_token" yaml:"hf_token" toml:"hf_token"`
	Revision    string   `json:"revision" yaml:"revision" toml:"revision"`
	HTTPTimeout Duration `json:"http_timeout" yaml:"http_timeout" toml:"http_timeout"`

	DownloadConcurrency int      `json:"download_concurrency" yaml:"download_concurrency" toml:"download_concurrency"`
	DownloadRetries     int      `json:"download_retries" yaml:"download_retries" toml:"download_retries"`
	RetryBackoff        Duration `json:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff"`

	// Model residency and inference admission. A negative MaxResident lifts
	// the residency limit.
	MaxResident   int      `json:"max_resident" yaml:"max_resident" toml:"max_resident"`
	MaxQueueDepth int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait       Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	InferTimeout  Duration `json:"infer_timeout" yaml:"infer_timeout" toml:"infer_timeout"`
	InferRetries  int      `json:"infer_retries" yaml:"infer_retries" toml:"infer_retries"`

	// Engine parameters.
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	GPULayers   int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Threads     int `json:"threads" yaml:"threads" toml:"threads"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults returns a copy with zero values replaced and ~ paths expanded.
func (c Config) WithDefaults() (Config, error) {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.RegistryURL == "" {
		c.RegistryURL = DefaultRegistryURL
	}
	if c.Revision == "" {
		c.Revision = DefaultRevision
	}
	if c.MaxResident == 0 {
		c.MaxResident = DefaultMaxResident
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.MaxWait.Duration <= 0 {
		c.MaxWait.Duration = DefaultMaxWait
	}
	if c.ContextSize <= 0 {
		c.ContextSize = DefaultContextSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	var err error
	if c.ModelsDir, err = fsutil.ExpandHome(c.ModelsDir); err != nil {
		return c, err
	}
	if c.LedgerPath != "" {
		if c.LedgerPath, err = fsutil.ExpandHome(c.LedgerPath); err != nil {
			return c, err
		}
	}
	return c, nil
}
