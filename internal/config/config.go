package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the insights configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	HTTP      HTTPConfig      `yaml:"http"`
	Queue     QueueConfig     `yaml:"queue"`
	Batch     BatchConfig     `yaml:"batch"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Prefilter PrefilterConfig `yaml:"prefilter"`
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
}

// HTTPConfig controls the ingestion/query HTTP surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// Per-client ingestion limit. RateLimitRequests<=0 disables limiting.
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	// Addresses or CIDRs whose X-Forwarded-For is used to identify clients.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// QueueConfig sizes the in-memory ingestion queue.
type QueueConfig struct {
	Capacity   int `yaml:"capacity"`
	Partitions int `yaml:"partitions"`
}

// BatchConfig holds the adaptive batching bounds.
type BatchConfig struct {
	Min           int           `yaml:"min"`
	Max           int           `yaml:"max"`
	Start         int           `yaml:"start"`
	Growth        float64       `yaml:"growth"`
	HighWatermark int           `yaml:"high_watermark"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
	// How long depth must stay over the watermark before health degrades.
	SustainedDegradedAfter time.Duration `yaml:"sustained_degraded_after"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type PrefilterConfig struct {
	Enabled             bool     `yaml:"enabled"`
	MinLength           int      `yaml:"min_length"`
	BoilerplateMaxWords int      `yaml:"boilerplate_max_words"`
	BoilerplateKeywords []string `yaml:"boilerplate_keywords,omitempty"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	LRUSize int  `yaml:"lru_size"`
}

// AnalysisConfig holds the recognized analysis adapter options.
type AnalysisConfig struct {
	Mode        string        `yaml:"mode"` // mock | real
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	CostPer1K   float64       `yaml:"cost_per_1k"`
	RPM         int           `yaml:"rpm"`
	// Simulated latency for the stand-in provider.
	MockLatency time.Duration `yaml:"mock_latency"`
}

const (
	ModeMock = "mock"
	ModeReal = "real"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTP: HTTPConfig{
			Addr:              ":8000",
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Queue: QueueConfig{
			Capacity:   10000,
			Partitions: 1,
		},
		Batch: BatchConfig{
			Min:                    1,
			Max:                    50,
			Start:                  5,
			Growth:                 1.2,
			HighWatermark:          1000,
			IdleInterval:           50 * time.Millisecond,
			SustainedDegradedAfter: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  10 * time.Second,
		},
		Prefilter: PrefilterConfig{
			Enabled:             true,
			MinLength:           20,
			BoilerplateMaxWords: 6,
		},
		Cache: CacheConfig{
			Enabled: true,
			LRUSize: 4096,
		},
		Analysis: AnalysisConfig{
			Mode:        ModeMock,
			BaseURL:     "https://api.x.ai/v1",
			Model:       "grok-1",
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			BackoffBase: 500 * time.Millisecond,
			MaxJitter:   500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			CostPer1K:   0.002,
			MockLatency: 300 * time.Millisecond,
		},
	}
}

// Validate rejects configurations the worker cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be >= 1, got %d", c.Queue.Capacity))
	}
	if c.Queue.Partitions < 1 {
		errs = append(errs, fmt.Errorf("queue.partitions must be >= 1, got %d", c.Queue.Partitions))
	}
	if c.Batch.Min < 1 {
		errs = append(errs, fmt.Errorf("batch.min must be >= 1, got %d", c.Batch.Min))
	}
	if c.Batch.Min > c.Batch.Max {
		errs = append(errs, fmt.Errorf("batch.min (%d) > batch.max (%d)", c.Batch.Min, c.Batch.Max))
	}
	if c.Batch.Start < c.Batch.Min || c.Batch.Start > c.Batch.Max {
		errs = append(errs, fmt.Errorf("batch.start (%d) outside [%d, %d]", c.Batch.Start, c.Batch.Min, c.Batch.Max))
	}
	if c.Batch.HighWatermark < 1 {
		errs = append(errs, fmt.Errorf("batch.high_watermark must be >= 1, got %d", c.Batch.HighWatermark))
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, fmt.Errorf("breaker.threshold must be >= 1, got %d", c.Breaker.Threshold))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("breaker.cooldown must be positive"))
	}
	switch c.Analysis.Mode {
	case ModeMock:
	case ModeReal:
		if c.Analysis.APIKey == "" {
			errs = append(errs, fmt.Errorf("analysis.api_key is required in %q mode", ModeReal))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown analysis.mode %q", c.Analysis.Mode))
	}
	if c.Analysis.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("analysis.max_attempts must be >= 1, got %d", c.Analysis.MaxAttempts))
	}
	if c.Analysis.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout must be positive"))
	}
	if c.Analysis.CostPer1K < 0 {
		errs = append(errs, fmt.Errorf("analysis.cost_per_1k must be >= 0"))
	}
	return errors.Join(errs...)
}

// ApplyEnv overlays environment overrides onto the loaded file config.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("INSIGHTS_ANALYSIS_MODE"); v != "" {
		c.Analysis.Mode = v
	}
	if v := os.Getenv("INSIGHTS_API_KEY"); v != "" {
		c.Analysis.APIKey = v
	}
	if v := os.Getenv("INSIGHTS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("INSIGHTS_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("INSIGHTS_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INSIGHTS_QUEUE_CAPACITY: %w", err)
		}
		c.Queue.Capacity = n
	}
	return nil
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("INSIGHTS_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "insights"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("INSIGHTS_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Insights"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "insights"), nil
	}

	return filepath.Join(home, ".local", "share", "insights"), nil
}

// Load loads config from the config file, falling back to defaults, then
// applies environment overrides.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(configDir, "config.yaml"))
}

// LoadFile reads a specific config file. Fields missing from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
