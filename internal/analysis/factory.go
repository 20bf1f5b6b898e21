package analysis

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Napageneral/insights/internal/config"
)

// NewProvider selects the provider for the configured mode.
func NewProvider(cfg config.AnalysisConfig) (Provider, error) {
	switch cfg.Mode {
	case config.ModeMock, "":
		return &MockProvider{Latency: cfg.MockLatency}, nil
	case config.ModeReal:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("analysis api key not configured (set INSIGHTS_API_KEY)")
		}
		return NewHTTPProvider(HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			RPM:     cfg.RPM,
		}), nil
	default:
		return nil, fmt.Errorf("unknown analysis mode %q", cfg.Mode)
	}
}

// NewFromConfig builds the retrying client around the configured provider.
func NewFromConfig(cfg config.AnalysisConfig, logger *zap.Logger) (*Client, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(p, ClientConfig{
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
		Backoff: Backoff{
			Base:      cfg.BackoffBase,
			MaxJitter: cfg.MaxJitter,
			Max:       cfg.MaxBackoff,
		},
		CostPer1K: cfg.CostPer1K,
	}, logger), nil
}
