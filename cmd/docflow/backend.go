package main

import (
	"errors"
	"fmt"

	"docflow/internal/config"
	"docflow/internal/extract"
	"docflow/internal/health"
	"docflow/pkg/backoff"
)

// newExtractor builds the configured recognition collaborator. The
// readiness checker is nil when the backend cannot report readiness.
func newExtractor(cfg config.ExtractConfig) (extract.Extractor, health.ReadinessChecker, error) {
	switch cfg.Backend {
	case "http":
		if cfg.Endpoint == "" {
			return nil, nil, errors.New("extract.endpoint is required for the http backend")
		}
		client, err := extract.NewHTTPClient(extract.HTTPConfig{
			Endpoint:         cfg.Endpoint,
			APIKey:           cfg.APIKey,
			Timeout:          cfg.Timeout,
			MaxAttempts:      cfg.MaxAttempts,
			RatePerSecond:    cfg.RatePerSecond,
			Burst:            cfg.Burst,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
			MaxInlineBytes:   cfg.MaxInlineSize.Bytes(),
			Backoff:          backoff.Config{Jitter: 0.2},
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case "tesseract":
		ex, err := newTesseract(cfg.Languages)
		return ex, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown extract backend %q", cfg.Backend)
	}
}
