package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// RetryPolicy resolves the effective retry budget per job type. Overrides
// come from an optional YAML file; everything else falls back to the env
// defaults.
type RetryPolicy struct {
	base      domain.RetryConfig
	overrides map[domain.JobType]int
}

type retryPolicyYAML struct {
	MaxRetries map[string]int `yaml:"max_retries"`
}

// BuildRetryPolicy assembles the policy from config values and the optional
// override file.
func BuildRetryPolicy(cfg Config) (RetryPolicy, error) {
	p := RetryPolicy{
		base: domain.RetryConfig{
			MaxRetries:   cfg.RetryMaxRetries,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		},
		overrides: map[domain.JobType]int{},
	}
	if cfg.IsTest() {
		// Short delays keep the suite fast.
		p.base.InitialDelay = 10 * time.Millisecond
		p.base.MaxDelay = 100 * time.Millisecond
	}
	if cfg.RetryPolicyFile == "" {
		return p, nil
	}
	raw, err := os.ReadFile(cfg.RetryPolicyFile)
	if err != nil {
		return RetryPolicy{}, fmt.Errorf("op=config.retry_policy: %w", err)
	}
	var y retryPolicyYAML
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return RetryPolicy{}, fmt.Errorf("op=config.retry_policy: %w", err)
	}
	for t, n := range y.MaxRetries {
		jt := domain.JobType(t)
		if !domain.KnownJobTypes[jt] {
			return RetryPolicy{}, fmt.Errorf("op=config.retry_policy: unknown job type %q: %w", t, domain.ErrInvalidArgument)
		}
		if n < 0 {
			return RetryPolicy{}, fmt.Errorf("op=config.retry_policy: negative budget for %q: %w", t, domain.ErrInvalidArgument)
		}
		p.overrides[jt] = n
	}
	return p, nil
}

// Base returns the backoff parameters shared by all job types.
func (p RetryPolicy) Base() domain.RetryConfig { return p.base }

// MaxRetriesFor returns the retry budget for a job type.
func (p RetryPolicy) MaxRetriesFor(t domain.JobType) int {
	if n, ok := p.overrides[t]; ok {
		return n
	}
	return p.base.MaxRetries
}
