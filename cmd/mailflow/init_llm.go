package main

import (
	"fmt"
	"log/slog"

	"mailflow/internal/adapter/llm"
	"mailflow/internal/domain"
	"mailflow/internal/infra/config"
)

// llmComponents bundles the provider registry and the default provider
// the Decision Engine drives, failover- and circuit-breaker-wrapped per
// cfg.LLM.
type llmComponents struct {
	Registry *llm.Registry
	Default  domain.LLMProvider
	Router   *llm.PreferenceRouter
}

func initLLM(cfg *config.Config, log *slog.Logger) (*llmComponents, error) {
	registry := llm.NewRegistry()

	for _, pc := range cfg.LLM.Providers {
		provider, err := buildProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}

		if cfg.LLM.CircuitBreaker.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{
				MaxFailures: cfg.LLM.CircuitBreaker.MaxFailures,
				Timeout:     cfg.LLM.CircuitBreaker.Timeout,
				Interval:    cfg.LLM.CircuitBreaker.Interval,
			}, log)
		}

		if err := registry.Register(provider); err != nil {
			return nil, err
		}
		log.Info("registered LLM provider", "name", pc.Name, "type", pc.Type, "model", pc.Model)
	}

	primary, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default provider %q: %w", cfg.LLM.DefaultProvider, err)
	}

	def := primary
	if cfg.LLM.Failover.Enabled && len(cfg.LLM.Failover.Fallbacks) > 0 {
		fallbacks := make([]domain.LLMProvider, 0, len(cfg.LLM.Failover.Fallbacks))
		for _, name := range cfg.LLM.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover fallback %q: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		def = llm.NewFailoverProvider(primary, fallbacks, log)
	}

	router := llm.NewPreferenceRouter(cfg.LLM.ModelRouting, registry, def)

	return &llmComponents{Registry: registry, Default: def, Router: router}, nil
}

func buildProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "anthropic":
		return llm.NewAnthropicProvider(pc, log), nil
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		return llm.NewBedrockProvider(pc, log)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
}
