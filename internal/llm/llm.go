package llm

import (
	"fmt"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/ICE6332/MineCompanion-WebUI/internal/config"
)

// Status reports which backend serves replies and whether it can be used.
type Status struct {
	Provider string
	Ready    bool
}

// New builds the responder selected by cfg. A remote provider without an
// API key falls back to echo and is reported as not ready.
func New(cfg config.LLMConfig) (Responder, Status, error) {
	var r Responder
	status := Status{Provider: cfg.Provider}

	switch cfg.Provider {
	case "", config.ProviderEcho:
		status = Status{Provider: config.ProviderEcho, Ready: true}
		return EchoResponder{}, status, nil
	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return EchoResponder{}, status, nil
		}
		r = NewAgentResponder(config.ProviderAnthropic, &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, cfg.SystemPrompt, cfg.MaxTokens)
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return EchoResponder{}, status, nil
		}
		r = NewAgentResponder(config.ProviderOpenAI, &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, cfg.SystemPrompt, cfg.MaxTokens)
	default:
		return nil, Status{}, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	status.Ready = true
	if cfg.Cache.Enabled {
		r = NewCachedResponder(r, cfg.Cache.Size, cfg.Cache.TTLDuration())
	}
	return r, status, nil
}
