package providers

import (
	"fmt"

	"github.com/thebenlamm/nanobot/internal/config"
)

var defaultAPIBase = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// FromSnapshot builds the provider selected by agent.provider. The key is
// looked up through the snapshot so env overrides apply.
func FromSnapshot(snap *config.Snapshot, opts ...OpenAIOption) (Provider, error) {
	cfg := snap.Config()
	name := cfg.Agent.Provider
	pc, ok := cfg.Providers.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	key, err := snap.Secret("providers." + name + ".api_key")
	if err != nil {
		return nil, err
	}
	base := pc.APIBase
	if base == "" {
		base = defaultAPIBase[name]
	}
	if base == "" {
		return nil, fmt.Errorf("provider %q needs api_base", name)
	}
	return NewOpenAIProvider(name, key, base, cfg.Agent.Model, opts...), nil
}
