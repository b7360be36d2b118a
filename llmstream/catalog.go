package llmstream

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID             string   `json:"id"`
	Provider       string   `json:"provider"`
	DisplayName    string   `json:"display_name"`
	ContextWindow  int      `json:"context_window"`
	SupportsTools  bool     `json:"supports_tools"`
	SupportsVision bool     `json:"supports_vision"`
	Aliases        []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog (February 2026). It exists to resolve a
// provider from a bare model ID and to pick provider defaults; it is not an
// exhaustive listing.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, SupportsTools: true, SupportsVision: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, SupportsTools: true, SupportsVision: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, SupportsTools: true, SupportsVision: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, SupportsTools: true, SupportsVision: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gemini-3-pro-preview", Provider: "gemini", DisplayName: "Gemini 3 Pro (Preview)",
		ContextWindow: 1048576, SupportsTools: true, SupportsVision: true,
		Aliases: []string{"gemini-pro", "gemini-3-pro"},
	},
}

// LookupModel finds a model by ID or alias. Returns nil if unknown.
func LookupModel(id string) *ModelInfo {
	if id == "" {
		return nil
	}
	lower := strings.ToLower(id)
	for i := range Models {
		m := &Models[i]
		if strings.ToLower(m.ID) == lower {
			return m
		}
		for _, alias := range m.Aliases {
			if strings.ToLower(alias) == lower {
				return m
			}
		}
	}
	return nil
}

// DefaultModel returns the catalog's first model for the given provider, or
// nil when the provider has no catalog entries.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}
