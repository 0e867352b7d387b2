// Package translate implements the RequestTranslator and ResponseTranslator
// components (spec.md §4.4/§4.5): mapping the Anthropic Messages dialect to
// and from Kiro's CodeWhisperer-like wire protocol.
package translate

import "kirobridge/internal/kerr"

// ModelInfo describes one entry of the static model catalog served by
// GET /v1/models (spec.md §6).
type ModelInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

// kiroModelID maps an Anthropic-dialect model name to the upstream Kiro
// model identifier. The table is static: Kiro exposes a fixed small set of
// models rather than the full Anthropic catalog.
var kiroModelID = map[string]string{
	"claude-opus-4-6-20260115":    "CLAUDE_OPUS_4_6_20260115_V1_0",
	"claude-sonnet-4-6-20260115":  "CLAUDE_SONNET_4_6_20260115_V1_0",
	"claude-sonnet-4-20250514":    "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219":  "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku-20241022":   "CLAUDE_3_5_HAIKU_20241022_V1_0",
}

// ModelCatalog returns the static model list for handle_models (spec.md §4.6).
func ModelCatalog() []ModelInfo {
	catalog := make([]ModelInfo, 0, len(kiroModelID))
	for name := range kiroModelID {
		catalog = append(catalog, ModelInfo{
			ID:          name,
			Type:        "model",
			DisplayName: name,
			CreatedAt:   "2026-01-15T00:00:00Z",
		})
	}
	return catalog
}

// resolveModel maps an Anthropic model name to its Kiro model id, or
// returns kerr.InvalidRequest (InvalidModel, spec.md §4.4) if unknown.
func resolveModel(anthropicName string) (string, error) {
	id, ok := kiroModelID[anthropicName]
	if !ok {
		return "", kerr.New(kerr.InvalidRequest, "unknown model: "+anthropicName, nil)
	}
	return id, nil
}

// KnownModel reports whether name is a recognized Anthropic-dialect model
// name, for use by handlers that need to validate ahead of translation.
func KnownModel(name string) bool {
	_, ok := kiroModelID[name]
	return ok
}
