package warp

import "strings"

// DefaultModel is the base model used when a request names none.
const DefaultModel = "claude-4.1-opus"

// knownModels are the base models the upstream accepts directly; anything
// else maps to "auto".
var knownModels = map[string]bool{
	"auto":            true,
	"warp-basic":      true,
	"claude-4-sonnet": true,
	"claude-4-opus":   true,
	"claude-4.1-opus": true,
	"gpt-5":           true,
	"gpt-4o":          true,
	"gpt-4.1":         true,
	"o3":              true,
	"o4-mini":         true,
	"gemini-2.5-pro":  true,
}

var (
	agentModels    = []string{"auto", "warp-basic", "gpt-5", "claude-4-sonnet", "claude-4-opus", "claude-4.1-opus", "gpt-4o", "gpt-4.1", "o4-mini", "o3", "gemini-2.5-pro"}
	planningModels = []string{"o3", "gpt-5 (high reasoning)"}
	codingModels   = []string{"auto", "claude-4-sonnet", "claude-4.1-opus"}
)

// ModelConfig is the settings.model_config triple sent upstream.
type ModelConfig struct {
	Base     string
	Planning string
	Coding   string
}

// GetModelConfig maps a requested model name onto an upstream model config.
// Unknown names fall back to the "auto" base model.
func GetModelConfig(model string) ModelConfig {
	name := strings.ToLower(strings.TrimSpace(model))
	if !knownModels[name] {
		name = "auto"
	}
	return ModelConfig{Base: name, Planning: "o3", Coding: "auto"}
}

// ModelIDs returns the unified, deduplicated list of model ids exposed on
// /v1/models: agent, planning and coding models merged in catalog order.
func ModelIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, group := range [][]string{agentModels, planningModels, codingModels} {
		for _, id := range group {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
