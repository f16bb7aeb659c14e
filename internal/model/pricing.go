package model

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
)

// CharsPerToken is the characters-per-token heuristic used when a source
// does not report real token usage.
const CharsPerToken = 4

// extendedContextThreshold is the input-token count beyond which extended
// pricing applies to both input and output.
const extendedContextThreshold = 200_000

// ModelMetadata carries pricing and provider information for one model.
// The extended prices apply once input tokens exceed the 200k threshold.
type ModelMetadata struct {
	ModelID                  string   `json:"model_id"`
	Provider                 string   `json:"provider"`
	InputPricePer1M          float64  `json:"input_price_per_1m"`
	OutputPricePer1M         float64  `json:"output_price_per_1m"`
	ExtendedInputPricePer1M  *float64 `json:"extended_input_price_per_1m,omitempty"`
	ExtendedOutputPricePer1M *float64 `json:"extended_output_price_per_1m,omitempty"`
}

//go:embed models.json
var modelsJSON []byte

var (
	registryOnce sync.Once
	registry     []ModelMetadata
)

// ModelRegistry returns the embedded, read-only pricing table. It is
// decoded once on first access.
func ModelRegistry() []ModelMetadata {
	registryOnce.Do(func() {
		if err := json.Unmarshal(modelsJSON, &registry); err != nil {
			panic("model: embedded models.json is malformed: " + err.Error())
		}
	})
	return registry
}

// LookupModel resolves pricing metadata for a model name. Exact lower-case
// matches win; otherwise substring containment in either direction
// tolerates vendor prefixes and suffixes attached to model ids over time.
func LookupModel(name string) (ModelMetadata, bool) {
	lower := strings.ToLower(name)
	table := ModelRegistry()

	for _, m := range table {
		if m.ModelID == lower {
			return m, true
		}
	}
	for _, m := range table {
		if strings.Contains(lower, m.ModelID) || strings.Contains(m.ModelID, lower) {
			return m, true
		}
	}
	return ModelMetadata{}, false
}

// EstimateTokens approximates the token count of text using the
// characters-per-token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Cost computes the dollar cost for a call. Once input tokens exceed the
// extended-context threshold, the extended tier applies to both input and
// output pricing even though only the input crossed it.
func (m ModelMetadata) Cost(inputTokens, outputTokens int) float64 {
	inputPrice := m.InputPricePer1M
	outputPrice := m.OutputPricePer1M
	if inputTokens > extendedContextThreshold {
		if m.ExtendedInputPricePer1M != nil {
			inputPrice = *m.ExtendedInputPricePer1M
		}
		if m.ExtendedOutputPricePer1M != nil {
			outputPrice = *m.ExtendedOutputPricePer1M
		}
	}
	return float64(inputTokens)/1_000_000*inputPrice + float64(outputTokens)/1_000_000*outputPrice
}
