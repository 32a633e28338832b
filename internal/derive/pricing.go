package derive

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricingYAML []byte

// ModelRate is the price of one model in dollars per million tokens.
type ModelRate struct {
	InputPerMtok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMtok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// PricingTable maps model names to rates. Lookup falls back to a prefix
// match and then to the default rate, so versioned model names such as
// "claude-sonnet-4" resolve without per-version entries.
type PricingTable struct {
	Default ModelRate            `yaml:"default"`
	Models  map[string]ModelRate `yaml:"models"`
}

// DefaultPricing returns the built-in pricing table.
func DefaultPricing() *PricingTable {
	t := &PricingTable{}
	// The embedded table is known-good; a decode failure is a build bug.
	if err := yaml.Unmarshal(defaultPricingYAML, t); err != nil {
		panic(fmt.Sprintf("embedded pricing table is invalid: %v", err))
	}
	return t
}

// LoadPricing reads a pricing table from path, or the built-in table
// when path is empty.
func LoadPricing(path string) (*PricingTable, error) {
	if path == "" {
		return DefaultPricing(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table: %w", err)
	}
	t := &PricingTable{}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}
	return t, nil
}

// Rate resolves the rate for a model name.
func (t *PricingTable) Rate(modelName string) ModelRate {
	if modelName == "" {
		return t.Default
	}
	if rate, ok := t.Models[modelName]; ok {
		return rate
	}
	var (
		best    string
		bestFit ModelRate
	)
	for name, rate := range t.Models {
		if strings.HasPrefix(modelName, name) && len(name) > len(best) {
			best, bestFit = name, rate
		}
	}
	if best != "" {
		return bestFit
	}
	return t.Default
}
