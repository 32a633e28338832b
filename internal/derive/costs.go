package derive

import (
	"sort"

	"github.com/devpulse/devpulse/internal/store"
)

// Payload text approximates token volume at roughly four bytes per
// token; half the volume is attributed to input, half to output.
const bytesPerToken = 4

// CostEstimate is the estimated spend for one group (project, session,
// or day).
type CostEstimate struct {
	GroupKey        string  `json:"group_key"`
	EventCount      int64   `json:"event_count"`
	EstimatedTokens int64   `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost_usd"`
}

// EstimateCosts turns aggregated payload volumes into dollar estimates
// using the pricing table. Rows for the same group key but different
// models are merged; output is sorted by group key.
func EstimateCosts(rows []store.CostRow, pricing *PricingTable) []CostEstimate {
	byKey := map[string]*CostEstimate{}
	for _, row := range rows {
		est, ok := byKey[row.GroupKey]
		if !ok {
			est = &CostEstimate{GroupKey: row.GroupKey}
			byKey[row.GroupKey] = est
		}
		tokens := row.PayloadBytes / bytesPerToken
		rate := pricing.Rate(row.ModelName)
		half := float64(tokens) / 2 / 1_000_000
		est.EventCount += row.EventCount
		est.EstimatedTokens += tokens
		est.EstimatedCost += half*rate.InputPerMtok + half*rate.OutputPerMtok
	}

	out := make([]CostEstimate, 0, len(byKey))
	for _, est := range byKey {
		out = append(out, *est)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey < out[j].GroupKey })
	return out
}
