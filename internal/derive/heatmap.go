package derive

import "github.com/devpulse/devpulse/internal/store"

// Heatmap is the day x hour activity grid plus the global maximum used
// for client-side color scaling.
type Heatmap struct {
	Cells    []store.HeatmapCell `json:"cells"`
	MaxCount int64               `json:"maxCount"`
}

// BuildHeatmap wraps the aggregated cells with their global maximum.
func BuildHeatmap(cells []store.HeatmapCell) Heatmap {
	h := Heatmap{Cells: cells}
	if h.Cells == nil {
		h.Cells = []store.HeatmapCell{}
	}
	for _, c := range cells {
		if c.Count > h.MaxCount {
			h.MaxCount = c.Count
		}
	}
	return h
}
