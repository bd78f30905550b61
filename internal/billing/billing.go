// Package billing prices LLM usage from the model catalog.
package billing

import (
	"math"
	"sort"
	"time"

	"github.com/dshills/codemechanic/internal/domain"
)

// Cost prices one call in USD. A nil model costs nothing.
func Cost(model *domain.AIModel, inputTokens, outputTokens int) float64 {
	if model == nil {
		return 0
	}
	c := float64(inputTokens)/1000*model.InputCostPer1K + float64(outputTokens)/1000*model.OutputCostPer1K
	return round(c)
}

// round keeps micro-dollar precision so sums stay stable.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ModelUsage aggregates records for one provider/model pair.
type ModelUsage struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	DisplayName  string  `json:"display_name,omitempty"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary totals usage over a window.
type Summary struct {
	Since        time.Time    `json:"since"`
	Calls        int          `json:"calls"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	ByModel      []ModelUsage `json:"by_model"`
	// ByPurpose maps chat/generate to cost.
	ByPurpose map[string]float64 `json:"by_purpose"`
}

// Summarize totals records. Display names come from models when known.
// ByModel is ordered by cost, highest first.
func Summarize(records []*domain.UsageRecord, models []*domain.AIModel, since time.Time) Summary {
	names := make(map[[2]string]string, len(models))
	for _, m := range models {
		names[[2]string{m.Provider, m.Model}] = m.DisplayName
	}

	s := Summary{Since: since, ByModel: []ModelUsage{}, ByPurpose: map[string]float64{}}
	byModel := make(map[[2]string]*ModelUsage)
	for _, r := range records {
		key := [2]string{r.Provider, r.Model}
		mu, ok := byModel[key]
		if !ok {
			mu = &ModelUsage{Provider: r.Provider, Model: r.Model, DisplayName: names[key]}
			byModel[key] = mu
		}
		mu.Calls++
		mu.InputTokens += r.InputTokens
		mu.OutputTokens += r.OutputTokens
		mu.CostUSD = round(mu.CostUSD + r.CostUSD)

		s.Calls++
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.CostUSD = round(s.CostUSD + r.CostUSD)
		s.ByPurpose[r.Purpose] = round(s.ByPurpose[r.Purpose] + r.CostUSD)
	}

	for _, mu := range byModel {
		s.ByModel = append(s.ByModel, *mu)
	}
	sort.Slice(s.ByModel, func(i, j int) bool {
		a, b := s.ByModel[i], s.ByModel[j]
		if a.CostUSD != b.CostUSD {
			return a.CostUSD > b.CostUSD
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	return s
}
