// Package report ranks recorded feature impacts and renders the final
// experiment report as JSON, Markdown or a terminal table.
package report

import (
	"sort"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// Ranking is one feature's place in the report.
type Ranking struct {
	// Position is 1-based.
	Position int    `json:"position"`
	Feature  string `json:"feature"`
	// TotalScoreDelta sums ScoreDiff over every available comparison.
	// Unavailable comparisons contribute 0.
	TotalScoreDelta float64 `json:"total_score_delta"`
	// Improved is TotalScoreDelta > 0: pages scored higher with the feature
	// disabled.
	Improved bool `json:"improved"`
	// Unavailable counts URLs that could not be compared.
	Unavailable int                          `json:"unavailable"`
	Comparisons map[string]models.Comparison `json:"comparisons"`
}

// Rank orders impacts by descending total score delta. The sort is stable:
// features with equal totals keep their processing order.
func Rank(impact models.ImpactRecord) []Ranking {
	rankings := make([]Ranking, 0, len(impact))
	for _, fi := range impact {
		r := Ranking{
			Feature:         fi.Feature,
			Comparisons:     fi.Comparisons,
			TotalScoreDelta: fi.TotalScoreDiff(),
		}
		for _, cmp := range fi.Comparisons {
			if !cmp.Available() {
				r.Unavailable++
			}
		}
		r.Improved = r.TotalScoreDelta > 0
		rankings = append(rankings, r)
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		return rankings[i].TotalScoreDelta > rankings[j].TotalScoreDelta
	})
	for i := range rankings {
		rankings[i].Position = i + 1
	}
	return rankings
}
