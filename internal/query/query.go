// Package query is the read side over an analysis snapshot: filtering,
// pagination and aggregate statistics. Every function is pure and leaves its
// input untouched, so callers may pass a shared snapshot's slices.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/MoonCraze/trader-selection/internal/model"
)

var ErrUnknownRiskCategory = errors.New("query: unknown risk category")

const (
	// DefaultRecommendationScore is the minimum copy score for recommendations.
	DefaultRecommendationScore = 70.0
	// HighConfidenceScore and HighConfidenceTrades bound the high-confidence list.
	HighConfidenceScore  = 60.0
	HighConfidenceTrades = 20.0
)

// ParseRisk validates a risk category name.
func ParseRisk(s string) (model.RiskCategory, error) {
	r := model.RiskCategory(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q (valid: low, medium, medium-high, high)", ErrUnknownRiskCategory, s)
	}
	return r, nil
}

// Filter selects snapshot rows. Zero values disable a criterion.
type Filter struct {
	Persona       string
	MinCopyScore  float64
	Risk          model.RiskCategory
	MinTrades     float64
	ValidatedOnly bool
	Limit         int
	Offset        int
}

// Apply returns the rows matching f, in snapshot order, paginated.
func Apply(traders []model.TraderAnalysis, f Filter) []model.TraderAnalysis {
	out := make([]model.TraderAnalysis, 0)
	for _, t := range traders {
		if f.Persona != "" && !strings.EqualFold(t.Classification.Persona, f.Persona) {
			continue
		}
		if t.Score.CopyTradingScore < f.MinCopyScore {
			continue
		}
		if f.Risk != "" && t.Score.RiskCategory != f.Risk {
			continue
		}
		if t.Features.TotalTrades < f.MinTrades {
			continue
		}
		if f.ValidatedOnly && !t.Score.ValidationPassed {
			continue
		}
		out = append(out, t)
	}
	return Paginate(out, f.Offset, f.Limit)
}

// Paginate slices rows. A non-positive limit means no limit.
func Paginate[T any](rows []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// Recommendations returns validated traders at or above minScore.
func Recommendations(traders []model.TraderAnalysis, minScore float64, limit int) []model.TraderAnalysis {
	return Apply(traders, Filter{MinCopyScore: minScore, ValidatedOnly: true, Limit: limit})
}

// IsHighConfidence reports whether t is a classified, validated trader with a
// strong copy score and enough history.
func IsHighConfidence(t model.TraderAnalysis) bool {
	return t.Classification.Classified() &&
		t.Score.ValidationPassed &&
		t.Score.CopyTradingScore >= HighConfidenceScore &&
		t.Features.TotalTrades >= HighConfidenceTrades
}

// HighConfidence returns the high-confidence traders.
func HighConfidence(traders []model.TraderAnalysis, limit int) []model.TraderAnalysis {
	out := make([]model.TraderAnalysis, 0)
	for _, t := range traders {
		if IsHighConfidence(t) {
			out = append(out, t)
		}
	}
	return Paginate(out, 0, limit)
}

// ByRisk returns the traders of one risk category.
func ByRisk(traders []model.TraderAnalysis, risk string, limit int) ([]model.TraderAnalysis, error) {
	r, err := ParseRisk(risk)
	if err != nil {
		return nil, err
	}
	return Apply(traders, Filter{Risk: r, Limit: limit}), nil
}

// PersonaStats aggregates classified traders per persona, ordered by trader
// count descending then persona name.
func PersonaStats(traders []model.TraderAnalysis) []model.PersonaStats {
	idx := make(map[string]int)
	out := make([]model.PersonaStats, 0)
	for _, t := range traders {
		if !t.Classification.Classified() {
			continue
		}
		p := t.Classification.Persona
		i, ok := idx[p]
		if !ok {
			i = len(out)
			idx[p] = i
			out = append(out, model.PersonaStats{Persona: p})
		}
		s := &out[i]
		s.TraderCount++
		s.AvgCopyTradingScore += t.Score.CopyTradingScore
		s.AvgQualityScore += t.Score.QualityScore
		s.AvgConfidence += t.Classification.Confidence
		s.AvgRealizedProfit += t.Features.RealizedPnL
		s.AvgWinRate += t.Features.WinRate
		s.TotalVolume += t.Features.TotalVolume
	}
	for i := range out {
		n := float64(out[i].TraderCount)
		out[i].AvgCopyTradingScore /= n
		out[i].AvgQualityScore /= n
		out[i].AvgConfidence /= n
		out[i].AvgRealizedProfit /= n
		out[i].AvgWinRate /= n
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TraderCount != out[j].TraderCount {
			return out[i].TraderCount > out[j].TraderCount
		}
		return out[i].Persona < out[j].Persona
	})
	return out
}

// Summarize builds the run summary. traders must be in snapshot order so the
// first row is the top trader.
func Summarize(traders []model.TraderAnalysis, groups, omitted int) model.RunSummary {
	s := model.RunSummary{
		TotalTraders: len(traders),
		Groups:       groups,
		Omitted:      omitted,
	}
	personas := make(map[string]struct{})
	var total float64
	for _, t := range traders {
		total += t.Score.CopyTradingScore
		if t.Classification.Classified() {
			s.Classified++
			personas[t.Classification.Persona] = struct{}{}
		} else {
			s.Unclassified++
		}
		if IsHighConfidence(t) {
			s.HighConfidence++
		}
	}
	s.PersonasDiscovered = len(personas)
	if len(traders) > 0 {
		s.AvgCopyTradingScore = total / float64(len(traders))
		s.TopTraderAddress = traders[0].Record.WalletAddress
		s.TopTraderScore = traders[0].Score.CopyTradingScore
	}
	return s
}

// ScoreStats describes the distribution of one score.
type ScoreStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Overview is the dashboard view of a snapshot.
type Overview struct {
	TotalTraders      int                        `json:"total_traders"`
	ClassifiedTraders int                        `json:"classified_traders"`
	CopyTradingScore  ScoreStats                 `json:"copy_trading_score"`
	QualityScore      ScoreStats                 `json:"quality_score"`
	AvgRealizedPnL    float64                    `json:"avg_realized_pnl"`
	AvgROI            float64                    `json:"avg_roi"`
	AvgWinRate        float64                    `json:"avg_win_rate"`
	AvgTrades         float64                    `json:"avg_trades"`
	RiskDistribution  map[model.RiskCategory]int `json:"risk_distribution"`
}

// BuildOverview computes score distributions over classified traders.
func BuildOverview(traders []model.TraderAnalysis) Overview {
	ov := Overview{
		TotalTraders:     len(traders),
		RiskDistribution: make(map[model.RiskCategory]int, len(model.RiskCategories)),
	}
	for _, r := range model.RiskCategories {
		ov.RiskDistribution[r] = 0
	}
	var copyScores, quality, pnl, roi, win, trades []float64
	for _, t := range traders {
		if !t.Classification.Classified() {
			continue
		}
		ov.RiskDistribution[t.Score.RiskCategory]++
		copyScores = append(copyScores, t.Score.CopyTradingScore)
		quality = append(quality, t.Score.QualityScore)
		pnl = append(pnl, t.Features.RealizedPnL)
		roi = append(roi, t.Features.ROI)
		win = append(win, t.Features.WinRate)
		trades = append(trades, t.Features.TotalTrades)
	}
	ov.ClassifiedTraders = len(copyScores)
	if ov.ClassifiedTraders == 0 {
		return ov
	}
	ov.CopyTradingScore = describe(copyScores)
	ov.QualityScore = describe(quality)
	ov.AvgRealizedPnL = stat.Mean(pnl, nil)
	ov.AvgROI = stat.Mean(roi, nil)
	ov.AvgWinRate = stat.Mean(win, nil)
	ov.AvgTrades = stat.Mean(trades, nil)
	return ov
}

func describe(xs []float64) ScoreStats {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	s := ScoreStats{
		Mean: stat.Mean(sorted, nil),
		Min:  floats.Min(sorted),
		Max:  floats.Max(sorted),
	}
	if n := len(sorted); n%2 == 1 {
		s.Median = sorted[n/2]
	} else {
		s.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	if len(sorted) > 1 {
		s.Std = stat.StdDev(sorted, nil)
	}
	return s
}
