// Package features maps raw trader records to finite feature vectors.
//
// Extract is total: it never fails and never emits NaN or Inf. Bad inputs are
// zeroed or clamped before derived fields are computed.
package features

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// Epsilon is the loss-count floor used when computing the profit factor.
// Losses are whole trades, so a trader without losing trades gets a profit
// factor equal to their win count.
const Epsilon = 1.0

// Extract derives the feature vector of one trader record.
func Extract(rec model.TraderRecord) model.FeatureVector {
	winRate := clamp(finite(rec.WinRate), 0, 100)
	trades := nonNegative(float64(rec.Trades))
	wins := nonNegative(float64(rec.Wins))
	losses := nonNegative(float64(rec.Losses))
	realized := toFloat(rec.RealizedProfit)

	fv := model.FeatureVector{
		Wallet:      rec.WalletAddress,
		TotalPnL:    toFloat(rec.GrossProfit),
		RealizedPnL: realized,
		ROI:         toFloat(rec.RealizedProfitPercent),
		WinRate:     winRate,
		LossRate:    100 - winRate,
		TotalTrades: trades,
		TotalVolume: nonNegative(toFloat(rec.TradeVolume)),
	}

	if trades > 0 {
		fv.AvgProfit = finite(realized / trades)
		fv.ProfitFactor = finite(wins / math.Max(losses, Epsilon))
	}
	return fv
}

// ExcludeBots returns the records whose bot flag is unset. Bot exclusion is a
// caller policy applied before extraction.
func ExcludeBots(recs []model.TraderRecord) []model.TraderRecord {
	out := make([]model.TraderRecord, 0, len(recs))
	for _, r := range recs {
		if !r.IsBot {
			out = append(out, r)
		}
	}
	return out
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return finite(f)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func nonNegative(v float64) float64 {
	v = finite(v)
	if v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
