package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoonCraze/trader-selection/internal/model"
)

type floors map[string]model.RiskCategory

func (f floors) RiskFloor(p string) model.RiskCategory {
	if r, ok := f[p]; ok {
		return r
	}
	return model.RiskLow
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig(), floors{"Risk-Taker": model.RiskHigh, "Whale": model.RiskMediumHigh})
	require.NoError(t, err)
	return s
}

func classified(p string) model.ClassificationResult {
	return model.ClassificationResult{Persona: p, Confidence: 0.8, Evidence: model.EvidenceRule}
}

func strong() model.FeatureVector {
	return model.FeatureVector{
		Wallet: "w", RealizedPnL: 50_000, WinRate: 90, LossRate: 10,
		TotalTrades: 300, TotalVolume: 100_000, ProfitFactor: 4,
	}
}

func TestQuality_StrongTrader(t *testing.T) {
	s := newScorer(t)

	q, risk := s.Quality(strong(), classified("Elite Sniper"))

	want := 0.35*90 + 0.30*80 +
		0.20*math.Log1p(300)/math.Log1p(500)*100 +
		0.15*math.Log1p(100_000)/math.Log1p(1_000_000)*100
	assert.InDelta(t, want, q, 1e-9)
	assert.Greater(t, q, 80.0)
	assert.Equal(t, model.RiskLow, risk)
}

func TestRisk_Buckets(t *testing.T) {
	s := newScorer(t)
	none := model.ClassificationResult{Persona: model.Unclassified}

	cases := []struct {
		name string
		fv   model.FeatureVector
		want model.RiskCategory
	}{
		{"low", model.FeatureVector{LossRate: 30, ProfitFactor: 3, TotalTrades: 50}, model.RiskLow},
		{"low needs history", model.FeatureVector{LossRate: 30, ProfitFactor: 3, TotalTrades: 15}, model.RiskMedium},
		{"medium", model.FeatureVector{LossRate: 50, ProfitFactor: 1.6, TotalTrades: 10}, model.RiskMedium},
		{"medium-high", model.FeatureVector{LossRate: 60, ProfitFactor: 0.5, TotalTrades: 5}, model.RiskMediumHigh},
		{"high", model.FeatureVector{LossRate: 80, ProfitFactor: 0.2, TotalTrades: 100}, model.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := s.Quality(tc.fv, none)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRisk_PersonaFloorRaises(t *testing.T) {
	s := newScorer(t)

	_, risk := s.Quality(strong(), classified("Whale"))
	assert.Equal(t, model.RiskMediumHigh, risk)

	// A floor never lowers a riskier bucket.
	fv := model.FeatureVector{LossRate: 80, TotalTrades: 100}
	_, risk = s.Quality(fv, classified("Whale"))
	assert.Equal(t, model.RiskHigh, risk)
}

func TestCopyTrading(t *testing.T) {
	s := newScorer(t)

	assert.InDelta(t, 85, s.CopyTrading(strong(), 85, model.RiskLow), 1e-9)
	assert.InDelta(t, 55, s.CopyTrading(strong(), 85, model.RiskHigh), 1e-9)

	loser := strong()
	loser.RealizedPnL = 0
	assert.InDelta(t, 40, s.CopyTrading(loser, 85, model.RiskLow), 1e-9, "no realized profit caps the score")

	assert.Zero(t, s.CopyTrading(strong(), 10, model.RiskHigh), "clipped at 0")
}

func TestScore_Bounds(t *testing.T) {
	s := newScorer(t)
	vectors := []model.FeatureVector{
		{},
		strong(),
		{WinRate: 100, ProfitFactor: 1e9, TotalTrades: 1e12, TotalVolume: 1e15, RealizedPnL: 1e12},
		{WinRate: 0, LossRate: 100, RealizedPnL: -1e9, TotalTrades: 1},
	}
	for _, fv := range vectors {
		for _, cls := range []model.ClassificationResult{classified("Risk-Taker"), {Persona: model.Unclassified}} {
			r := s.Score(fv, cls)
			assert.GreaterOrEqual(t, r.QualityScore, 0.0)
			assert.LessOrEqual(t, r.QualityScore, 100.0)
			assert.GreaterOrEqual(t, r.CopyTradingScore, 0.0)
			assert.LessOrEqual(t, r.CopyTradingScore, 100.0)
			assert.True(t, r.RiskCategory.Valid())
		}
	}
}

func TestValidated(t *testing.T) {
	s := newScorer(t)

	assert.True(t, s.Validated(strong(), classified("Elite Sniper")))
	assert.False(t, s.Validated(strong(), model.ClassificationResult{Persona: model.Unclassified}))

	thin := strong()
	thin.TotalTrades = 19
	assert.False(t, s.Validated(thin, classified("Elite Sniper")))

	losing := strong()
	losing.RealizedPnL = -1
	assert.False(t, s.Validated(losing, classified("Elite Sniper")))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WinRateWeight = -1
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.WinRateWeight, cfg.ProfitFactorWeight, cfg.TradeCountWeight, cfg.VolumeWeight = 0, 0, 0, 0
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.TradeSaturation = 0
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
