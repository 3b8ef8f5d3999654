// Package scoring computes quality, risk and copy-trading scores.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/MoonCraze/trader-selection/internal/model"
)

var ErrInvalidConfig = errors.New("scoring: invalid config")

// RiskBucket is one step of the risk function. A trader falls into the first
// bucket whose bounds it satisfies.
type RiskBucket struct {
	Category        model.RiskCategory
	MaxLossRate     float64
	MinProfitFactor float64
	MinTrades       float64
}

// Config holds the scoring weights and thresholds.
type Config struct {
	WinRateWeight      float64
	ProfitFactorWeight float64
	TradeCountWeight   float64
	VolumeWeight       float64

	// ProfitFactorCap maps to a full profit-factor component.
	ProfitFactorCap float64
	// TradeSaturation and VolumeSaturation are the values at which the
	// log-scaled trade and volume components reach 100.
	TradeSaturation  float64
	VolumeSaturation float64

	// RiskBuckets are evaluated in order; traders matching none are high risk.
	RiskBuckets []RiskBucket
	RiskPenalty map[model.RiskCategory]float64
	// ProfitGateCeiling caps the copy score of traders without realized profit.
	ProfitGateCeiling float64

	MinValidationTrades float64
}

// DefaultConfig returns the production scoring constants.
func DefaultConfig() Config {
	return Config{
		WinRateWeight:      0.35,
		ProfitFactorWeight: 0.30,
		TradeCountWeight:   0.20,
		VolumeWeight:       0.15,
		ProfitFactorCap:    5,
		TradeSaturation:    500,
		VolumeSaturation:   1_000_000,
		RiskBuckets: []RiskBucket{
			{Category: model.RiskLow, MaxLossRate: 40, MinProfitFactor: 2, MinTrades: 20},
			{Category: model.RiskMedium, MaxLossRate: 55, MinProfitFactor: 1.5, MinTrades: 10},
			{Category: model.RiskMediumHigh, MaxLossRate: 65},
		},
		RiskPenalty: map[model.RiskCategory]float64{
			model.RiskLow:        0,
			model.RiskMedium:     5,
			model.RiskMediumHigh: 15,
			model.RiskHigh:       30,
		},
		ProfitGateCeiling:   40,
		MinValidationTrades: 20,
	}
}

// Validate checks the config for values that would break score bounds.
func (c Config) Validate() error {
	ws := []float64{c.WinRateWeight, c.ProfitFactorWeight, c.TradeCountWeight, c.VolumeWeight}
	var sum float64
	for _, w := range ws {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: negative or non-finite weight %v", ErrInvalidConfig, w)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidConfig)
	}
	if c.ProfitFactorCap <= 0 || c.TradeSaturation <= 0 || c.VolumeSaturation <= 0 {
		return fmt.Errorf("%w: caps and saturations must be positive", ErrInvalidConfig)
	}
	for _, b := range c.RiskBuckets {
		if !b.Category.Valid() {
			return fmt.Errorf("%w: risk bucket %q", ErrInvalidConfig, b.Category)
		}
	}
	return nil
}

// RiskFloors resolves a persona's minimum risk category.
type RiskFloors interface {
	RiskFloor(persona string) model.RiskCategory
}

// Scorer applies a Config. It is safe for concurrent use.
type Scorer struct {
	cfg    Config
	floors RiskFloors
	wsum   float64
}

// New returns a Scorer. floors may be nil, in which case no persona raises
// the risk category.
func New(cfg Config, floors RiskFloors) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		cfg:    cfg,
		floors: floors,
		wsum:   cfg.WinRateWeight + cfg.ProfitFactorWeight + cfg.TradeCountWeight + cfg.VolumeWeight,
	}, nil
}

// Quality returns the weighted quality score in [0,100] and the risk
// category, raised to the persona's risk floor.
func (s *Scorer) Quality(fv model.FeatureVector, cls model.ClassificationResult) (float64, model.RiskCategory) {
	c := s.cfg
	win := clip(fv.WinRate)
	pf := clip(fv.ProfitFactor / c.ProfitFactorCap * 100)
	trades := clip(math.Log1p(math.Max(fv.TotalTrades, 0)) / math.Log1p(c.TradeSaturation) * 100)
	volume := clip(math.Log1p(math.Max(fv.TotalVolume, 0)) / math.Log1p(c.VolumeSaturation) * 100)

	q := (c.WinRateWeight*win + c.ProfitFactorWeight*pf + c.TradeCountWeight*trades + c.VolumeWeight*volume) / s.wsum
	return clip(q), s.risk(fv, cls)
}

func (s *Scorer) risk(fv model.FeatureVector, cls model.ClassificationResult) model.RiskCategory {
	r := model.RiskHigh
	for _, b := range s.cfg.RiskBuckets {
		if fv.LossRate <= b.MaxLossRate && fv.ProfitFactor >= b.MinProfitFactor && fv.TotalTrades >= b.MinTrades {
			r = b.Category
			break
		}
	}
	if s.floors != nil && cls.Classified() {
		r = r.Max(s.floors.RiskFloor(cls.Persona))
	}
	return r
}

// CopyTrading returns the copy-trading suitability score in [0,100].
func (s *Scorer) CopyTrading(fv model.FeatureVector, quality float64, risk model.RiskCategory) float64 {
	score := quality - s.cfg.RiskPenalty[risk]
	if fv.RealizedPnL <= 0 {
		score = math.Min(score, s.cfg.ProfitGateCeiling)
	}
	return clip(score)
}

// Validated reports whether a classified trader has enough history and
// realized profit to be recommended.
func (s *Scorer) Validated(fv model.FeatureVector, cls model.ClassificationResult) bool {
	return cls.Classified() && fv.TotalTrades >= s.cfg.MinValidationTrades && fv.RealizedPnL > 0
}

// Score runs every scorer over one trader.
func (s *Scorer) Score(fv model.FeatureVector, cls model.ClassificationResult) model.ScoreResult {
	q, risk := s.Quality(fv, cls)
	return model.ScoreResult{
		QualityScore:     q,
		RiskCategory:     risk,
		CopyTradingScore: s.CopyTrading(fv, q, risk),
		ValidationPassed: s.Validated(fv, cls),
	}
}

func clip(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
