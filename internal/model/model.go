// Package model defines the core domain types shared across the trader
// selection service. Money on input records uses shopspring/decimal; derived
// analytical features are float64 and must always be finite.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Unclassified is the persona name given to traders no rule matched.
const Unclassified = "Unclassified"

// ErrInvalidFeatureValue marks a feature vector carrying NaN or Inf. The
// extractor is total, so seeing this is a defect: the trader is dropped from
// the run instead of aborting it.
var ErrInvalidFeatureValue = errors.New("model: invalid feature value")

// TraderRecord is an immutable per-trader performance row as delivered by the
// data source. It is never mutated once fetched.
type TraderRecord struct {
	WalletAddress         string          `json:"wallet_address" db:"wallet_address" msgpack:"wallet_address"`
	GrossProfit           decimal.Decimal `json:"gross_profit" db:"gross_profit" msgpack:"gross_profit"`
	RealizedProfit        decimal.Decimal `json:"realized_profit" db:"realized_profit" msgpack:"realized_profit"`
	RealizedProfitPercent decimal.Decimal `json:"realized_profit_percent" db:"realized_profit_percent" msgpack:"realized_profit_percent"`
	UnrealizedProfit      decimal.Decimal `json:"unrealized_profit" db:"unrealized_profit" msgpack:"unrealized_profit"`
	WinRate               float64         `json:"win_rate" db:"win_rate" msgpack:"win_rate"` // 0-100
	Wins                  int64           `json:"wins" db:"wins" msgpack:"wins"`
	Losses                int64           `json:"losses" db:"losses" msgpack:"losses"`
	Trades                int64           `json:"trades" db:"trades" msgpack:"trades"`
	TradeVolume           decimal.Decimal `json:"trade_volume" db:"trade_volume" msgpack:"trade_volume"`
	AvgTradeSize          decimal.Decimal `json:"avg_trade_size" db:"avg_trade_size" msgpack:"avg_trade_size"`
	IsBot                 bool            `json:"is_bot" db:"is_bot" msgpack:"is_bot"`
}

// FeatureVector is the normalized analytical view of one trader.
type FeatureVector struct {
	Wallet       string  `json:"wallet_address" msgpack:"wallet_address"`
	TotalPnL     float64 `json:"total_pnl" msgpack:"total_pnl"`
	RealizedPnL  float64 `json:"realized_pnl" msgpack:"realized_pnl"`
	ROI          float64 `json:"roi" msgpack:"roi"`
	WinRate      float64 `json:"win_rate" msgpack:"win_rate"`
	LossRate     float64 `json:"loss_rate" msgpack:"loss_rate"`
	TotalTrades  float64 `json:"total_trades" msgpack:"total_trades"`
	TotalVolume  float64 `json:"total_volume" msgpack:"total_volume"`
	AvgProfit    float64 `json:"avg_profit" msgpack:"avg_profit"`
	ProfitFactor float64 `json:"profit_factor" msgpack:"profit_factor"`
}

// Validate reports ErrInvalidFeatureValue if any field is NaN or Inf.
func (f FeatureVector) Validate() error {
	fields := [...]struct {
		name string
		v    float64
	}{
		{"total_pnl", f.TotalPnL},
		{"realized_pnl", f.RealizedPnL},
		{"roi", f.ROI},
		{"win_rate", f.WinRate},
		{"loss_rate", f.LossRate},
		{"total_trades", f.TotalTrades},
		{"total_volume", f.TotalVolume},
		{"avg_profit", f.AvgProfit},
		{"profit_factor", f.ProfitFactor},
	}
	for _, fd := range fields {
		if math.IsNaN(fd.v) || math.IsInf(fd.v, 0) {
			return fmt.Errorf("%w: %s=%v for %s", ErrInvalidFeatureValue, fd.name, fd.v, f.Wallet)
		}
	}
	return nil
}

// Evidence records which signals backed a classification.
type Evidence string

const (
	EvidenceNone      Evidence = "none"
	EvidenceRule      Evidence = "rule"
	EvidenceArchetype Evidence = "archetype"
	EvidenceBoth      Evidence = "both"
)

// RuleMatch is one persona whose predicates a trader satisfied.
type RuleMatch struct {
	Persona    string  `json:"persona" msgpack:"persona"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	Order      int     `json:"-" msgpack:"order"` // catalog declaration index
}

// ClassificationResult is the reconciled persona label of one trader.
type ClassificationResult struct {
	Persona     string      `json:"persona" msgpack:"persona"`
	Confidence  float64     `json:"classification_confidence" msgpack:"confidence"`
	Evidence    Evidence    `json:"evidence" msgpack:"evidence"`
	GroupID     int         `json:"group_id" msgpack:"group_id"`
	GroupFit    float64     `json:"group_fit" msgpack:"group_fit"`
	RuleMatches []RuleMatch `json:"rule_matches,omitempty" msgpack:"rule_matches"`
}

// Classified reports whether a persona was assigned.
func (c ClassificationResult) Classified() bool {
	return c.Persona != "" && c.Persona != Unclassified
}

// RiskCategory is one of four ordered risk buckets.
type RiskCategory string

const (
	RiskLow        RiskCategory = "low"
	RiskMedium     RiskCategory = "medium"
	RiskMediumHigh RiskCategory = "medium-high"
	RiskHigh       RiskCategory = "high"
)

// RiskCategories lists the buckets from lowest to highest risk.
var RiskCategories = []RiskCategory{RiskLow, RiskMedium, RiskMediumHigh, RiskHigh}

// Rank returns the bucket's position in RiskCategories, or -1 if unknown.
func (r RiskCategory) Rank() int {
	for i, c := range RiskCategories {
		if c == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the defined buckets.
func (r RiskCategory) Valid() bool { return r.Rank() >= 0 }

// Max returns the riskier of r and o. Unknown values never win.
func (r RiskCategory) Max(o RiskCategory) RiskCategory {
	if o.Rank() > r.Rank() {
		return o
	}
	return r
}

// ScoreResult carries the quality, risk and copy-trading outputs.
type ScoreResult struct {
	QualityScore     float64      `json:"quality_score" msgpack:"quality_score"`
	RiskCategory     RiskCategory `json:"risk_category" msgpack:"risk_category"`
	CopyTradingScore float64      `json:"copy_trading_score" msgpack:"copy_trading_score"`
	ValidationPassed bool         `json:"validation_passed" msgpack:"validation_passed"`
}

// TraderAnalysis is the full per-trader row of a snapshot.
type TraderAnalysis struct {
	Record         TraderRecord         `json:"record" msgpack:"record"`
	Features       FeatureVector        `json:"features" msgpack:"features"`
	Classification ClassificationResult `json:"classification" msgpack:"classification"`
	Score          ScoreResult          `json:"score" msgpack:"score"`
}

// PersonaStats aggregates the traders sharing one persona.
type PersonaStats struct {
	Persona             string  `json:"persona" msgpack:"persona"`
	TraderCount         int     `json:"trader_count" msgpack:"trader_count"`
	AvgCopyTradingScore float64 `json:"avg_copy_trading_score" msgpack:"avg_copy_trading_score"`
	AvgQualityScore     float64 `json:"avg_quality_score" msgpack:"avg_quality_score"`
	AvgConfidence       float64 `json:"avg_confidence" msgpack:"avg_confidence"`
	AvgRealizedProfit   float64 `json:"avg_realized_profit" msgpack:"avg_realized_profit"`
	AvgWinRate          float64 `json:"avg_win_rate" msgpack:"avg_win_rate"`
	TotalVolume         float64 `json:"total_volume" msgpack:"total_volume"`
}

// RunSummary holds the headline counts of a run.
type RunSummary struct {
	TotalTraders        int     `json:"total_traders_analyzed" msgpack:"total_traders"`
	Classified          int     `json:"classified_traders" msgpack:"classified"`
	Unclassified        int     `json:"unclassified_traders" msgpack:"unclassified"`
	HighConfidence      int     `json:"high_confidence_count" msgpack:"high_confidence"`
	PersonasDiscovered  int     `json:"personas_discovered" msgpack:"personas_discovered"`
	Groups              int     `json:"archetype_groups" msgpack:"groups"`
	AvgCopyTradingScore float64 `json:"avg_copy_trading_score" msgpack:"avg_copy_trading_score"`
	TopTraderAddress    string  `json:"top_trader_address,omitempty" msgpack:"top_trader_address"`
	TopTraderScore      float64 `json:"top_trader_score" msgpack:"top_trader_score"`
	Omitted             int     `json:"omitted_traders" msgpack:"omitted"`
}

// AnalysisSnapshot is the immutable output of one successful run. It is
// replaced wholesale by the next run and never mutated in place.
type AnalysisSnapshot struct {
	ID             string           `json:"id" msgpack:"id"`
	Fingerprint    string           `json:"fingerprint" msgpack:"fingerprint"`
	CatalogVersion string           `json:"catalog_version" msgpack:"catalog_version"`
	CreatedAt      time.Time        `json:"created_at" msgpack:"created_at"`
	Duration       time.Duration    `json:"duration_ns" msgpack:"duration"`
	Traders        []TraderAnalysis `json:"traders" msgpack:"traders"`
	Personas       []PersonaStats   `json:"personas" msgpack:"personas"`
	Summary        RunSummary       `json:"summary" msgpack:"summary"`
}

// Trader returns the analysis row for wallet, if present.
func (s *AnalysisSnapshot) Trader(wallet string) (TraderAnalysis, bool) {
	for _, t := range s.Traders {
		if t.Record.WalletAddress == wallet {
			return t, true
		}
	}
	return TraderAnalysis{}, false
}

// SourceStats summarizes the raw trader table.
type SourceStats struct {
	TotalTraders  int     `json:"total_traders"`
	NonBotTraders int     `json:"non_bot_traders"`
	BotTraders    int     `json:"bot_traders"`
	AvgWinRate    float64 `json:"avg_win_rate"`
	AvgTrades     float64 `json:"avg_trades"`
	AvgVolume     float64 `json:"avg_volume"`
	AvgProfit     float64 `json:"avg_profit"`
	TotalProfit   float64 `json:"total_profit"`
	TotalVolume   float64 `json:"total_volume"`
}
