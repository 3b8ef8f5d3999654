// Package store defines the trader data source for the selection service.
// Implementations include PostgreSQL and MySQL (sources of truth), Redis
// (read-through cache), a circuit breaker wrapper, and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MoonCraze/trader-selection/internal/model"
)

var (
	// ErrTraderNotFound is returned by FetchTrader for unknown wallets.
	ErrTraderNotFound = errors.New("store: trader not found")
	// ErrInvalidSort is returned for sort fields outside the whitelist.
	ErrInvalidSort = errors.New("store: invalid sort field")
)

// Source is the read interface over the traders table. Records are
// immutable once returned.
type Source interface {
	// FetchTraders returns the records matching f.
	FetchTraders(ctx context.Context, f Filter) ([]model.TraderRecord, error)

	// FetchTrader returns one trader by wallet address.
	FetchTrader(ctx context.Context, wallet string) (*model.TraderRecord, error)

	// Stats summarizes the whole table.
	Stats(ctx context.Context) (*model.SourceStats, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// SortField is a whitelisted column name. Results sort descending.
type SortField string

const (
	SortNone                  SortField = ""
	SortGrossProfit           SortField = "gross_profit"
	SortRealizedProfit        SortField = "realized_profit"
	SortRealizedProfitPercent SortField = "realized_profit_percent"
	SortWinRate               SortField = "win_rate"
	SortTradeVolume           SortField = "trade_volume"
	SortTrades                SortField = "trades"
)

// ParseSort validates a sort field name. The empty string means wallet order.
func ParseSort(s string) (SortField, error) {
	switch f := SortField(s); f {
	case SortNone, SortGrossProfit, SortRealizedProfit, SortRealizedProfitPercent,
		SortWinRate, SortTradeVolume, SortTrades:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSort, s)
}

// Filter selects trader records. Zero values disable a criterion.
type Filter struct {
	ExcludeBots bool
	MinWinRate  float64
	MinTrades   int64
	MinVolume   float64
	MinProfit   float64
	SortBy      SortField
	Limit       int
	Offset      int
}

// AnalysisFilter is the population of an analysis run: every non-bot trader.
func AnalysisFilter() Filter {
	return Filter{ExcludeBots: true}
}
