package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// MemorySource implements Source with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemorySource struct {
	mu      sync.RWMutex
	traders map[string]model.TraderRecord
}

// NewMemorySource creates an in-memory source holding records.
func NewMemorySource(records ...model.TraderRecord) *MemorySource {
	s := &MemorySource{traders: make(map[string]model.TraderRecord, len(records))}
	for _, r := range records {
		s.traders[r.WalletAddress] = r
	}
	return s
}

// Upsert replaces or inserts records.
func (s *MemorySource) Upsert(records ...model.TraderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.traders[r.WalletAddress] = r
	}
}

func (s *MemorySource) FetchTraders(_ context.Context, f Filter) ([]model.TraderRecord, error) {
	if _, err := ParseSort(string(f.SortBy)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]model.TraderRecord, 0, len(s.traders))
	for _, r := range s.traders {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if f.SortBy != SortNone {
			a, b := sortKey(out[i], f.SortBy), sortKey(out[j], f.SortBy)
			if c := a.Cmp(b); c != 0 {
				return c > 0
			}
		}
		return out[i].WalletAddress < out[j].WalletAddress
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []model.TraderRecord{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemorySource) FetchTrader(_ context.Context, wallet string) (*model.TraderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.traders[wallet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTraderNotFound, wallet)
	}
	return &r, nil
}

func (s *MemorySource) Stats(_ context.Context) (*model.SourceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st model.SourceStats
	var winRate, trades, volume, profit float64
	for _, r := range s.traders {
		st.TotalTraders++
		if r.IsBot {
			st.BotTraders++
			continue
		}
		st.NonBotTraders++
		winRate += r.WinRate
		trades += float64(r.Trades)
		v, _ := r.TradeVolume.Float64()
		p, _ := r.RealizedProfit.Float64()
		volume += v
		profit += p
	}
	if n := float64(st.NonBotTraders); n > 0 {
		st.AvgWinRate = winRate / n
		st.AvgTrades = trades / n
		st.AvgVolume = volume / n
		st.AvgProfit = profit / n
	}
	st.TotalProfit = profit
	st.TotalVolume = volume
	return &st, nil
}

func (s *MemorySource) Ping(context.Context) error { return nil }

func matches(r model.TraderRecord, f Filter) bool {
	if f.ExcludeBots && r.IsBot {
		return false
	}
	if r.WinRate < f.MinWinRate || r.Trades < f.MinTrades {
		return false
	}
	if f.MinVolume > 0 && r.TradeVolume.LessThan(decimal.NewFromFloat(f.MinVolume)) {
		return false
	}
	if f.MinProfit != 0 && r.RealizedProfit.LessThan(decimal.NewFromFloat(f.MinProfit)) {
		return false
	}
	return true
}

func sortKey(r model.TraderRecord, f SortField) decimal.Decimal {
	switch f {
	case SortGrossProfit:
		return r.GrossProfit
	case SortRealizedProfit:
		return r.RealizedProfit
	case SortRealizedProfitPercent:
		return r.RealizedProfitPercent
	case SortWinRate:
		return decimal.NewFromFloat(r.WinRate)
	case SortTradeVolume:
		return r.TradeVolume
	case SortTrades:
		return decimal.NewFromInt(r.Trades)
	}
	return decimal.Zero
}
