package analysis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoonCraze/trader-selection/internal/archetype"
	"github.com/MoonCraze/trader-selection/internal/model"
	"github.com/MoonCraze/trader-selection/internal/persona"
	"github.com/MoonCraze/trader-selection/internal/reconcile"
	"github.com/MoonCraze/trader-selection/internal/scoring"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cat := persona.Default()
	sc, err := scoring.New(scoring.DefaultConfig(), cat)
	require.NoError(t, err)
	return NewEngine(Config{Workers: 4, Archetype: archetype.DefaultConfig()}, cat, sc, reconcile.New(reconcile.DefaultConfig()))
}

func trader(wallet string, winRate float64, wins, losses, trades int64, realized, volume float64) model.TraderRecord {
	return model.TraderRecord{
		WalletAddress:         wallet,
		GrossProfit:           decimal.NewFromFloat(realized * 1.1),
		RealizedProfit:        decimal.NewFromFloat(realized),
		RealizedProfitPercent: decimal.NewFromFloat(realized / volume * 100),
		WinRate:               winRate,
		Wins:                  wins,
		Losses:                losses,
		Trades:                trades,
		TradeVolume:           decimal.NewFromFloat(volume),
	}
}

// twelveTraders has six precise winners, led by "sniper-0", and six losing
// gamblers.
func twelveTraders() []model.TraderRecord {
	recs := []model.TraderRecord{trader("sniper-0", 90, 240, 60, 300, 50_000, 100_000)}
	for i := 1; i < 6; i++ {
		f := float64(i)
		recs = append(recs, trader(fmt.Sprintf("sniper-%d", i), 90-f, 240-int64(i), 60, 300-int64(10*i), 50_000-1000*f, 100_000-1000*f))
	}
	for i := 0; i < 6; i++ {
		f := float64(i)
		recs = append(recs, trader(fmt.Sprintf("gambler-%d", i), 25+f, 10, 40, 50+int64(i), -3_000-100*f, 2_000+50*f))
	}
	return recs
}

func TestRun_EliteSniperEndToEnd(t *testing.T) {
	snap, err := newEngine(t).Run(context.Background(), twelveTraders())
	require.NoError(t, err)
	require.Len(t, snap.Traders, 12)

	got, ok := snap.Trader("sniper-0")
	require.True(t, ok)

	require.Len(t, got.Classification.RuleMatches, 1, "matches Elite Sniper exclusively")
	rule := got.Classification.RuleMatches[0]
	assert.Equal(t, "Elite Sniper", rule.Persona)

	def, _ := persona.Default().Lookup("Elite Sniper")
	assert.Equal(t, "Elite Sniper", got.Classification.Persona)
	assert.Equal(t, model.EvidenceBoth, got.Classification.Evidence, "group majority agrees")
	assert.GreaterOrEqual(t, got.Classification.Confidence, rule.Confidence)
	assert.Greater(t, got.Classification.Confidence, def.BaseConfidence)
	assert.LessOrEqual(t, got.Classification.Confidence, 1.0)

	assert.Greater(t, got.Score.QualityScore, 80.0)
	assert.Equal(t, model.RiskLow, got.Score.RiskCategory)
	assert.True(t, got.Score.ValidationPassed)

	assert.Equal(t, "sniper-0", snap.Summary.TopTraderAddress)
	assert.Equal(t, 12, snap.Summary.Classified)
	assert.Equal(t, persona.Default().Version(), snap.CatalogVersion)
	assert.NotEmpty(t, snap.ID)

	for _, tr := range snap.Traders {
		if strings.HasPrefix(tr.Record.WalletAddress, "gambler") {
			assert.Equal(t, "Risk-Taker", tr.Classification.Persona)
			assert.LessOrEqual(t, tr.Score.CopyTradingScore, 40.0)
		}
	}
}

func TestRun_PopulationBoundary(t *testing.T) {
	e := newEngine(t)
	recs := twelveTraders()

	_, err := e.Run(context.Background(), recs[:9])
	assert.True(t, errors.Is(err, archetype.ErrInsufficientData))

	snap, err := e.Run(context.Background(), recs[:10])
	require.NoError(t, err)
	assert.Len(t, snap.Traders, 10)
}

func TestRun_DeterministicAcrossInputOrder(t *testing.T) {
	e := newEngine(t)
	recs := twelveTraders()

	a, err := e.Run(context.Background(), recs)
	require.NoError(t, err)

	shuffled := make([]model.TraderRecord, len(recs))
	copy(shuffled, recs)
	rand.New(rand.NewSource(3)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	b, err := e.Run(context.Background(), shuffled)
	require.NoError(t, err)

	require.Equal(t, len(a.Traders), len(b.Traders))
	for i := range a.Traders {
		assert.Equal(t, a.Traders[i].Record.WalletAddress, b.Traders[i].Record.WalletAddress)
		assert.Equal(t, a.Traders[i].Classification, b.Traders[i].Classification)
		assert.Equal(t, a.Traders[i].Score, b.Traders[i].Score)
	}
	assert.Equal(t, a.Personas, b.Personas)
}

func TestRun_OrderedByCopyScore(t *testing.T) {
	snap, err := newEngine(t).Run(context.Background(), twelveTraders())
	require.NoError(t, err)

	for i := 1; i < len(snap.Traders); i++ {
		prev, cur := snap.Traders[i-1], snap.Traders[i]
		assert.GreaterOrEqual(t, prev.Score.CopyTradingScore, cur.Score.CopyTradingScore)
	}
}

func TestRun_DuplicateWalletOmitted(t *testing.T) {
	recs := append(twelveTraders(), trader("sniper-0", 10, 1, 9, 10, -5, 100))

	snap, err := newEngine(t).Run(context.Background(), recs)
	require.NoError(t, err)

	assert.Len(t, snap.Traders, 12)
	assert.Equal(t, 1, snap.Summary.Omitted)
	got, _ := snap.Trader("sniper-0")
	assert.InDelta(t, 90, got.Features.WinRate, 1e-9, "first record wins")
}

func TestRun_CanceledProducesNoSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := newEngine(t).Run(ctx, twelveTraders())

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, context.Canceled)
}

// cancelingFloors cancels the run from inside the scoring stage once it has
// been consulted n times.
type cancelingFloors struct {
	*persona.Catalog
	n      int64
	calls  atomic.Int64
	cancel context.CancelFunc
}

func (f *cancelingFloors) RiskFloor(name string) model.RiskCategory {
	if f.calls.Add(1) == f.n {
		f.cancel()
	}
	return f.Catalog.RiskFloor(name)
}

func TestRun_CanceledDuringScoringDiscardsPartialOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat := persona.Default()
	floors := &cancelingFloors{Catalog: cat, n: 3, cancel: cancel}
	sc, err := scoring.New(scoring.DefaultConfig(), floors)
	require.NoError(t, err)
	e := NewEngine(Config{Workers: 1, Archetype: archetype.DefaultConfig()}, cat, sc, reconcile.New(reconcile.DefaultConfig()))

	snap, err := e.Run(ctx, twelveTraders())

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, floors.calls.Load(), int64(3), "cancellation happened after the barriers")
}

func TestEach_IsolatesPanics(t *testing.T) {
	e := newEngine(t)
	var omitted atomic.Int64
	slots := []*slot{
		{rec: model.TraderRecord{WalletAddress: "ok"}, ok: true},
		{rec: model.TraderRecord{WalletAddress: "boom"}, ok: true},
		{rec: model.TraderRecord{WalletAddress: "bad"}, ok: true},
	}

	err := e.each(context.Background(), slots, &omitted, "test", func(s *slot) error {
		switch s.rec.WalletAddress {
		case "boom":
			panic("defect")
		case "bad":
			return model.ErrInvalidFeatureValue
		}
		return nil
	})

	require.NoError(t, err)
	assert.EqualValues(t, 2, omitted.Load())
	kept := compact(slots)
	require.Len(t, kept, 1)
	assert.Equal(t, "ok", kept[0].rec.WalletAddress)
}
