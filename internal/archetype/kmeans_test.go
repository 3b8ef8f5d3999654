package archetype

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// population builds three well separated behavioural blobs.
func population(n int) []model.FeatureVector {
	out := make([]model.FeatureVector, 0, n)
	for i := 0; i < n; i++ {
		j := float64(i % 7)
		var fv model.FeatureVector
		switch i % 3 {
		case 0: // precise, profitable
			fv = model.FeatureVector{WinRate: 85 + j, TotalTrades: 300 + 10*j, TotalVolume: 1e5, RealizedPnL: 5e4, TotalPnL: 6e4, ProfitFactor: 4, ROI: 120}
		case 1: // high-frequency, thin edge
			fv = model.FeatureVector{WinRate: 52 + j, TotalTrades: 5000 + 100*j, TotalVolume: 5e6, RealizedPnL: 1e3, TotalPnL: 2e3, ProfitFactor: 1.1, ROI: 3}
		default: // losing gamblers
			fv = model.FeatureVector{WinRate: 20 + j, TotalTrades: 40 + j, TotalVolume: 2e3, RealizedPnL: -3e3, TotalPnL: -2e3, ProfitFactor: 0.3, ROI: -60}
		}
		fv.Wallet = fmt.Sprintf("wallet-%03d", i)
		fv.LossRate = 100 - fv.WinRate
		if fv.TotalTrades > 0 {
			fv.AvgProfit = fv.RealizedPnL / fv.TotalTrades
		}
		out = append(out, fv)
	}
	return out
}

func TestDiscover_InsufficientDataBoundary(t *testing.T) {
	_, err := Discover(population(9), DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	m, err := Discover(population(10), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 10, len(m.Assignments()))
}

func TestDiscover_Deterministic(t *testing.T) {
	pop := population(60)

	a, err := Discover(pop, DefaultConfig())
	require.NoError(t, err)
	b, err := Discover(pop, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Assignments(), b.Assignments())

	shuffled := make([]model.FeatureVector, len(pop))
	copy(shuffled, pop)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	c, err := Discover(shuffled, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Assignments(), c.Assignments(), "input order must not change group ids")
}

func TestDiscover_SeparatesBlobs(t *testing.T) {
	pop := population(30)
	m, err := Discover(pop, Config{K: 3, MaxIterations: 50})
	require.NoError(t, err)
	require.Equal(t, 3, m.K())

	groupOf := func(i int) int {
		a, ok := m.Assignment(pop[i].Wallet)
		require.True(t, ok)
		return a.GroupID
	}
	for i := 3; i < len(pop); i++ {
		assert.Equal(t, groupOf(i%3), groupOf(i), "trader %d should join its blob", i)
	}
	assert.NotEqual(t, groupOf(0), groupOf(1))
	assert.NotEqual(t, groupOf(1), groupOf(2))
	assert.Equal(t, []int{10, 10, 10}, m.Sizes())
}

func TestDiscover_FitNormalized(t *testing.T) {
	m, err := Discover(population(40), DefaultConfig())
	require.NoError(t, err)

	for w, a := range m.Assignments() {
		assert.GreaterOrEqual(t, a.Fit, 0.0, w)
		assert.LessOrEqual(t, a.Fit, 1.0, w)
		assert.GreaterOrEqual(t, a.GroupID, 0, w)
		assert.Less(t, a.GroupID, m.K(), w)
	}
}

func TestDiscover_IdenticalPointsCollapseK(t *testing.T) {
	pop := make([]model.FeatureVector, 12)
	for i := range pop {
		pop[i] = model.FeatureVector{Wallet: fmt.Sprintf("w%02d", i), WinRate: 50, LossRate: 50, TotalTrades: 10}
	}

	m, err := Discover(pop, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, m.K())
	for _, a := range m.Assignments() {
		assert.Equal(t, 0, a.GroupID)
		assert.Zero(t, a.Fit)
	}
}

func TestDiscover_CanonicalLabelsLargestFirst(t *testing.T) {
	pop := population(30)
	// Tilt the population so the blob sizes differ.
	pop = append(pop, population(6)[0], population(6)[3])
	pop[30].Wallet, pop[31].Wallet = "extra-a", "extra-b"

	m, err := Discover(pop, Config{K: 3, MaxIterations: 50})
	require.NoError(t, err)

	sizes := m.Sizes()
	for i := 1; i < len(sizes); i++ {
		assert.GreaterOrEqual(t, sizes[i-1], sizes[i])
	}
	a, _ := m.Assignment("extra-a")
	assert.Equal(t, 0, a.GroupID)
}
