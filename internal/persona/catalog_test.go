package persona

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoonCraze/trader-selection/internal/model"
)

func sniper() model.FeatureVector {
	return model.FeatureVector{
		Wallet:       "sniper",
		TotalPnL:     60_000,
		RealizedPnL:  50_000,
		ROI:          80,
		WinRate:      90,
		LossRate:     10,
		TotalTrades:  300,
		TotalVolume:  100_000,
		AvgProfit:    166,
		ProfitFactor: 4,
	}
}

func TestDefault_Loads(t *testing.T) {
	c := Default()

	require.Equal(t, 6, c.Len())
	assert.NotEmpty(t, c.Version())
	d, ok := c.Lookup("Elite Sniper")
	require.True(t, ok)
	assert.Equal(t, model.RiskLow, d.RiskFloor)
	_, ok = c.Lookup("Nobody")
	assert.False(t, ok)
}

func TestClassify_EliteSniperOnly(t *testing.T) {
	matches := Default().Classify(sniper())

	require.Len(t, matches, 1)
	assert.Equal(t, "Elite Sniper", matches[0].Persona)
	assert.Equal(t, 0, matches[0].Order)
	// base 0.7, margins win 20/70, pf 1.5/2.5, trades clipped to 1.
	want := 0.7 + 0.3*((20.0/70+0.6+1)/3)
	assert.InDelta(t, want, matches[0].Confidence, 1e-9)
}

func TestClassify_NoMatchIsEmpty(t *testing.T) {
	fv := model.FeatureVector{Wallet: "idle", WinRate: 50, LossRate: 50, TotalTrades: 3}
	matches := Default().Classify(fv)

	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestClassify_MultipleMatchesInCatalogOrder(t *testing.T) {
	fv := sniper()
	fv.TotalVolume = 5_000_000

	matches := Default().Classify(fv)

	require.Len(t, matches, 2)
	assert.Equal(t, "Elite Sniper", matches[0].Persona)
	assert.Equal(t, "Whale", matches[1].Persona)
	assert.Less(t, matches[0].Order, matches[1].Order)
}

func TestEvaluate_ConfidenceMonotonicInMargin(t *testing.T) {
	d, _ := Default().Lookup("Elite Sniper")

	prev := 0.0
	for _, wr := range []float64{70, 75, 80, 90, 100} {
		fv := sniper()
		fv.WinRate, fv.LossRate = wr, 100-wr
		conf, ok := d.Evaluate(fv)
		require.True(t, ok, "win rate %v", wr)
		assert.GreaterOrEqual(t, conf, prev)
		assert.LessOrEqual(t, conf, 1.0)
		prev = conf
	}
}

func TestEvaluate_GuardOnlyKeepsBase(t *testing.T) {
	c, err := Parse([]byte(`
version: t
personas:
  - name: Guarded
    base_confidence: 0.4
    predicates:
      - { field: win_rate, op: "<", threshold: 60, guard: true }
`))
	require.NoError(t, err)

	d, _ := c.Lookup("Guarded")
	conf, ok := d.Evaluate(model.FeatureVector{WinRate: 10})
	require.True(t, ok)
	assert.InDelta(t, 0.4, conf, 1e-9)
	assert.Equal(t, model.RiskLow, d.RiskFloor)
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want error
	}{
		{"empty", `version: x`, ErrInvalidCatalog},
		{"malformed", `personas: [`, ErrInvalidCatalog},
		{"reserved name", `
personas:
  - name: Unclassified
    predicates: [{ field: roi, op: ">", threshold: 1 }]`, ErrInvalidCatalog},
		{"duplicate", `
personas:
  - name: A
    predicates: [{ field: roi, op: ">", threshold: 1 }]
  - name: A
    predicates: [{ field: roi, op: ">", threshold: 2 }]`, ErrInvalidCatalog},
		{"no predicates", `
personas:
  - name: A`, ErrInvalidCatalog},
		{"bad base", `
personas:
  - name: A
    base_confidence: 1.5
    predicates: [{ field: roi, op: ">", threshold: 1 }]`, ErrInvalidCatalog},
		{"bad risk", `
personas:
  - name: A
    risk_floor: extreme
    predicates: [{ field: roi, op: ">", threshold: 1 }]`, ErrInvalidCatalog},
		{"unknown field", `
personas:
  - name: A
    predicates: [{ field: sharpe, op: ">", threshold: 1 }]`, ErrUnknownField},
		{"unknown op", `
personas:
  - name: A
    predicates: [{ field: roi, op: "==", threshold: 1 }]`, ErrUnknownOp},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), err.Error())
		})
	}
}

func TestParse_VersionTracksContent(t *testing.T) {
	a, err := Parse([]byte(`
version: "1"
personas:
  - name: A
    predicates: [{ field: roi, op: ">", threshold: 1 }]`))
	require.NoError(t, err)
	b, err := Parse([]byte(`
version: "1"
personas:
  - name: A
    predicates: [{ field: roi, op: ">", threshold: 2 }]`))
	require.NoError(t, err)

	assert.NotEqual(t, a.Version(), b.Version())
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Version(), c.Version())

	_, err = Load("/nonexistent/catalog.yaml")
	assert.Error(t, err)
}

func TestRiskFloor(t *testing.T) {
	c := Default()

	assert.Equal(t, model.RiskHigh, c.RiskFloor("Risk-Taker"))
	assert.Equal(t, model.RiskMediumHigh, c.RiskFloor("Whale"))
	assert.Equal(t, model.RiskLow, c.RiskFloor(model.Unclassified))
}
