package runcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/model"
)

func records(n int) []model.TraderRecord {
	out := make([]model.TraderRecord, n)
	for i := range out {
		out[i] = model.TraderRecord{
			WalletAddress:  fmt.Sprintf("w%02d", i),
			RealizedProfit: decimal.NewFromInt(int64(100 * i)),
			WinRate:        float64(40 + i),
			Trades:         int64(10 + i),
		}
	}
	return out
}

// countingRunner blocks until release is closed and counts invocations.
type countingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (r *countingRunner) run(ctx context.Context, recs []model.TraderRecord) (*model.AnalysisSnapshot, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.AnalysisSnapshot{ID: fmt.Sprintf("snap-%d", r.calls.Load()), CatalogVersion: "v1", Summary: model.RunSummary{TotalTraders: len(recs)}}, nil
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	recs := records(5)
	rev := make([]model.TraderRecord, len(recs))
	for i, r := range recs {
		rev[len(recs)-1-i] = r
	}

	assert.Equal(t, Fingerprint(recs, "v1"), Fingerprint(rev, "v1"))
	assert.NotEqual(t, Fingerprint(recs, "v1"), Fingerprint(recs, "v2"))

	changed := records(5)
	changed[2].Trades++
	assert.NotEqual(t, Fingerprint(recs, "v1"), Fingerprint(changed, "v1"))
}

func TestGetOrRun_ConcurrentCallersShareOneRun(t *testing.T) {
	c := New("v1")
	r := &countingRunner{release: make(chan struct{})}
	recs := records(12)

	const callers = 8
	var wg sync.WaitGroup
	snaps := make([]*model.AnalysisSnapshot, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = c.GetOrRun(context.Background(), recs, r.run)
		}(i)
	}

	// Let every caller reach the in-flight run before it completes.
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(r.release)
	wg.Wait()

	assert.EqualValues(t, 1, r.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, snaps[0], snaps[i])
	}
	assert.Same(t, snaps[0], c.Current())
	assert.Equal(t, Fingerprint(recs, "v1"), c.Current().Fingerprint)
}

func TestGetOrRun_MatchingSnapshotIsReused(t *testing.T) {
	c := New("v1")
	r := &countingRunner{}
	recs := records(12)

	first, err := c.GetOrRun(context.Background(), recs, r.run)
	require.NoError(t, err)
	res, err := c.Trigger(context.Background(), recs, r.run, false)
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Same(t, first, res.Snapshot)
	assert.EqualValues(t, 1, r.calls.Load())

	refreshed, err := c.Refresh(context.Background(), recs, r.run)
	require.NoError(t, err)
	assert.False(t, refreshed.Cached)
	assert.NotSame(t, first, refreshed.Snapshot)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestGetOrRun_DifferentFingerprintsDoNotBlock(t *testing.T) {
	c := New("v1")
	slow := &countingRunner{release: make(chan struct{})}
	fast := &countingRunner{}
	defer close(slow.release)

	go c.GetOrRun(context.Background(), records(12), slow.run)
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	snap, err := c.GetOrRun(context.Background(), records(11), fast.run)
	require.NoError(t, err)
	assert.Equal(t, 11, snap.Summary.TotalTraders)
}

func TestTrigger_JoinReported(t *testing.T) {
	c := New("v1")
	r := &countingRunner{release: make(chan struct{})}
	recs := records(12)

	firstDone := make(chan Result, 1)
	go func() {
		res, _ := c.Trigger(context.Background(), recs, r.run, true)
		firstDone <- res
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	joinDone := make(chan Result, 1)
	go func() {
		res, _ := c.Trigger(context.Background(), recs, r.run, true)
		joinDone <- res
	}()
	time.Sleep(20 * time.Millisecond)
	close(r.release)

	first, joined := <-firstDone, <-joinDone
	assert.False(t, first.Joined)
	assert.True(t, joined.Joined)
	assert.Same(t, first.Snapshot, joined.Snapshot)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestGetOrRun_FailureKeepsPreviousSnapshot(t *testing.T) {
	c := New("v1")
	ok := &countingRunner{}
	prev, err := c.GetOrRun(context.Background(), records(12), ok.run)
	require.NoError(t, err)

	boom := errors.New("insufficient")
	bad := &countingRunner{err: boom}
	_, err = c.GetOrRun(context.Background(), records(3), bad.run)

	assert.ErrorIs(t, err, boom)
	assert.Same(t, prev, c.Current())
}

func TestGetOrRun_CallerCancelDoesNotCancelSharedRun(t *testing.T) {
	c := New("v1")
	r := &countingRunner{release: make(chan struct{})}
	recs := records(12)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrRun(ctx, recs, r.run)
		errc <- err
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(r.release)
	require.Eventually(t, func() bool { return c.Current() != nil }, time.Second, time.Millisecond)
}

type memStore struct {
	mu   sync.Mutex
	snap *model.AnalysisSnapshot
}

func (m *memStore) Save(_ context.Context, s *model.AnalysisSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	return nil
}

func (m *memStore) Load(context.Context) (*model.AnalysisSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func TestRestore(t *testing.T) {
	st := &memStore{}
	var published atomic.Int32
	c := New("v1", WithStore(st), OnPublish(func(*model.AnalysisSnapshot) { published.Add(1) }))
	r := &countingRunner{}
	snap, err := c.GetOrRun(context.Background(), records(12), r.run)
	require.NoError(t, err)
	assert.EqualValues(t, 1, published.Load())

	warm := New("v1", WithStore(st))
	require.NoError(t, warm.Restore(context.Background()))
	assert.Same(t, snap, warm.Current())

	other := New("v2", WithStore(st))
	require.NoError(t, other.Restore(context.Background()))
	assert.Nil(t, other.Current())
}

// sized returns a runner whose snapshot holds one trader per record, all of
// the given persona.
func sized(persona string) Runner {
	return func(_ context.Context, recs []model.TraderRecord) (*model.AnalysisSnapshot, error) {
		snap := &model.AnalysisSnapshot{ID: fmt.Sprintf("%s-%d", persona, len(recs)), CatalogVersion: "v1"}
		for _, r := range recs {
			snap.Traders = append(snap.Traders, model.TraderAnalysis{Record: r})
		}
		snap.Personas = []model.PersonaStats{{Persona: persona, TraderCount: len(recs)}}
		return snap, nil
	}
}

func TestPublish_SupersededRunLeavesGauges(t *testing.T) {
	c := New("v1")
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := func(ctx context.Context, recs []model.TraderRecord) (*model.AnalysisSnapshot, error) {
		close(entered)
		<-release
		return sized("Slow")(ctx, recs)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrRun(context.Background(), records(5), slow)
		done <- err
	}()
	<-entered

	fast, err := c.GetOrRun(context.Background(), records(7), sized("Fast"))
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	assert.Same(t, fast, c.Current(), "older run must not replace a newer snapshot")
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.TradersAnalyzed))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.PersonaTraders.WithLabelValues("Fast")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.PersonaTraders))
}

func TestPublish_GaugesMatchCurrentUnderConcurrency(t *testing.T) {
	c := New("v1")

	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = c.Refresh(context.Background(), records(n), sized(fmt.Sprintf("P%d", n)))
		}(i)
	}
	wg.Wait()

	cur := c.Current()
	require.NotNil(t, cur)
	assert.Equal(t, float64(len(cur.Traders)), testutil.ToFloat64(metrics.TradersAnalyzed))
	assert.Equal(t, float64(len(cur.Traders)), testutil.ToFloat64(metrics.PersonaTraders.WithLabelValues(cur.Personas[0].Persona)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.PersonaTraders))
}
