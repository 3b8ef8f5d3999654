// Package runcache owns the current analysis snapshot. It runs the engine at
// most once per input fingerprint at a time: callers arriving while a run for
// the same fingerprint is in flight join it and receive its result.
package runcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/model"
)

// Runner produces a snapshot from records.
type Runner func(ctx context.Context, records []model.TraderRecord) (*model.AnalysisSnapshot, error)

// SnapshotStore persists the latest snapshot for warm restarts.
type SnapshotStore interface {
	// Load returns nil without error when nothing is stored.
	Load(ctx context.Context) (*model.AnalysisSnapshot, error)
	Save(ctx context.Context, snap *model.AnalysisSnapshot) error
}

// Result describes how a request was served.
type Result struct {
	Snapshot *model.AnalysisSnapshot
	// Cached is set when the current snapshot already matched the input.
	Cached bool
	// Joined is set when the caller waited on a run started by another caller.
	Joined bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore persists every published snapshot.
func WithStore(s SnapshotStore) Option {
	return func(c *Cache) { c.store = s }
}

// WithRunTimeout bounds a single engine run. Runs are detached from the
// caller's context so one impatient caller cannot cancel a shared run.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// OnPublish registers a hook called after each snapshot replacement.
func OnPublish(fn func(*model.AnalysisSnapshot)) Option {
	return func(c *Cache) { c.hooks = append(c.hooks, fn) }
}

// Cache is safe for concurrent use.
type Cache struct {
	catalogVersion string
	timeout        time.Duration
	store          SnapshotStore
	hooks          []func(*model.AnalysisSnapshot)

	current atomic.Pointer[model.AnalysisSnapshot]
	group   singleflight.Group

	seq       atomic.Uint64
	publishMu sync.Mutex
	published uint64
}

// New returns an empty cache for snapshots built with catalogVersion.
func New(catalogVersion string, opts ...Option) *Cache {
	c := &Cache{catalogVersion: catalogVersion, timeout: 2 * time.Minute}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Current returns the latest snapshot, or nil before the first run.
func (c *Cache) Current() *model.AnalysisSnapshot {
	return c.current.Load()
}

// GetOrRun returns the current snapshot when it was built from identical
// records, and otherwise runs (or joins a run) for them.
func (c *Cache) GetOrRun(ctx context.Context, records []model.TraderRecord, run Runner) (*model.AnalysisSnapshot, error) {
	res, err := c.Trigger(ctx, records, run, false)
	return res.Snapshot, err
}

// Refresh runs even if the current snapshot matches, still joining an
// in-flight run for the same fingerprint.
func (c *Cache) Refresh(ctx context.Context, records []model.TraderRecord, run Runner) (Result, error) {
	return c.Trigger(ctx, records, run, true)
}

// Trigger is GetOrRun with details of how the result was obtained. A failed
// run leaves the current snapshot in place.
func (c *Cache) Trigger(ctx context.Context, records []model.TraderRecord, run Runner, force bool) (Result, error) {
	fp := Fingerprint(records, c.catalogVersion)
	if !force {
		if cur := c.current.Load(); cur != nil && cur.Fingerprint == fp {
			metrics.RunCacheRequests.WithLabelValues("hit").Inc()
			return Result{Snapshot: cur, Cached: true}, nil
		}
	}

	started := false
	ch := c.group.DoChan(fp, func() (interface{}, error) {
		started = true
		return c.run(context.WithoutCancel(ctx), fp, records, run)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if started {
			metrics.RunCacheRequests.WithLabelValues("run").Inc()
		} else {
			metrics.RunCacheRequests.WithLabelValues("joined").Inc()
			slog.Debug("joined in-flight analysis run", "fingerprint", short(fp))
		}
		if r.Err != nil {
			return Result{Joined: !started}, r.Err
		}
		return Result{Snapshot: r.Val.(*model.AnalysisSnapshot), Joined: !started}, nil
	}
}

func (c *Cache) run(ctx context.Context, fp string, records []model.TraderRecord, run Runner) (*model.AnalysisSnapshot, error) {
	seq := c.seq.Add(1)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	slog.Info("analysis run started", "fingerprint", short(fp), "records", len(records))
	snap, err := run(ctx, records)
	if err != nil {
		slog.Warn("analysis run failed", "fingerprint", short(fp), "err", err)
		return nil, err
	}
	snap.Fingerprint = fp
	c.publish(ctx, seq, snap)
	return snap, nil
}

// publish swaps in snap unless a run that started later already published.
func (c *Cache) publish(ctx context.Context, seq uint64, snap *model.AnalysisSnapshot) {
	c.publishMu.Lock()
	if seq < c.published {
		c.publishMu.Unlock()
		slog.Info("discarding superseded snapshot", "id", snap.ID)
		return
	}
	c.published = seq
	c.current.Store(snap)
	// Gauges describe the current snapshot; update them under the same lock.
	metrics.TradersAnalyzed.Set(float64(len(snap.Traders)))
	metrics.PersonaTraders.Reset()
	for _, p := range snap.Personas {
		metrics.PersonaTraders.WithLabelValues(p.Persona).Set(float64(p.TraderCount))
	}
	c.publishMu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, snap); err != nil {
			slog.Warn("snapshot persist failed", "id", snap.ID, "err", err)
		}
	}
	for _, h := range c.hooks {
		h(snap)
	}
}

// Restore loads the persisted snapshot, if any, as the current one. A
// snapshot built with another catalog version is ignored.
func (c *Cache) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.Load(ctx)
	if err != nil || snap == nil {
		return err
	}
	if snap.CatalogVersion != c.catalogVersion {
		slog.Info("ignoring persisted snapshot from another catalog", "catalog", snap.CatalogVersion)
		return nil
	}
	c.current.CompareAndSwap(nil, snap)
	slog.Info("restored analysis snapshot", "id", snap.ID, "traders", len(snap.Traders))
	return nil
}

// Fingerprint identifies an input set: the records in wallet order plus the
// catalog version. Record order does not matter.
func Fingerprint(records []model.TraderRecord, catalogVersion string) string {
	sorted := make([]model.TraderRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].WalletAddress < sorted[j].WalletAddress })

	h := sha256.New()
	h.Write([]byte(catalogVersion))
	buf := make([]byte, 0, 256)
	for _, r := range sorted {
		buf = buf[:0]
		buf = append(buf, 0x1e)
		buf = append(buf, r.WalletAddress...)
		for _, d := range []string{
			r.GrossProfit.String(),
			r.RealizedProfit.String(),
			r.RealizedProfitPercent.String(),
			r.UnrealizedProfit.String(),
			r.TradeVolume.String(),
			r.AvgTradeSize.String(),
		} {
			buf = append(buf, 0x1f)
			buf = append(buf, d...)
		}
		buf = append(buf, 0x1f)
		buf = strconv.AppendFloat(buf, r.WinRate, 'g', -1, 64)
		for _, n := range []int64{r.Wins, r.Losses, r.Trades} {
			buf = append(buf, 0x1f)
			buf = strconv.AppendInt(buf, n, 10)
		}
		buf = append(buf, 0x1f)
		buf = strconv.AppendBool(buf, r.IsBot)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
