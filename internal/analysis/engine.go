// Package analysis runs the batch classification and scoring pipeline over a
// trader population and produces an immutable snapshot.
//
// Per-trader work fans out over a bounded worker pool. Two barriers separate
// the stages: archetype discovery needs every feature vector, and group
// consensus needs every assignment and rule match. A trader whose processing
// fails is omitted and counted; the run continues. Cancellation discards all
// partial output.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MoonCraze/trader-selection/internal/archetype"
	"github.com/MoonCraze/trader-selection/internal/features"
	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/model"
	"github.com/MoonCraze/trader-selection/internal/persona"
	"github.com/MoonCraze/trader-selection/internal/query"
	"github.com/MoonCraze/trader-selection/internal/reconcile"
	"github.com/MoonCraze/trader-selection/internal/scoring"
)

// Config sizes the engine.
type Config struct {
	Workers   int
	Archetype archetype.Config
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), Archetype: archetype.DefaultConfig()}
}

// Engine is safe for concurrent runs; it holds no per-run state.
type Engine struct {
	cfg        Config
	catalog    *persona.Catalog
	scorer     *scoring.Scorer
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

// NewEngine wires the pipeline stages.
func NewEngine(cfg Config, catalog *persona.Catalog, scorer *scoring.Scorer, reconciler *reconcile.Reconciler) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:        cfg,
		catalog:    catalog,
		scorer:     scorer,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// CatalogVersion is the version of the persona catalog in use.
func (e *Engine) CatalogVersion() string { return e.catalog.Version() }

// Catalog returns the persona catalog in use.
func (e *Engine) Catalog() *persona.Catalog { return e.catalog }

type slot struct {
	rec     model.TraderRecord
	fv      model.FeatureVector
	matches []model.RuleMatch
	pos     int
	ok      bool
}

// Run analyzes records. Bot filtering is the caller's concern. It returns
// archetype.ErrInsufficientData when fewer than archetype.MinPopulation
// traders survive extraction.
func (e *Engine) Run(ctx context.Context, records []model.TraderRecord) (*model.AnalysisSnapshot, error) {
	start := e.now()
	var omitted atomic.Int64

	slots := e.dedupe(records, &omitted)

	// Stage 1: features.
	if err := e.each(ctx, slots, &omitted, "extract", func(s *slot) error {
		fv := features.Extract(s.rec)
		if err := fv.Validate(); err != nil {
			return err
		}
		s.fv = fv
		s.ok = true
		return nil
	}); err != nil {
		return nil, e.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail(err)
	}

	kept := compact(slots)
	population := make([]model.FeatureVector, len(kept))
	for i, s := range kept {
		population[i] = s.fv
	}
	if len(population) < archetype.MinPopulation {
		return nil, e.fail(fmt.Errorf("%w: %d traders, need %d", archetype.ErrInsufficientData, len(population), archetype.MinPopulation))
	}

	// Stage 2: archetype discovery alongside rule classification.
	var groups *archetype.Model
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := archetype.Discover(population, e.cfg.Archetype)
		if err != nil {
			return err
		}
		groups = m
		return nil
	})
	g.Go(func() error {
		return e.each(gctx, kept, &omitted, "classify", func(s *slot) error {
			s.matches = e.catalog.Classify(s.fv)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, e.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail(err)
	}

	// Stage 3: consensus over the whole population.
	kept = compact(kept)
	members := make([]reconcile.Member, 0, len(kept))
	for _, s := range kept {
		a, _ := groups.Assignment(s.rec.WalletAddress)
		members = append(members, reconcile.Member{GroupID: a.GroupID, Matches: s.matches})
	}
	consensus := reconcile.Consensus(members)

	// Stage 4: reconcile and score.
	for i, s := range kept {
		s.pos = i
	}
	results := make([]model.TraderAnalysis, len(kept))
	done := make([]bool, len(kept))
	if err := e.each(ctx, kept, &omitted, "score", func(s *slot) error {
		a, ok := groups.Assignment(s.rec.WalletAddress)
		if !ok {
			return fmt.Errorf("no archetype assignment for %s", s.rec.WalletAddress)
		}
		cls := e.reconciler.Reconcile(s.matches, a.GroupID, a.Fit, consensus[a.GroupID])
		results[s.pos] = model.TraderAnalysis{
			Record:         s.rec,
			Features:       s.fv,
			Classification: cls,
			Score:          e.scorer.Score(s.fv, cls),
		}
		done[s.pos] = true
		return nil
	}); err != nil {
		return nil, e.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.fail(err)
	}

	traders := make([]model.TraderAnalysis, 0, len(results))
	for i, r := range results {
		if done[i] {
			traders = append(traders, r)
		}
	}
	sort.Slice(traders, func(i, j int) bool {
		a, b := traders[i].Score.CopyTradingScore, traders[j].Score.CopyTradingScore
		if a != b {
			return a > b
		}
		return traders[i].Record.WalletAddress < traders[j].Record.WalletAddress
	})

	n := int(omitted.Load())
	snap := &model.AnalysisSnapshot{
		ID:             uuid.New().String(),
		CatalogVersion: e.catalog.Version(),
		CreatedAt:      e.now().UTC(),
		Traders:        traders,
		Personas:       query.PersonaStats(traders),
		Summary:        query.Summarize(traders, groups.K(), n),
	}
	snap.Duration = e.now().Sub(start)

	metrics.AnalysisRuns.WithLabelValues("ok").Inc()
	metrics.AnalysisDuration.Observe(snap.Duration.Seconds())
	metrics.TradersOmitted.Add(float64(n))

	slog.Info("analysis run complete",
		"id", snap.ID,
		"traders", len(traders),
		"classified", snap.Summary.Classified,
		"groups", groups.K(),
		"iterations", groups.Iterations(),
		"omitted", n,
		"duration", snap.Duration,
	)
	return snap, nil
}

// dedupe keeps the first record per wallet. Later duplicates are omitted.
func (e *Engine) dedupe(records []model.TraderRecord, omitted *atomic.Int64) []*slot {
	seen := make(map[string]struct{}, len(records))
	slots := make([]*slot, 0, len(records))
	for _, r := range records {
		if _, dup := seen[r.WalletAddress]; dup {
			slog.Warn("duplicate trader record omitted", "wallet", r.WalletAddress)
			omitted.Add(1)
			continue
		}
		seen[r.WalletAddress] = struct{}{}
		slots = append(slots, &slot{rec: r})
	}
	return slots
}

// each runs fn over every slot on the bounded pool. A failing or panicking
// fn marks only its slot as omitted. The returned error is non-nil only on
// cancellation.
func (e *Engine) each(ctx context.Context, slots []*slot, omitted *atomic.Int64, stage string, fn func(*slot) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, s := range slots {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := guard(s, fn); err != nil {
				s.ok = false
				omitted.Add(1)
				slog.Warn("trader omitted from analysis",
					"stage", stage,
					"wallet", s.rec.WalletAddress,
					"err", err,
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func guard(s *slot, fn func(*slot) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s)
}

func compact(slots []*slot) []*slot {
	out := make([]*slot, 0, len(slots))
	for _, s := range slots {
		if s.ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) fail(err error) error {
	switch {
	case errors.Is(err, archetype.ErrInsufficientData):
		metrics.AnalysisRuns.WithLabelValues("insufficient_data").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.AnalysisRuns.WithLabelValues("canceled").Inc()
	default:
		metrics.AnalysisRuns.WithLabelValues("error").Inc()
	}
	return err
}
