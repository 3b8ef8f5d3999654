package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/MoonCraze/trader-selection/internal/metrics"
	"github.com/MoonCraze/trader-selection/internal/model"
)

// BreakerConfig controls when the breaker opens.
type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

// BreakerSource guards a Source with a circuit breaker so a failing database
// fails requests fast instead of piling up on timeouts. Unknown wallets are
// not failures.
type BreakerSource struct {
	primary Source
	cb      *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps primary.
func NewBreakerSource(primary Source, cfg BreakerConfig) *BreakerSource {
	if cfg.Name == "" {
		cfg.Name = "trader-source"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	maxFailures := cfg.MaxFailures
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return &BreakerSource{primary: primary, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state.
func (s *BreakerSource) State() gobreaker.State { return s.cb.State() }

// notFound carries ErrTraderNotFound through the breaker as a success.
type notFound struct{ err error }

func (s *BreakerSource) FetchTraders(ctx context.Context, f Filter) ([]model.TraderRecord, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.primary.FetchTraders(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.TraderRecord), nil
}

func (s *BreakerSource) FetchTrader(ctx context.Context, wallet string) (*model.TraderRecord, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		r, err := s.primary.FetchTrader(ctx, wallet)
		if errors.Is(err, ErrTraderNotFound) {
			return notFound{err}, nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if nf, ok := v.(notFound); ok {
		return nil, nf.err
	}
	return v.(*model.TraderRecord), nil
}

func (s *BreakerSource) Stats(ctx context.Context) (*model.SourceStats, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.primary.Stats(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.SourceStats), nil
}

// Ping bypasses the breaker so health checks see the real state.
func (s *BreakerSource) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}
