package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// PostgresSource implements Source over a PostgreSQL traders table.
// Monetary columns are NUMERIC and read as text for exact decimal precision.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a new PostgreSQL-backed source.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

const traderColumns = `wallet_address,
	gross_profit::TEXT, realized_profit::TEXT, realized_profit_percent::TEXT, unrealized_profit::TEXT,
	win_rate, wins, losses, trades,
	trade_volume::TEXT, avg_trade_size::TEXT, is_bot`

// pgQuery renders f as a WHERE / ORDER BY / LIMIT clause with positional
// arguments.
func pgQuery(f Filter) (string, []any, error) {
	if _, err := ParseSort(string(f.SortBy)); err != nil {
		return "", nil, err
	}
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ExcludeBots {
		where = append(where, "is_bot = FALSE")
	}
	if f.MinWinRate > 0 {
		add("win_rate >= $%d", f.MinWinRate)
	}
	if f.MinTrades > 0 {
		add("trades >= $%d", f.MinTrades)
	}
	if f.MinVolume > 0 {
		add("trade_volume >= $%d::NUMERIC", decimal.NewFromFloat(f.MinVolume).String())
	}
	if f.MinProfit != 0 {
		add("realized_profit >= $%d::NUMERIC", decimal.NewFromFloat(f.MinProfit).String())
	}

	var b strings.Builder
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	if f.SortBy != SortNone {
		b.WriteString(string(f.SortBy))
		b.WriteString(" DESC NULLS LAST, ")
	}
	b.WriteString("wallet_address")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args, nil
}

func (s *PostgresSource) FetchTraders(ctx context.Context, f Filter) ([]model.TraderRecord, error) {
	clause, args, err := pgQuery(f)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+traderColumns+` FROM traders`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch traders: %w", err)
	}
	defer rows.Close()

	var out []model.TraderRecord
	for rows.Next() {
		r, err := scanTrader(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trader: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresSource) FetchTrader(ctx context.Context, wallet string) (*model.TraderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+traderColumns+` FROM traders WHERE wallet_address = $1`, wallet)
	r, err := scanTrader(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraderNotFound, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("get trader %s: %w", wallet, err)
	}
	return r, nil
}

func (s *PostgresSource) Stats(ctx context.Context) (*model.SourceStats, error) {
	var st model.SourceStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE NOT is_bot),
		        COUNT(*) FILTER (WHERE is_bot),
		        COALESCE(AVG(win_rate) FILTER (WHERE NOT is_bot), 0)::FLOAT8,
		        COALESCE(AVG(trades) FILTER (WHERE NOT is_bot), 0)::FLOAT8,
		        COALESCE(AVG(trade_volume) FILTER (WHERE NOT is_bot), 0)::FLOAT8,
		        COALESCE(AVG(realized_profit) FILTER (WHERE NOT is_bot), 0)::FLOAT8,
		        COALESCE(SUM(realized_profit) FILTER (WHERE NOT is_bot), 0)::FLOAT8,
		        COALESCE(SUM(trade_volume) FILTER (WHERE NOT is_bot), 0)::FLOAT8
		 FROM traders`).
		Scan(&st.TotalTraders, &st.NonBotTraders, &st.BotTraders,
			&st.AvgWinRate, &st.AvgTrades, &st.AvgVolume,
			&st.AvgProfit, &st.TotalProfit, &st.TotalVolume)
	if err != nil {
		return nil, fmt.Errorf("trader stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanTrader(row pgx.Row) (*model.TraderRecord, error) {
	var r model.TraderRecord
	var gross, realized, realizedPct, unrealized, volume, avgSize *string

	err := row.Scan(&r.WalletAddress,
		&gross, &realized, &realizedPct, &unrealized,
		&r.WinRate, &r.Wins, &r.Losses, &r.Trades,
		&volume, &avgSize, &r.IsBot)
	if err != nil {
		return nil, err
	}

	r.GrossProfit = parseDecimal(gross)
	r.RealizedProfit = parseDecimal(realized)
	r.RealizedProfitPercent = parseDecimal(realizedPct)
	r.UnrealizedProfit = parseDecimal(unrealized)
	r.TradeVolume = parseDecimal(volume)
	r.AvgTradeSize = parseDecimal(avgSize)
	return &r, nil
}

// parseDecimal maps NULL and unparsable values to zero; the feature
// extractor treats missing numbers the same way.
func parseDecimal(s *string) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
