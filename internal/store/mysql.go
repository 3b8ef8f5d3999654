package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MoonCraze/trader-selection/internal/model"
)

// traderRow maps the MySQL traders table.
type traderRow struct {
	WalletAddress         string          `gorm:"column:wallet_address;primaryKey"`
	GrossProfit           decimal.Decimal `gorm:"column:gross_profit;type:decimal(38,18)"`
	RealizedProfit        decimal.Decimal `gorm:"column:realized_profit;type:decimal(38,18)"`
	RealizedProfitPercent decimal.Decimal `gorm:"column:realized_profit_percent;type:decimal(38,18)"`
	UnrealizedProfit      decimal.Decimal `gorm:"column:unrealized_profit;type:decimal(38,18)"`
	WinRate               float64         `gorm:"column:win_rate"`
	Wins                  int64           `gorm:"column:wins"`
	Losses                int64           `gorm:"column:losses"`
	Trades                int64           `gorm:"column:trades"`
	TradeVolume           decimal.Decimal `gorm:"column:trade_volume;type:decimal(38,18)"`
	AvgTradeSize          decimal.Decimal `gorm:"column:avg_trade_size;type:decimal(38,18)"`
	IsBot                 bool            `gorm:"column:is_bot"`
}

func (traderRow) TableName() string { return "traders" }

func (r traderRow) record() model.TraderRecord {
	return model.TraderRecord{
		WalletAddress:         r.WalletAddress,
		GrossProfit:           r.GrossProfit,
		RealizedProfit:        r.RealizedProfit,
		RealizedProfitPercent: r.RealizedProfitPercent,
		UnrealizedProfit:      r.UnrealizedProfit,
		WinRate:               r.WinRate,
		Wins:                  r.Wins,
		Losses:                r.Losses,
		Trades:                r.Trades,
		TradeVolume:           r.TradeVolume,
		AvgTradeSize:          r.AvgTradeSize,
		IsBot:                 r.IsBot,
	}
}

// MySQLSource implements Source over a MySQL traders table using gorm.
type MySQLSource struct {
	db *gorm.DB
}

// OpenMySQL connects to dsn, e.g.
// "user:pass@tcp(host:3306)/traders?charset=utf8mb4&parseTime=True&loc=Local".
func OpenMySQL(dsn string) (*MySQLSource, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewMySQLSource(db), nil
}

// NewMySQLSource wraps an open gorm handle.
func NewMySQLSource(db *gorm.DB) *MySQLSource {
	return &MySQLSource{db: db}
}

// Close releases the underlying connection pool.
func (s *MySQLSource) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLSource) FetchTraders(ctx context.Context, f Filter) ([]model.TraderRecord, error) {
	if _, err := ParseSort(string(f.SortBy)); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&traderRow{})
	if f.ExcludeBots {
		q = q.Where("is_bot = ?", false)
	}
	if f.MinWinRate > 0 {
		q = q.Where("win_rate >= ?", f.MinWinRate)
	}
	if f.MinTrades > 0 {
		q = q.Where("trades >= ?", f.MinTrades)
	}
	if f.MinVolume > 0 {
		q = q.Where("trade_volume >= ?", decimal.NewFromFloat(f.MinVolume))
	}
	if f.MinProfit != 0 {
		q = q.Where("realized_profit >= ?", decimal.NewFromFloat(f.MinProfit))
	}
	if f.SortBy != SortNone {
		q = q.Order(string(f.SortBy) + " DESC")
	}
	q = q.Order("wallet_address")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var rows []traderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch traders: %w", err)
	}
	out := make([]model.TraderRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *MySQLSource) FetchTrader(ctx context.Context, wallet string) (*model.TraderRecord, error) {
	var row traderRow
	err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTraderNotFound, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("get trader %s: %w", wallet, err)
	}
	r := row.record()
	return &r, nil
}

func (s *MySQLSource) Stats(ctx context.Context) (*model.SourceStats, error) {
	var row struct {
		TotalTraders  int
		NonBotTraders int
		BotTraders    int
		AvgWinRate    float64
		AvgTrades     float64
		AvgVolume     float64
		AvgProfit     float64
		TotalProfit   float64
		TotalVolume   float64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total_traders,
		        COALESCE(SUM(CASE WHEN is_bot = 0 THEN 1 ELSE 0 END), 0) AS non_bot_traders,
		        COALESCE(SUM(CASE WHEN is_bot = 1 THEN 1 ELSE 0 END), 0) AS bot_traders,
		        COALESCE(AVG(CASE WHEN is_bot = 0 THEN win_rate END), 0) AS avg_win_rate,
		        COALESCE(AVG(CASE WHEN is_bot = 0 THEN trades END), 0) AS avg_trades,
		        COALESCE(AVG(CASE WHEN is_bot = 0 THEN trade_volume END), 0) AS avg_volume,
		        COALESCE(AVG(CASE WHEN is_bot = 0 THEN realized_profit END), 0) AS avg_profit,
		        COALESCE(SUM(CASE WHEN is_bot = 0 THEN realized_profit END), 0) AS total_profit,
		        COALESCE(SUM(CASE WHEN is_bot = 0 THEN trade_volume END), 0) AS total_volume
		 FROM traders`).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("trader stats: %w", err)
	}
	st := model.SourceStats(row)
	return &st, nil
}

func (s *MySQLSource) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
