package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradebot/src/database"
	"tradebot/src/errs"
	"tradebot/src/model"
)

// ClosedTradeRepository persists finished trades. Writes are best effort
// from the caller's point of view: a failed insert must never undo a
// close that already happened on the exchange.
type ClosedTradeRepository struct {
	db *gorm.DB
}

// NewClosedTradeRepository creates a repository bound to the main database.
func NewClosedTradeRepository() *ClosedTradeRepository {
	logger.WithField("component", "ClosedTradeRepository").
		Info("Creating new ClosedTradeRepository with MainDB")

	return &ClosedTradeRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *ClosedTradeRepository) WithDB(db *gorm.DB) *ClosedTradeRepository {
	return &ClosedTradeRepository{db: db}
}

// SaveClosedTrade inserts a trade record. Replays of the same close are
// absorbed by the unique order_id: the conflicting insert becomes a no-op.
func (r *ClosedTradeRepository) SaveClosedTrade(ctx context.Context, trade *model.ClosedTrade) error {
	logger.WithFields(map[string]interface{}{
		"repo":     "ClosedTradeRepository",
		"op":       "SaveClosedTrade",
		"symbol":   trade.Symbol,
		"order_id": trade.OrderID,
		"net_pnl":  trade.NetPnL,
	}).Debug("Saving closed trade")

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(trade).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ClosedTradeRepository",
			"op":   "SaveClosedTrade",
		}).WithError(err).Error("Failed to save closed trade")

		return &errs.PersistenceError{Op: "SaveClosedTrade", Err: err}
	}
	return nil
}

// TradeSearchOptions filters GetHistoricalTrades.
type TradeSearchOptions struct {
	Symbol       string
	ClosedAfter  *time.Time
	ClosedBefore *time.Time
	Limit        int
}

// GetHistoricalTrades returns closed trades newest first.
func (r *ClosedTradeRepository) GetHistoricalTrades(ctx context.Context, opts TradeSearchOptions) ([]model.ClosedTrade, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Model(&model.ClosedTrade{})
	if opts.Symbol != "" {
		query = query.Where("symbol = ?", opts.Symbol)
	}
	if opts.ClosedAfter != nil {
		query = query.Where("close_timestamp >= ?", *opts.ClosedAfter)
	}
	if opts.ClosedBefore != nil {
		query = query.Where("close_timestamp <= ?", *opts.ClosedBefore)
	}

	var trades []model.ClosedTrade
	err := query.Order("close_timestamp DESC").Limit(limit).Find(&trades).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ClosedTradeRepository",
			"op":   "GetHistoricalTrades",
		}).WithError(err).Error("Failed to fetch historical trades")

		return nil, &errs.PersistenceError{Op: "GetHistoricalTrades", Err: err}
	}
	return trades, nil
}

// TradeTotals aggregates a trade set for reports.
type TradeTotals struct {
	Trades   int64           `json:"trades"`
	NetPnL   decimal.Decimal `json:"net_pnl"`
	GrossPnL decimal.Decimal `json:"gross_pnl"`
	Fees     decimal.Decimal `json:"fees"`
}

// SumNetPnLSince returns the net PnL realized at or after t. Used to
// seed the daily risk counters after a restart. Returns zero when there
// are no rows.
func (r *ClosedTradeRepository) SumNetPnLSince(ctx context.Context, t time.Time) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).Model(&model.ClosedTrade{}).
		Select("COALESCE(SUM(net_pnl), 0) AS total").
		Where("close_timestamp >= ?", t).
		Scan(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "ClosedTradeRepository",
			"op":   "SumNetPnLSince",
		}).WithError(err).Error("Failed to sum net pnl")

		return decimal.Zero, &errs.PersistenceError{Op: "SumNetPnLSince", Err: err}
	}
	return result.Total, nil
}

// Totals aggregates count, pnl and fees at or after t.
func (r *ClosedTradeRepository) Totals(ctx context.Context, t time.Time) (*TradeTotals, error) {
	var result struct {
		Trades   int64
		NetPnl   decimal.Decimal
		GrossPnl decimal.Decimal
		Fees     decimal.Decimal
	}
	err := r.db.WithContext(ctx).Model(&model.ClosedTrade{}).
		Select("COUNT(*) AS trades, COALESCE(SUM(net_pnl), 0) AS net_pnl, COALESCE(SUM(gross_pnl), 0) AS gross_pnl, COALESCE(SUM(fee), 0) AS fees").
		Where("close_timestamp >= ?", t).
		Scan(&result).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ClosedTradeRepository",
			"op":   "Totals",
		}).WithError(err).Error("Failed to aggregate trades")

		return nil, &errs.PersistenceError{Op: "Totals", Err: err}
	}
	return &TradeTotals{
		Trades:   result.Trades,
		NetPnL:   result.NetPnl,
		GrossPnL: result.GrossPnl,
		Fees:     result.Fees,
	}, nil
}
