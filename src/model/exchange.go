package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusNew       = "new"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

const (
	MarginModeIsolated = "isolated"
	MarginModeCross    = "cross"
)

// Order is the exchange-side view of an order as reported back to us.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Filled       decimal.Decimal `json:"filled"`
	Price        decimal.Decimal `json:"price"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Fee          decimal.Decimal `json:"fee"`
	FeeAsset     string          `json:"fee_asset"`
	Status       string          `json:"status"`
	ReduceOnly   bool            `json:"reduce_only"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Balance is the account balance for one asset.
type Balance struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}

// ExchangePosition is a position as the exchange reports it, used for
// startup reconciliation.
type ExchangePosition struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int             `json:"leverage"`
}

// Instrument carries the per-symbol trading rules used for quantization.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	QtyStep    decimal.Decimal `json:"qty_step"`
	TickSize   decimal.Decimal `json:"tick_size"`
	MinQty     decimal.Decimal `json:"min_qty"`
	BaseAsset  string          `json:"base_asset"`
	QuoteAsset string          `json:"quote_asset"`
}
