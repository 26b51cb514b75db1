package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionStatusOpen        = "open"
	PositionStatusClosing     = "closing"
	PositionStatusClosed      = "closed"
	PositionStatusCloseFailed = "close_failed"
)

// Position is a live in-memory position. It is not persisted as-is;
// only the resulting ClosedTrade goes to the database.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int             `json:"leverage"`
	Status     string          `json:"status"`

	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Trailing   *TrailingStop   `json:"trailing,omitempty"`
	EntryFee   decimal.Decimal `json:"entry_fee"`

	OpenedAt     time.Time `json:"opened_at"`
	OrderID      string    `json:"order_id"`
	CloseOrderID string    `json:"close_order_id,omitempty"`
	Reconciled   bool      `json:"reconciled,omitempty"`
}

// TrailingStop holds the trailing-stop state for one position. The stop
// only tightens after activation, never loosens.
type TrailingStop struct {
	ActivationPct decimal.Decimal `json:"activation_pct"`
	CallbackPct   decimal.Decimal `json:"callback_pct"`
	Active        bool            `json:"active"`
	Extreme       decimal.Decimal `json:"extreme"`
	Stop          decimal.Decimal `json:"stop"`
}

const (
	CloseReasonSignal       = "signal"
	CloseReasonStopLoss     = "stop_loss"
	CloseReasonTakeProfit   = "take_profit"
	CloseReasonTrailingStop = "trailing_stop"
	CloseReasonManual       = "manual"
	CloseReasonShutdown     = "shutdown"
)
