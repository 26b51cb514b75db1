package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClosedTrade is the persistent record written when a position is fully
// closed. OrderID is unique so a replayed close cannot duplicate rows.
type ClosedTrade struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	User           string          `gorm:"size:60;index" json:"user"`
	Symbol         string          `gorm:"size:30;index" json:"symbol"`
	Side           string          `gorm:"size:10" json:"side"`
	EntryPrice     decimal.Decimal `gorm:"type:numeric" json:"entry_price"`
	ExitPrice      decimal.Decimal `gorm:"type:numeric" json:"exit_price"`
	Amount         decimal.Decimal `gorm:"type:numeric" json:"amount"`
	GrossPnL       decimal.Decimal `gorm:"type:numeric;column:gross_pnl" json:"gross_pnl"`
	Fee            decimal.Decimal `gorm:"type:numeric" json:"fee"`
	NetPnL         decimal.Decimal `gorm:"type:numeric;column:net_pnl" json:"net_pnl"`
	OpenTimestamp  time.Time       `json:"open_timestamp"`
	CloseTimestamp time.Time       `gorm:"index" json:"close_timestamp"`
	OrderID        string          `gorm:"size:80;uniqueIndex" json:"order_id"`
	CloseOrderID   string          `gorm:"size:80" json:"close_order_id"`
	CloseReason    string          `gorm:"size:30" json:"close_reason"`
	Leverage       int             `json:"leverage"`
	Exchange       string          `gorm:"size:30" json:"exchange"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (ClosedTrade) TableName() string {
	return "closed_trades"
}
