package model

import "github.com/shopspring/decimal"

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Signal is the canonical trade instruction, produced either by the
// webhook parser or by a strategy. Zero decimals mean "not provided".
// A close signal carries only the symbol; its side, when present, is
// informational.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Side       Side            `json:"side"`
	OrderType  string          `json:"order_type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Leverage   int             `json:"leverage"`
	Source     string          `json:"source"`
}
