// Package exchange defines the client surface the rest of the bot trades
// through, with a live REST implementation and a paper simulator that
// fills against live prices.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"tradebot/src/model"
)

// OrderRequest describes an order to be placed. Price is only consulted
// for limit orders. ReduceOnly marks closes so a fill can never flip the
// position.
type OrderRequest struct {
	Symbol     string
	Side       model.Side
	Type       string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
}

// Client is the exchange surface used by the position manager. Both the
// live connector and the paper simulator implement it.
type Client interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, asset string) (model.Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
	FetchPositions(ctx context.Context) ([]model.ExchangePosition, error)
	Instrument(ctx context.Context, symbol string) (model.Instrument, error)
	QuantizeAmount(symbol string, v decimal.Decimal) decimal.Decimal
	QuantizePrice(symbol string, v decimal.Decimal) decimal.Decimal
	IsSimulated() bool
}

// PriceSource is the narrow read-only view the paper simulator and the
// strategies need.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
