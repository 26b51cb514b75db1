package exchange

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/errs"
	"tradebot/src/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedOracle struct{ price decimal.Decimal }

func (o fixedOracle) GetPrice(context.Context, string) (decimal.Decimal, error) {
	return o.price, nil
}

func noSlip() decimal.Decimal { return decimal.Zero }

func newTestPaper(price, balance string) *PaperClient {
	return NewPaperClient(fixedOracle{price: d(price)}, nil, "USDT", d(balance)).
		WithSlippage(noSlip)
}

func TestPaperCreateOrder_MarketFillAndCommission(t *testing.T) {
	p := newTestPaper("50000", "10000")

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   model.SideLong,
		Type:   model.OrderTypeMarket,
		Amount: d("0.2"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.True(t, d("50000").Equal(order.AveragePrice), "fill %s", order.AveragePrice)
	assert.True(t, order.Filled.Equal(order.Amount))
	// fee = 50000 * 0.2 * 0.001
	assert.True(t, d("10").Equal(order.Fee), "fee %s", order.Fee)
	assert.True(t, strings.HasPrefix(order.ID, "demo_"), "id %s", order.ID)

	// Futures-style ledger: only the commission leaves the quote balance.
	bal, err := p.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, d("9990").Equal(bal.Total), "balance %s", bal.Total)
}

func TestPaperCreateOrder_SlippageBounded(t *testing.T) {
	p := NewPaperClient(fixedOracle{price: d("50000")}, nil, "USDT", d("10000"))

	lo := d("50000").Mul(d("0.9995"))
	hi := d("50000").Mul(d("1.0005"))

	for i := 0; i < 50; i++ {
		order, err := p.CreateOrder(context.Background(), OrderRequest{
			Symbol: "BTCUSDT",
			Side:   model.SideLong,
			Type:   model.OrderTypeMarket,
			Amount: d("0.001"),
		})
		require.NoError(t, err)
		assert.True(t, order.AveragePrice.GreaterThanOrEqual(lo.RoundDown(2)), "fill %s below bound", order.AveragePrice)
		assert.True(t, order.AveragePrice.LessThanOrEqual(hi), "fill %s above bound", order.AveragePrice)
	}
}

func TestPaperCreateOrder_LimitFillsAtLimitPrice(t *testing.T) {
	p := newTestPaper("50000", "10000")

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   model.SideLong,
		Type:   model.OrderTypeLimit,
		Amount: d("0.1"),
		Price:  d("49000"),
	})
	require.NoError(t, err)
	assert.True(t, d("49000").Equal(order.AveragePrice), "fill %s", order.AveragePrice)
}

func TestPaperCreateOrder_InsufficientCommissionBalance(t *testing.T) {
	p := newTestPaper("50000", "1")

	_, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   model.SideLong,
		Type:   model.OrderTypeMarket,
		Amount: d("1"),
	})
	require.Error(t, err)
	var xerr *errs.ExchangeError
	assert.ErrorAs(t, err, &xerr)

	// Rejected order must not touch the ledger.
	bal, _ := p.GetBalance(context.Background(), "USDT")
	assert.True(t, d("1").Equal(bal.Total))
}

func TestPaperCreateOrder_QuantizesAmountDown(t *testing.T) {
	p := newTestPaper("50000", "10000")

	order, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   model.SideLong,
		Type:   model.OrderTypeMarket,
		Amount: d("0.12345678"),
	})
	require.NoError(t, err)
	assert.True(t, d("0.123").Equal(order.Amount), "amount %s", order.Amount)
}

func TestPaperGetOrder_Roundtrip(t *testing.T) {
	p := newTestPaper("50000", "10000")

	created, err := p.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   model.SideShort,
		Type:   model.OrderTypeMarket,
		Amount: d("0.01"),
	})
	require.NoError(t, err)

	got, err := p.GetOrder(context.Background(), "BTCUSDT", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.SideShort, got.Side)

	_, err = p.GetOrder(context.Background(), "BTCUSDT", "demo_404_0")
	assert.Error(t, err)
}

func TestPaperIsSimulated(t *testing.T) {
	assert.True(t, newTestPaper("1", "1").IsSimulated())
}
