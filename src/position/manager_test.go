package position

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/config"
	"tradebot/src/exchange"
	"tradebot/src/model"
	"tradebot/src/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeClient is a scriptable exchange double. Orders fill immediately
// unless fillAfterPolls is set.
type fakeClient struct {
	mu sync.Mutex

	price   decimal.Decimal
	balance decimal.Decimal

	orders         map[string]*model.Order
	counter        int
	createErr      error
	fillAfterPolls int
	polls          int
	fillFraction   decimal.Decimal
	remote         []model.ExchangePosition

	created         []exchange.OrderRequest
	instrumentCalls int
}

func newFakeClient(price, balance string) *fakeClient {
	return &fakeClient{
		price:   d(price),
		balance: d(balance),
		orders:  make(map[string]*model.Order),
	}
}

func (f *fakeClient) GetPrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeClient) GetBalance(_ context.Context, asset string) (model.Balance, error) {
	return model.Balance{Asset: asset, Free: f.balance, Total: f.balance}, nil
}

func (f *fakeClient) CreateOrder(_ context.Context, req exchange.OrderRequest) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.counter++
	order := &model.Order{
		ID:     fmt.Sprintf("order_%d", f.counter),
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Amount: req.Amount,
	}
	if f.fillAfterPolls > 0 {
		order.Status = model.OrderStatusNew
	} else {
		order.Status = model.OrderStatusFilled
		order.Filled = req.Amount
		if f.fillFraction.IsPositive() {
			order.Filled = req.Amount.Mul(f.fillFraction)
		}
		order.AveragePrice = f.price
		if req.Type == model.OrderTypeLimit {
			order.AveragePrice = req.Price
		}
	}
	f.orders[order.ID] = order
	return cloneFake(order), nil
}

func (f *fakeClient) GetOrder(_ context.Context, _, orderID string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	if order.Status != model.OrderStatusFilled && f.fillAfterPolls > 0 {
		f.polls++
		if f.polls >= f.fillAfterPolls {
			order.Status = model.OrderStatusFilled
			order.Filled = order.Amount
			order.AveragePrice = f.price
		}
	}
	return cloneFake(order), nil
}

func (f *fakeClient) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeClient) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeClient) SetMarginMode(context.Context, string, string) error { return nil }

func (f *fakeClient) FetchPositions(context.Context) ([]model.ExchangePosition, error) {
	return f.remote, nil
}

func (f *fakeClient) Instrument(_ context.Context, symbol string) (model.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instrumentCalls++
	return model.Instrument{Symbol: symbol, QtyStep: d("0.001"), TickSize: d("0.01")}, nil
}

func (f *fakeClient) QuantizeAmount(_ string, v decimal.Decimal) decimal.Decimal {
	return v.RoundDown(3)
}

func (f *fakeClient) QuantizePrice(_ string, v decimal.Decimal) decimal.Decimal {
	return v.RoundDown(2)
}

func (f *fakeClient) IsSimulated() bool { return false }

func (f *fakeClient) setPrice(p string) {
	f.mu.Lock()
	f.price = d(p)
	f.mu.Unlock()
}

func cloneFake(o *model.Order) *model.Order {
	clone := *o
	return &clone
}

type memTradeRepo struct {
	mu     sync.Mutex
	trades []*model.ClosedTrade
	err    error
}

func (r *memTradeRepo) SaveClosedTrade(_ context.Context, trade *model.ClosedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.trades = append(r.trades, trade)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		User:                 "tester",
		ExchangeName:         "bybit",
		QuoteAsset:           "USDT",
		RiskPerTradePct:      1,
		DailyLossLimitPct:    5,
		MaxPositions:         5,
		AmountPolicy:         config.AmountPolicyPercentage,
		AmountValue:          100,
		Leverage:             3,
		MarginMode:           "isolated",
		DefaultStopLossPct:   2,
		DefaultTakeProfitPct: 4,
		TSLActivationPct:     1.5,
		TSLCallbackPct:       0.75,
		OrderFillTimeout:     200 * time.Millisecond,
		OrderPollInterval:    10 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, client *fakeClient) (*Manager, *memTradeRepo) {
	t.Helper()
	cfg := testConfig()
	riskMgr := risk.NewManager(cfg, client)
	riskMgr.Seed(decimal.Zero, client.balance)
	repo := &memTradeRepo{}
	return NewManager(cfg, client, riskMgr, repo, nil), repo
}

func longSignal() *model.Signal {
	return &model.Signal{
		Symbol:    "BTCUSDT",
		Side:      model.SideLong,
		OrderType: model.OrderTypeMarket,
		StopLoss:  d("49500"),
	}
}

func TestOpen_MarketFlow(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, _ := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	pos := snap[0]
	assert.Equal(t, model.PositionStatusOpen, pos.Status)
	assert.True(t, d("50000").Equal(pos.EntryPrice))
	// 1% of 10000 over a 500 stop distance
	assert.True(t, d("0.2").Equal(pos.Amount), "amount %s", pos.Amount)
	assert.True(t, d("49500").Equal(pos.StopLoss))
	// take profit defaulted to +4%
	assert.True(t, d("52000").Equal(pos.TakeProfit), "tp %s", pos.TakeProfit)
	assert.NotNil(t, pos.Trailing)
}

func TestOpen_SameSideClosesThenReopens(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))
	require.NoError(t, m.Open(context.Background(), longSignal()))

	assert.Equal(t, 1, m.OpenCount())
	// open, reduce-only close, open
	require.Len(t, client.created, 3)
	assert.True(t, client.created[1].ReduceOnly)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	assert.Equal(t, model.CloseReasonSignal, repo.trades[0].CloseReason)
}

func TestOpen_FetchesInstrumentBeforeSizing(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, _ := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.instrumentCalls)
}

func TestOpen_OppositeSideClosesFirst(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	short := &model.Signal{
		Symbol:    "BTCUSDT",
		Side:      model.SideShort,
		OrderType: model.OrderTypeMarket,
		StopLoss:  d("50500"),
	}
	require.NoError(t, m.Open(context.Background(), short))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.SideShort, snap[0].Side)

	// open, reduce-only close, open
	require.Len(t, client.created, 3)
	assert.True(t, client.created[1].ReduceOnly)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	assert.Equal(t, model.CloseReasonSignal, repo.trades[0].CloseReason)
}

func TestOpen_LimitFillTimeoutCancels(t *testing.T) {
	client := newFakeClient("50000", "10000")
	client.fillAfterPolls = 1000 // never within the 200ms budget
	m, _ := newTestManager(t, client)

	sig := longSignal()
	sig.OrderType = model.OrderTypeLimit
	sig.LimitPrice = d("49800")

	err := m.Open(context.Background(), sig)
	require.Error(t, err)
	assert.Equal(t, 0, m.OpenCount())
}

func TestClose_ComputesPnLAndPersists(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))
	client.setPrice("50500")

	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonManual))
	assert.Equal(t, 0, m.OpenCount())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	trade := repo.trades[0]
	// (50500 - 50000) * 0.2
	assert.True(t, d("100").Equal(trade.GrossPnL), "gross %s", trade.GrossPnL)
	assert.Equal(t, "tester", trade.User)
	assert.NotEmpty(t, trade.CloseOrderID)
}

func TestClose_PartialFillUsesExecutedAmount(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))
	client.setPrice("50500")

	// The venue fills only 99% of the close order.
	client.mu.Lock()
	client.fillFraction = d("0.99")
	client.mu.Unlock()

	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonManual))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	trade := repo.trades[0]
	// (50500 - 50000) * 0.2 * 0.99
	assert.True(t, d("0.198").Equal(trade.Amount), "amount %s", trade.Amount)
	assert.True(t, d("99").Equal(trade.GrossPnL), "gross %s", trade.GrossPnL)
}

func TestClose_Idempotent(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))
	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonManual))
	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonManual))
	require.NoError(t, m.Close(context.Background(), "ETHUSDT", model.CloseReasonManual))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.trades, 1)
}

func TestClose_FailureKeepsPositionForRetry(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	client.mu.Lock()
	client.createErr = fmt.Errorf("venue down")
	client.mu.Unlock()

	err := m.Close(context.Background(), "BTCUSDT", model.CloseReasonStopLoss)
	require.Error(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.PositionStatusCloseFailed, snap[0].Status)

	// Retry succeeds once the venue recovers.
	client.mu.Lock()
	client.createErr = nil
	client.mu.Unlock()

	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonStopLoss))
	assert.Equal(t, 0, m.OpenCount())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.trades, 1)
}

func TestClose_PersistenceFailureDoesNotFailClose(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)
	repo.err = fmt.Errorf("db on fire")

	require.NoError(t, m.Open(context.Background(), longSignal()))
	require.NoError(t, m.Close(context.Background(), "BTCUSDT", model.CloseReasonManual))
	assert.Equal(t, 0, m.OpenCount())
}

func TestEvaluateAll_StopLossWinsOverTakeProfit(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	client.setPrice("49400")
	m.EvaluateAll(context.Background())

	assert.Equal(t, 0, m.OpenCount())
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	assert.Equal(t, model.CloseReasonStopLoss, repo.trades[0].CloseReason)
}

func TestEvaluateAll_TrailingStopExit(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, repo := newTestManager(t, client)

	require.NoError(t, m.Open(context.Background(), longSignal()))

	// +1.6% activates the trail (threshold 1.5%), stop sits 0.75% below.
	client.setPrice("50800")
	m.EvaluateAll(context.Background())
	assert.Equal(t, 1, m.OpenCount())

	// Pull back through the trailing stop.
	client.setPrice("50400")
	m.EvaluateAll(context.Background())

	assert.Equal(t, 0, m.OpenCount())
	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.trades, 1)
	assert.Equal(t, model.CloseReasonTrailingStop, repo.trades[0].CloseReason)
}

func TestReconcile_AdoptsAndDrops(t *testing.T) {
	client := newFakeClient("50000", "10000")
	m, _ := newTestManager(t, client)

	// A local phantom the exchange does not hold.
	require.NoError(t, m.Open(context.Background(), longSignal()))
	client.remote = []model.ExchangePosition{
		{Symbol: "ETHUSDT", Side: model.SideShort, Amount: d("1.5"), EntryPrice: d("2000"), Leverage: 2},
	}

	require.NoError(t, m.Reconcile(context.Background()))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	adopted := snap[0]
	assert.Equal(t, "ETHUSDT", adopted.Symbol)
	assert.True(t, adopted.Reconciled)
	assert.Contains(t, adopted.ID, "reconciled_ETHUSDT_short_")
	// Default exits armed around the reported entry: short SL +2%, TP -4%.
	assert.True(t, d("2040").Equal(adopted.StopLoss), "sl %s", adopted.StopLoss)
	assert.True(t, d("1920").Equal(adopted.TakeProfit), "tp %s", adopted.TakeProfit)
}
