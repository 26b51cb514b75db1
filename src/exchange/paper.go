package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/errs"
	"tradebot/src/model"
)

// maxSlippage is the symmetric market-order slippage bound, 0.05%
// either way.
var maxSlippage = decimal.RequireFromString("0.0005")

// defaultCommissionRate matches a taker fee of 0.1%.
var defaultCommissionRate = decimal.RequireFromString("0.001")

// Quantizers is the instrument-rule surface the simulator borrows from
// the live client so paper fills respect real instrument steps.
type Quantizers interface {
	Instrument(ctx context.Context, symbol string) (model.Instrument, error)
	QuantizeAmount(symbol string, v decimal.Decimal) decimal.Decimal
	QuantizePrice(symbol string, v decimal.Decimal) decimal.Decimal
}

// PaperClient simulates fills against live prices. It keeps a virtual
// quote-currency ledger that is only ever debited by commissions,
// mirroring a futures account where margin is reserved, not spent.
type PaperClient struct {
	oracle     PriceSource
	quantizers Quantizers
	quoteAsset string
	rate       decimal.Decimal

	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	orders      map[string]*model.Order
	leverages   map[string]int
	marginModes map[string]string
	counter     int64

	slip func() decimal.Decimal
	now  func() time.Time
}

// NewPaperClient seeds the virtual ledger with startingBalance of
// quoteAsset. The oracle must serve live prices; the simulator never
// invents them. quantizers may be nil, in which case per-symbol defaults
// apply.
func NewPaperClient(oracle PriceSource, quantizers Quantizers, quoteAsset string, startingBalance decimal.Decimal) *PaperClient {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &PaperClient{
		oracle:      oracle,
		quantizers:  quantizers,
		quoteAsset:  quoteAsset,
		rate:        defaultCommissionRate,
		balances:    map[string]decimal.Decimal{quoteAsset: startingBalance},
		orders:      make(map[string]*model.Order),
		leverages:   make(map[string]int),
		marginModes: make(map[string]string),
		slip: func() decimal.Decimal {
			// uniform in [-maxSlippage, +maxSlippage]
			span := decimal.NewFromFloat(rng.Float64()*2 - 1)
			return span.Mul(maxSlippage)
		},
		now: time.Now,
	}
}

// WithSlippage overrides the slippage draw. Tests only.
func (p *PaperClient) WithSlippage(slip func() decimal.Decimal) *PaperClient {
	p.slip = slip
	return p
}

func (p *PaperClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.oracle.GetPrice(ctx, symbol)
}

func (p *PaperClient) GetBalance(_ context.Context, asset string) (model.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bal := p.balances[asset]
	return model.Balance{Asset: asset, Free: bal, Total: bal}, nil
}

// CreateOrder fills immediately: market orders at the oracle price with
// bounded random slippage, limit orders at exactly the limit price. The
// ledger only pays the commission.
func (p *PaperClient) CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if !req.Amount.IsPositive() {
		return nil, errs.NewValidation("amount", "must be positive")
	}

	var fill decimal.Decimal
	switch req.Type {
	case model.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return nil, errs.NewValidation("price", "limit order needs a price")
		}
		fill = req.Price
	default:
		mark, err := p.oracle.GetPrice(ctx, req.Symbol)
		if err != nil {
			return nil, errs.NewExchange("CreateOrder", req.Symbol, err)
		}
		fill = mark.Mul(decimal.NewFromInt(1).Add(p.slip()))
	}
	fill = p.QuantizePrice(req.Symbol, fill)

	amount := p.QuantizeAmount(req.Symbol, req.Amount)
	if !amount.IsPositive() {
		return nil, errs.NewValidation("amount", "rounds to zero for %s", req.Symbol)
	}

	cost := fill.Mul(amount)
	commission := cost.Mul(p.rate)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balances[p.quoteAsset].LessThan(commission) {
		return nil, errs.NewExchange("CreateOrder", req.Symbol,
			fmt.Errorf("insufficient %s for commission %s", p.quoteAsset, commission))
	}
	p.balances[p.quoteAsset] = p.balances[p.quoteAsset].Sub(commission)

	p.counter++
	order := &model.Order{
		ID:           fmt.Sprintf("demo_%d_%d", p.counter, p.now().UnixMilli()),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Amount:       amount,
		Filled:       amount,
		Price:        fill,
		AveragePrice: fill,
		Fee:          commission,
		FeeAsset:     p.quoteAsset,
		Status:       model.OrderStatusFilled,
		ReduceOnly:   req.ReduceOnly,
		CreatedAt:    p.now(),
	}
	p.orders[order.ID] = order

	logger.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"fill":     fill,
		"amount":   amount,
		"fee":      commission,
		"order_id": order.ID,
	}).Info("paper order filled")

	return cloneOrder(order), nil
}

func (p *PaperClient) GetOrder(_ context.Context, symbol, orderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, errs.NewExchange("GetOrder", symbol, fmt.Errorf("order %s not found", orderID))
	}
	return cloneOrder(order), nil
}

// CancelOrder is a no-op success: paper orders fill synchronously, so by
// the time anyone cancels there is nothing resting.
func (p *PaperClient) CancelOrder(_ context.Context, _, _ string) error { return nil }

func (p *PaperClient) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverages[symbol] = leverage
	return nil
}

func (p *PaperClient) SetMarginMode(_ context.Context, symbol, mode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marginModes[symbol] = mode
	return nil
}

// FetchPositions returns nothing: the simulator has no server-side
// position store, the position manager's memory is authoritative.
func (p *PaperClient) FetchPositions(_ context.Context) ([]model.ExchangePosition, error) {
	return nil, nil
}

// Instrument delegates to the live client's rule cache when available;
// without one it reports the simulator's default steps.
func (p *PaperClient) Instrument(ctx context.Context, symbol string) (model.Instrument, error) {
	if p.quantizers != nil {
		return p.quantizers.Instrument(ctx, symbol)
	}
	return model.Instrument{
		Symbol:   symbol,
		QtyStep:  decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.01"),
	}, nil
}

func (p *PaperClient) QuantizeAmount(symbol string, v decimal.Decimal) decimal.Decimal {
	if p.quantizers != nil {
		return p.quantizers.QuantizeAmount(symbol, v)
	}
	return v.RoundDown(3)
}

func (p *PaperClient) QuantizePrice(symbol string, v decimal.Decimal) decimal.Decimal {
	if p.quantizers != nil {
		return p.quantizers.QuantizePrice(symbol, v)
	}
	return v.RoundDown(2)
}

func (p *PaperClient) IsSimulated() bool { return true }

func cloneOrder(o *model.Order) *model.Order {
	clone := *o
	return &clone
}
