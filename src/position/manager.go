// Package position owns the lifecycle of open positions: opening from
// signals, exit evaluation, closing with reduce-only orders and startup
// reconciliation against the exchange.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/config"
	"tradebot/src/errs"
	"tradebot/src/exchange"
	"tradebot/src/model"
	"tradebot/src/risk"
	"tradebot/src/tp_sl"
)

// closeFillThreshold: a close order counts as done once 99% of the
// amount is filled, absorbing quantization dust.
var closeFillThreshold = decimal.RequireFromString("0.99")

var hundred = decimal.NewFromInt(100)

type tradeRepository interface {
	SaveClosedTrade(ctx context.Context, trade *model.ClosedTrade) error
}

type eventPublisher interface {
	Publish(event model.Event)
}

// Manager holds all open positions in memory, keyed by symbol. One
// position per symbol; an opposite-side signal closes the existing
// position before opening the new one.
type Manager struct {
	client exchange.Client
	risk   *risk.Manager
	trades tradeRepository
	bus    eventPublisher

	user         string
	exchangeName string
	quoteAsset   string
	leverage     int
	marginMode   string

	defaultSLPct  decimal.Decimal
	defaultTPPct  decimal.Decimal
	tslActivation decimal.Decimal
	tslCallback   decimal.Decimal

	fillTimeout  time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	positions map[string]*model.Position

	now func() time.Time
}

func NewManager(cfg *config.Config, client exchange.Client, riskMgr *risk.Manager, trades tradeRepository, bus eventPublisher) *Manager {
	m := &Manager{
		client:        client,
		risk:          riskMgr,
		trades:        trades,
		bus:           bus,
		user:          cfg.User,
		exchangeName:  cfg.ExchangeName,
		quoteAsset:    cfg.QuoteAsset,
		leverage:      cfg.Leverage,
		marginMode:    cfg.MarginMode,
		defaultSLPct:  decimal.NewFromFloat(cfg.DefaultStopLossPct),
		defaultTPPct:  decimal.NewFromFloat(cfg.DefaultTakeProfitPct),
		tslActivation: decimal.NewFromFloat(cfg.TSLActivationPct),
		tslCallback:   decimal.NewFromFloat(cfg.TSLCallbackPct),
		fillTimeout:   cfg.OrderFillTimeout,
		pollInterval:  cfg.OrderPollInterval,
		positions:     make(map[string]*model.Position),
		now:           time.Now,
	}
	if m.client.IsSimulated() {
		m.exchangeName = "paper"
	}
	return m
}

// WithNow overrides the clock. Tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Open executes a signal. Any position already open on the symbol is
// closed first, whatever its side (one position per symbol); the open is
// aborted if that close fails.
func (m *Manager) Open(ctx context.Context, sig *model.Signal) error {
	log := logger.WithFields(logger.Fields{
		"symbol": sig.Symbol,
		"side":   sig.Side,
		"source": sig.Source,
	})

	m.mu.Lock()
	_, ok := m.positions[sig.Symbol]
	m.mu.Unlock()

	if ok {
		log.Info("closing existing position before opening")
		if err := m.Close(ctx, sig.Symbol, model.CloseReasonSignal); err != nil {
			return fmt.Errorf("close before reopen failed: %w", err)
		}
	}

	bal, err := m.client.GetBalance(ctx, m.quoteAsset)
	if err != nil {
		return errs.NewExchange("GetBalance", m.quoteAsset, err)
	}

	if err := m.risk.CanOpen(m.OpenCount(), bal); err != nil {
		log.WithError(err).Warn("risk gate rejected signal")
		m.publish(model.Event{Type: model.EventSignalRejected, Signal: sig, Reason: err.Error()})
		return err
	}

	entry, err := m.entryEstimate(ctx, sig)
	if err != nil {
		return err
	}
	stopLoss, takeProfit := m.exitLevels(sig, entry)

	// Warm the instrument rules so sizing quantizes with real steps, not
	// the decimal fallbacks.
	if _, err := m.client.Instrument(ctx, sig.Symbol); err != nil {
		log.WithError(err).Warn("instrument metadata unavailable, using fallback precision")
	}

	size, err := m.risk.ComputeSize(sig.Symbol, entry, stopLoss, bal.Total)
	if err != nil {
		log.WithError(err).Warn("sizing rejected signal")
		m.publish(model.Event{Type: model.EventSignalRejected, Signal: sig, Reason: err.Error()})
		return err
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = m.leverage
	}

	// Margin settings are best effort: "already set" answers vary by
	// venue, and a failed switch must not eat the trade.
	if err := m.client.SetMarginMode(ctx, sig.Symbol, m.marginMode); err != nil {
		log.WithError(err).Warn("failed to set margin mode")
	}
	if err := m.client.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		log.WithError(err).Warn("failed to set leverage")
	}

	order, err := m.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: sig.Symbol,
		Side:   sig.Side,
		Type:   sig.OrderType,
		Amount: size,
		Price:  m.client.QuantizePrice(sig.Symbol, sig.LimitPrice),
	})
	if err != nil {
		return errs.NewExchange("CreateOrder", sig.Symbol, err)
	}

	if order.Status != model.OrderStatusFilled {
		order, err = m.waitForFill(ctx, sig.Symbol, order.ID, order.Amount, decimal.NewFromInt(1))
		if err != nil {
			if cancelErr := m.client.CancelOrder(ctx, sig.Symbol, order.ID); cancelErr != nil {
				log.WithError(cancelErr).Warn("failed to cancel unfilled entry order")
			}
			return err
		}
	}

	entryPrice := order.AveragePrice
	if !entryPrice.IsPositive() {
		// Some venues report market fills without an average for a beat.
		entryPrice = entry
	}
	if sig.StopLoss.IsZero() || sig.TakeProfit.IsZero() {
		// Recompute the defaulted levels from the actual fill.
		stopLoss, takeProfit = m.exitLevels(sig, entryPrice)
	}

	pos := &model.Position{
		ID:         order.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Amount:     order.Filled,
		EntryPrice: entryPrice,
		Leverage:   leverage,
		Status:     model.PositionStatusOpen,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Trailing:   tp_sl.NewTrailingStop(m.tslActivation, m.tslCallback),
		EntryFee:   order.Fee,
		OpenedAt:   m.now(),
		OrderID:    order.ID,
	}

	m.mu.Lock()
	m.positions[sig.Symbol] = pos
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"entry":    entryPrice,
		"amount":   pos.Amount,
		"sl":       stopLoss,
		"tp":       takeProfit,
		"order_id": order.ID,
	}).Info("position opened")

	m.publish(model.Event{Type: model.EventPositionOpened, Position: snapshotOf(pos)})
	return nil
}

// Close flattens the position on symbol with a reduce-only market order.
// Idempotent: a missing or already closing position returns nil. On
// failure the position is kept with status close_failed so a later call
// can retry.
func (m *Manager) Close(ctx context.Context, symbol, reason string) error {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Status == model.PositionStatusClosing || pos.Status == model.PositionStatusClosed {
		m.mu.Unlock()
		return nil
	}
	pos.Status = model.PositionStatusClosing
	side := pos.Side
	amount := pos.Amount
	m.mu.Unlock()

	log := logger.WithFields(logger.Fields{
		"symbol": symbol,
		"side":   side,
		"reason": reason,
	})
	log.Info("closing position")

	order, err := m.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       model.OrderTypeMarket,
		Amount:     amount,
		ReduceOnly: true,
	})
	if err == nil && order.Status != model.OrderStatusFilled {
		order, err = m.waitForFill(ctx, symbol, order.ID, amount, closeFillThreshold)
	}
	if err != nil {
		m.mu.Lock()
		pos.Status = model.PositionStatusCloseFailed
		m.mu.Unlock()
		log.WithError(err).Error("close failed, position kept for retry")
		m.publish(model.Event{Type: model.EventCloseFailed, Position: snapshotOf(pos), Reason: reason})
		return errs.NewExchange("Close", symbol, err)
	}

	exitPrice := order.AveragePrice
	if !exitPrice.IsPositive() {
		if mark, priceErr := m.client.GetPrice(ctx, symbol); priceErr == nil {
			exitPrice = mark
		} else {
			exitPrice = pos.EntryPrice
		}
	}

	// PnL over what actually executed; the tracked amount is only the
	// fallback when the venue omits the fill.
	closedAmount := pos.Amount
	if order.Filled.IsPositive() {
		closedAmount = order.Filled
	}
	gross := exitPrice.Sub(pos.EntryPrice).Mul(closedAmount)
	if side == model.SideShort {
		gross = gross.Neg()
	}
	fee := pos.EntryFee.Add(order.Fee)
	net := gross.Sub(fee)

	m.risk.RecordTradePnL(net)

	trade := &model.ClosedTrade{
		User:           m.user,
		Symbol:         symbol,
		Side:           string(side),
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      exitPrice,
		Amount:         closedAmount,
		GrossPnL:       gross,
		Fee:            fee,
		NetPnL:         net,
		OpenTimestamp:  pos.OpenedAt,
		CloseTimestamp: m.now(),
		OrderID:        pos.OrderID,
		CloseOrderID:   order.ID,
		CloseReason:    reason,
		Leverage:       pos.Leverage,
		Exchange:       m.exchangeName,
	}
	if err := m.trades.SaveClosedTrade(ctx, trade); err != nil {
		// The exchange-side close already happened; losing the record is
		// not a reason to fail the close.
		log.WithError(err).Error("failed to persist closed trade")
	}

	m.mu.Lock()
	pos.Status = model.PositionStatusClosed
	delete(m.positions, symbol)
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"exit":    exitPrice,
		"net_pnl": net,
	}).Info("position closed")

	m.publish(model.Event{Type: model.EventPositionClosed, Trade: trade, Reason: reason})
	return nil
}

// CloseAll closes every position, collecting errors instead of stopping
// at the first.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	var errList []error
	for _, p := range m.Snapshot() {
		if err := m.Close(ctx, p.Symbol, reason); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// EvaluateAll fetches one mark per open position and checks exits in
// stop-loss, take-profit, trailing order. At most one exit fires per
// position per pass.
func (m *Manager) EvaluateAll(ctx context.Context) {
	for _, p := range m.Snapshot() {
		if p.Status != model.PositionStatusOpen {
			continue
		}
		mark, err := m.client.GetPrice(ctx, p.Symbol)
		if err != nil {
			logger.WithError(err).WithField("symbol", p.Symbol).Warn("skipping exit check, no price")
			continue
		}

		m.mu.Lock()
		pos, ok := m.positions[p.Symbol]
		if !ok || pos.Status != model.PositionStatusOpen {
			m.mu.Unlock()
			continue
		}
		reason, moved := tp_sl.Evaluate(pos, mark)
		var snap *model.Position
		if moved {
			snap = snapshotOf(pos)
		}
		m.mu.Unlock()

		if moved {
			logger.WithFields(logger.Fields{
				"symbol": p.Symbol,
				"stop":   snap.Trailing.Stop,
			}).Info("trailing stop moved")
			m.publish(model.Event{Type: model.EventTrailingMoved, Position: snap})
		}
		if reason != "" {
			if err := m.Close(ctx, p.Symbol, reason); err != nil {
				logger.WithError(err).WithField("symbol", p.Symbol).Error("exit close failed")
			}
		}
	}
}

// Reconcile aligns local state with the exchange at startup. Unknown
// exchange positions are adopted with synthesized IDs and default exit
// levels; local positions the exchange no longer holds are dropped.
func (m *Manager) Reconcile(ctx context.Context) error {
	remote, err := m.client.FetchPositions(ctx)
	if err != nil {
		return errs.NewExchange("FetchPositions", "", err)
	}

	seen := make(map[string]bool, len(remote))
	adopted := 0

	m.mu.Lock()
	for _, rp := range remote {
		seen[rp.Symbol] = true
		if _, ok := m.positions[rp.Symbol]; ok {
			continue
		}

		id := fmt.Sprintf("reconciled_%s_%s_%d", rp.Symbol, rp.Side, m.now().UnixMilli())
		if _, clash := m.positions[id]; clash {
			id += "_" + uuid.NewString()[:8]
		}
		leverage := rp.Leverage
		if leverage <= 0 {
			leverage = m.leverage
		}
		sl, tp := defaultLevels(rp.Side, rp.EntryPrice, m.defaultSLPct, m.defaultTPPct)
		pos := &model.Position{
			ID:         id,
			Symbol:     rp.Symbol,
			Side:       rp.Side,
			Amount:     rp.Amount,
			EntryPrice: rp.EntryPrice,
			Leverage:   leverage,
			Status:     model.PositionStatusOpen,
			StopLoss:   sl,
			TakeProfit: tp,
			Trailing:   tp_sl.NewTrailingStop(m.tslActivation, m.tslCallback),
			OpenedAt:   m.now(),
			OrderID:    id,
			Reconciled: true,
		}
		m.positions[rp.Symbol] = pos
		adopted++

		logger.WithFields(logger.Fields{
			"symbol": rp.Symbol,
			"side":   rp.Side,
			"amount": rp.Amount,
			"id":     id,
		}).Warn("adopted position found on exchange")
	}

	var dropped []string
	for symbol := range m.positions {
		if !seen[symbol] && !m.client.IsSimulated() {
			dropped = append(dropped, symbol)
		}
	}
	for _, symbol := range dropped {
		delete(m.positions, symbol)
	}
	m.mu.Unlock()

	for _, symbol := range dropped {
		recErr := &errs.ReconciliationError{Symbol: symbol, Msg: "tracked locally but not held on exchange, dropped"}
		logger.WithError(recErr).Warn("reconciliation drop")
	}
	if adopted > 0 || len(dropped) > 0 {
		m.publish(model.Event{Type: model.EventReconciled,
			Reason: fmt.Sprintf("adopted=%d dropped=%d", adopted, len(dropped))})
	}
	return nil
}

// Snapshot returns copies of all positions, sorted by symbol.
func (m *Manager) Snapshot() []model.Position {
	m.mu.Lock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *snapshotOf(p))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenCount returns the number of tracked positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// waitForFill polls the order until filled reaches threshold*amount,
// giving up after the configured timeout.
func (m *Manager) waitForFill(ctx context.Context, symbol, orderID string, amount, threshold decimal.Decimal) (*model.Order, error) {
	deadline := m.now().Add(m.fillTimeout)
	target := amount.Mul(threshold)

	for {
		order, err := m.client.GetOrder(ctx, symbol, orderID)
		if err == nil {
			if order.Status == model.OrderStatusFilled || order.Filled.GreaterThanOrEqual(target) {
				return order, nil
			}
			if order.Status == model.OrderStatusCancelled || order.Status == model.OrderStatusRejected {
				return order, errs.NewExchange("waitForFill", symbol,
					fmt.Errorf("order %s ended %s", orderID, order.Status))
			}
		} else {
			logger.WithError(err).WithField("order_id", orderID).Debug("fill poll failed")
		}

		if m.now().After(deadline) {
			return &model.Order{ID: orderID, Symbol: symbol}, errs.NewExchange("waitForFill", symbol,
				fmt.Errorf("order %s not filled within %s", orderID, m.fillTimeout))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) entryEstimate(ctx context.Context, sig *model.Signal) (decimal.Decimal, error) {
	if sig.OrderType == model.OrderTypeLimit && sig.LimitPrice.IsPositive() {
		return sig.LimitPrice, nil
	}
	price, err := m.client.GetPrice(ctx, sig.Symbol)
	if err != nil {
		return decimal.Zero, errs.NewExchange("GetPrice", sig.Symbol, err)
	}
	return price, nil
}

// exitLevels resolves the signal's stop loss and take profit, falling
// back to the configured default percentages around entry.
func (m *Manager) exitLevels(sig *model.Signal, entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	sl, tp := defaultLevels(sig.Side, entry, m.defaultSLPct, m.defaultTPPct)
	if sig.StopLoss.IsPositive() {
		sl = sig.StopLoss
	}
	if sig.TakeProfit.IsPositive() {
		tp = sig.TakeProfit
	}
	return sl, tp
}

func defaultLevels(side model.Side, entry, slPct, tpPct decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	slFrac := slPct.Div(hundred)
	tpFrac := tpPct.Div(hundred)
	if side == model.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(slFrac)), entry.Mul(decimal.NewFromInt(1).Add(tpFrac))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(slFrac)), entry.Mul(decimal.NewFromInt(1).Sub(tpFrac))
}

func (m *Manager) publish(event model.Event) {
	if m.bus == nil {
		return
	}
	event.At = m.now()
	m.bus.Publish(event)
}

func snapshotOf(p *model.Position) *model.Position {
	clone := *p
	if p.Trailing != nil {
		ts := *p.Trailing
		clone.Trailing = &ts
	}
	return &clone
}
