// Package risk gates position opening and sizes trades. All checks fail
// closed: when the reference balance is unknown the gate blocks rather
// than letting an unbounded trade through.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/config"
	"tradebot/src/errs"
	"tradebot/src/model"
)

var hundred = decimal.NewFromInt(100)

// Quantizer rounds an amount down to something the exchange accepts.
// Satisfied by every exchange client.
type Quantizer interface {
	QuantizeAmount(symbol string, v decimal.Decimal) decimal.Decimal
}

// Manager tracks daily realized PnL against a start-of-day reference
// balance and enforces the per-trade and per-day risk limits.
type Manager struct {
	mu sync.Mutex

	riskFraction      decimal.Decimal
	dailyLossFraction decimal.Decimal
	maxPositions      int
	amountPolicy      string
	amountValue       decimal.Decimal
	paperTrading      bool
	leverage          int

	day        time.Time // UTC midnight of the current trading day
	dailyPnL   decimal.Decimal
	refBalance decimal.Decimal

	quantizer Quantizer
	now       func() time.Time
}

func NewManager(cfg *config.Config, q Quantizer) *Manager {
	return &Manager{
		riskFraction:      cfg.RiskFraction(),
		dailyLossFraction: cfg.DailyLossFraction(),
		maxPositions:      cfg.MaxPositions,
		amountPolicy:      cfg.AmountPolicy,
		amountValue:       decimal.NewFromFloat(cfg.AmountValue),
		paperTrading:      cfg.PaperTrading,
		leverage:          cfg.Leverage,
		dailyPnL:          decimal.Zero,
		quantizer:         q,
		now:               time.Now,
	}
}

// WithNow overrides the clock. Tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Seed restores the daily state after a restart. The start-of-day
// reference balance is reconstructed from the current balance and the PnL
// already realized today; when that reconstruction goes non-positive the
// current balance is used as-is.
func (m *Manager) Seed(todayPnL, currentBalance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.day = utcDay(m.now())
	m.dailyPnL = todayPnL
	ref := currentBalance.Sub(todayPnL)
	if !ref.IsPositive() {
		ref = currentBalance
	}
	m.refBalance = ref

	logger.WithFields(logger.Fields{
		"daily_pnl":   todayPnL,
		"ref_balance": m.refBalance,
	}).Info("risk state seeded")
}

// CanOpen reports whether a new position may be opened right now. A
// non-positive limit disables the corresponding check.
func (m *Manager) CanOpen(openCount int, bal model.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked(bal)

	if m.maxPositions > 0 && openCount >= m.maxPositions {
		return errs.NewValidation("positions", "limit reached (%d/%d)", openCount, m.maxPositions)
	}

	if !m.dailyLossFraction.IsPositive() {
		return nil
	}

	if !m.refBalance.IsPositive() {
		// Without a trusted reference balance the daily loss ratio cannot
		// be computed. Block.
		return errs.NewValidation("balance", "reference balance unavailable")
	}

	lossRatio := m.dailyPnL.Div(m.refBalance)
	if lossRatio.LessThanOrEqual(m.dailyLossFraction.Neg()) {
		return errs.NewValidation("daily_loss",
			"daily loss %s%% reached limit %s%%",
			lossRatio.Mul(hundred).Abs().StringFixed(2),
			m.dailyLossFraction.Mul(hundred).StringFixed(2))
	}
	return nil
}

// ComputeSize turns the risk budget into a base-asset amount: the equity
// share at risk divided by the stop distance, shaped by the amount policy
// (fixed overrides, the others cap), quantized down to the exchange's
// step. With risk-based sizing disabled the policy amount is used as-is.
func (m *Manager) ComputeSize(symbol string, entry, stop, equity decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !entry.IsPositive() {
		return decimal.Zero, errs.NewValidation("entry", "entry price must be positive")
	}
	if !equity.IsPositive() {
		return decimal.Zero, errs.NewValidation("balance", "no equity available")
	}

	var size decimal.Decimal
	if m.riskFraction.IsPositive() {
		stopDistance := entry.Sub(stop).Abs()
		if !stop.IsPositive() || stopDistance.IsZero() {
			return decimal.Zero, errs.NewValidation("sl", "stop distance is zero")
		}
		size = equity.Mul(m.riskFraction).Div(stopDistance)

		if m.amountPolicy == config.AmountPolicyFixed {
			size = m.amountValue
		} else if cap := m.policyAmountLocked(entry, equity); cap.IsPositive() && size.GreaterThan(cap) {
			size = cap
		}
	} else {
		size = m.policyAmountLocked(entry, equity)
	}

	if m.paperTrading {
		// Simulated collateral cannot back a notional beyond equity times
		// leverage.
		maxNotional := equity.Mul(decimal.NewFromInt(int64(m.leverage)))
		if size.Mul(entry).GreaterThan(maxNotional) {
			size = maxNotional.Div(entry)
		}
	}

	if m.quantizer != nil {
		size = m.quantizer.QuantizeAmount(symbol, size)
	}
	if !size.IsPositive() {
		return decimal.Zero, errs.NewValidation("amount", "size rounds to zero for %s", symbol)
	}

	logger.WithFields(logger.Fields{
		"symbol": symbol,
		"entry":  entry,
		"stop":   stop,
		"size":   size,
	}).Debug("position size computed")

	return size, nil
}

// RecordTradePnL folds a realized trade result into the daily total.
func (m *Manager) RecordTradePnL(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = m.dailyPnL.Add(pnl)
}

// DailyPnL returns the realized PnL accumulated today.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// policyAmountLocked translates the amount policy into a base amount at
// the given entry price.
func (m *Manager) policyAmountLocked(entry, equity decimal.Decimal) decimal.Decimal {
	switch m.amountPolicy {
	case config.AmountPolicyFixed:
		return m.amountValue
	case config.AmountPolicyQuoteFixed:
		return m.amountValue.Div(entry)
	case config.AmountPolicyPercentage:
		return equity.Mul(m.amountValue.Div(hundred)).Div(entry)
	}
	return decimal.Zero
}

// rolloverLocked resets the daily counters on the first touch of a new
// UTC day and re-anchors the reference balance.
func (m *Manager) rolloverLocked(bal model.Balance) {
	today := utcDay(m.now())
	if m.day.Equal(today) {
		if m.refBalance.IsZero() && bal.Total.IsPositive() {
			m.refBalance = bal.Total
		}
		return
	}

	logger.WithFields(logger.Fields{
		"previous_day": m.day.Format("2006-01-02"),
		"daily_pnl":    m.dailyPnL,
	}).Info("daily risk counters reset")

	m.day = today
	m.dailyPnL = decimal.Zero
	m.refBalance = bal.Total
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
