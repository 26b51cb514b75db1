package tp_sl

import (
	"github.com/shopspring/decimal"

	"tradebot/src/model"
)

// Evaluate checks the position's exit conditions against a single mark
// price. Order matters: stop loss first, then take profit, then the
// trailing stop; the first hit wins so one pass can trigger at most one
// exit. The trailing stop is advanced before it is checked. An empty
// reason means the position stays open.
func Evaluate(p *model.Position, mark decimal.Decimal) (reason string, trailingMoved bool) {
	if !mark.IsPositive() {
		return "", false
	}

	if StopLossHit(p.Side, p.StopLoss, mark) {
		return model.CloseReasonStopLoss, false
	}
	if TakeProfitHit(p.Side, p.TakeProfit, mark) {
		return model.CloseReasonTakeProfit, false
	}

	trailingMoved = UpdateTrailing(p.Trailing, p.Side, p.EntryPrice, mark)
	if TrailingHit(p.Trailing, p.Side, mark) {
		return model.CloseReasonTrailingStop, trailingMoved
	}
	return "", trailingMoved
}

// StopLossHit reports whether the mark crossed the fixed stop.
func StopLossHit(side model.Side, stop, mark decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if side == model.SideLong {
		return mark.LessThanOrEqual(stop)
	}
	return mark.GreaterThanOrEqual(stop)
}

// TakeProfitHit reports whether the mark crossed the take profit.
func TakeProfitHit(side model.Side, target, mark decimal.Decimal) bool {
	if !target.IsPositive() {
		return false
	}
	if side == model.SideLong {
		return mark.GreaterThanOrEqual(target)
	}
	return mark.LessThanOrEqual(target)
}
