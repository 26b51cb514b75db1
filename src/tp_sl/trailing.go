// Package tp_sl holds the pure exit logic: fixed stop loss, take profit
// and the trailing stop. Everything here is side-effect free so the
// position manager can evaluate exits against a single fetched mark.
package tp_sl

import (
	"github.com/shopspring/decimal"

	"tradebot/src/model"
)

var hundred = decimal.NewFromInt(100)

// NewTrailingStop builds an inactive trailing stop from percentage
// parameters. It stays dormant until the mark moves activationPct in the
// position's favor.
func NewTrailingStop(activationPct, callbackPct decimal.Decimal) *model.TrailingStop {
	return &model.TrailingStop{
		ActivationPct: activationPct,
		CallbackPct:   callbackPct,
	}
}

// activationPrice is entry shifted activationPct into the profit
// direction.
func activationPrice(side model.Side, entry, activationPct decimal.Decimal) decimal.Decimal {
	frac := activationPct.Div(hundred)
	if side == model.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(frac))
}

// callbackStop is the stop implied by an extreme and the callback
// distance.
func callbackStop(side model.Side, extreme, callbackPct decimal.Decimal) decimal.Decimal {
	frac := callbackPct.Div(hundred)
	if side == model.SideLong {
		return extreme.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return extreme.Mul(decimal.NewFromInt(1).Add(frac))
}

// UpdateTrailing advances the trailing stop for the given mark and
// reports whether the stop moved.
//
// Long:
// - activate: mark >= entry * (1 + activation%)
// - extreme:  max(extreme, mark)
// - stop:     candidate = extreme * (1 - callback%), update only upward
//
// Short mirrors with the comparisons inverted. Once set, the stop never
// moves against the position.
func UpdateTrailing(ts *model.TrailingStop, side model.Side, entry, mark decimal.Decimal) (moved bool) {
	if ts == nil || !mark.IsPositive() {
		return false
	}

	if !ts.Active {
		act := activationPrice(side, entry, ts.ActivationPct)
		crossed := (side == model.SideLong && mark.GreaterThanOrEqual(act)) ||
			(side == model.SideShort && mark.LessThanOrEqual(act))
		if !crossed {
			return false
		}
		ts.Active = true
		ts.Extreme = mark
		ts.Stop = callbackStop(side, mark, ts.CallbackPct)
		return true
	}

	switch side {
	case model.SideLong:
		if mark.GreaterThan(ts.Extreme) {
			ts.Extreme = mark
		}
		if candidate := callbackStop(side, ts.Extreme, ts.CallbackPct); candidate.GreaterThan(ts.Stop) {
			ts.Stop = candidate
			return true
		}
	case model.SideShort:
		if mark.LessThan(ts.Extreme) {
			ts.Extreme = mark
		}
		if candidate := callbackStop(side, ts.Extreme, ts.CallbackPct); candidate.LessThan(ts.Stop) {
			ts.Stop = candidate
			return true
		}
	}
	return false
}

// TrailingHit reports whether the mark crossed an active trailing stop.
func TrailingHit(ts *model.TrailingStop, side model.Side, mark decimal.Decimal) bool {
	if ts == nil || !ts.Active || !ts.Stop.IsPositive() {
		return false
	}
	if side == model.SideLong {
		return mark.LessThanOrEqual(ts.Stop)
	}
	return mark.GreaterThanOrEqual(ts.Stop)
}
