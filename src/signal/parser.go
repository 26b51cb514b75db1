// Package signal turns raw webhook payloads into canonical trade signals.
package signal

import (
	"strings"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/errs"
	"tradebot/src/model"
)

var sideAliases = map[string]model.Side{
	"buy":   model.SideLong,
	"long":  model.SideLong,
	"sell":  model.SideShort,
	"short": model.SideShort,
}

// Parse converts a decoded JSON object into a Signal. Field names are
// matched case-insensitively against the aliases each field accepts, and
// numeric fields accept numbers or strings (comma decimal separators are
// normalized). A quantity field, if present, is ignored: position sizing
// is the risk manager's job, not the signal sender's.
//
// The action is "open" unless any of the action/signal/side fields says
// "close". An open needs a valid side; a close does not, and an invalid
// side on a close is dropped with a warning instead of rejecting it.
func Parse(raw map[string]interface{}) (*model.Signal, error) {
	symbolRaw, ok := lookupString(raw, "symbol", "ticker", "pair")
	if !ok {
		return nil, errs.NewValidation("symbol", "missing")
	}
	symbol := NormalizeSymbol(symbolRaw)
	if symbol == "" {
		return nil, errs.NewValidation("symbol", "empty after normalization")
	}

	action := model.ActionOpen
	if v, ok := lookupString(raw, "action", "signal", "side"); ok &&
		strings.EqualFold(strings.TrimSpace(v), model.ActionClose) {
		action = model.ActionClose
	}

	sideRaw, hasSide := lookupString(raw, "side", "action", "signal")
	if hasSide && strings.EqualFold(strings.TrimSpace(sideRaw), model.ActionClose) {
		// The close keyword itself, not a direction.
		hasSide = false
	}

	sig := &model.Signal{
		Symbol:    symbol,
		Action:    action,
		OrderType: model.OrderTypeMarket,
		Source:    "webhook",
	}

	if side, ok := sideAliases[strings.ToLower(strings.TrimSpace(sideRaw))]; hasSide && ok {
		sig.Side = side
	} else if action == model.ActionOpen {
		if !hasSide {
			return nil, errs.NewValidation("side", "missing")
		}
		return nil, errs.NewValidation("side", "unrecognized value %q", sideRaw)
	} else if hasSide {
		logger.WithFields(logger.Fields{
			"symbol": symbol,
			"side":   sideRaw,
		}).Warn("ignoring unrecognized side on close signal")
	}

	var err error
	if sig.LimitPrice, err = lookupDecimal(raw, "price", "entry", "limit_price"); err != nil {
		return nil, err
	}
	if sig.StopLoss, err = lookupDecimal(raw, "sl", "stopLoss", "stop_loss"); err != nil {
		return nil, err
	}
	if sig.TakeProfit, err = lookupDecimal(raw, "tp", "takeProfit", "take_profit"); err != nil {
		return nil, err
	}

	lev, err := lookupDecimal(raw, "leverage", "lev")
	if err != nil {
		return nil, err
	}
	if lev.IsPositive() {
		sig.Leverage = int(lev.IntPart())
	}

	if sig.LimitPrice.IsPositive() {
		sig.OrderType = model.OrderTypeLimit
	}

	if err := validatePrices(sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// NormalizeSymbol upper-cases and strips the separators TradingView style
// tickers carry, so BTC/USDT, btc-usdt and BTCUSDT all map to BTCUSDT.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func validatePrices(sig *model.Signal) error {
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"price", sig.LimitPrice},
		{"sl", sig.StopLoss},
		{"tp", sig.TakeProfit},
	} {
		if p.value.IsNegative() {
			return errs.NewValidation(p.name, "must not be negative")
		}
	}

	// The stop must sit on the losing side of the entry, otherwise it
	// would fire immediately. Only checkable when both are present.
	if sig.StopLoss.IsPositive() && sig.LimitPrice.IsPositive() {
		if sig.Side == model.SideLong && sig.StopLoss.GreaterThanOrEqual(sig.LimitPrice) {
			return errs.NewValidation("sl", "stop loss %s not below entry %s for a long", sig.StopLoss, sig.LimitPrice)
		}
		if sig.Side == model.SideShort && sig.StopLoss.LessThanOrEqual(sig.LimitPrice) {
			return errs.NewValidation("sl", "stop loss %s not above entry %s for a short", sig.StopLoss, sig.LimitPrice)
		}
	}
	return nil
}

func lookupString(raw map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := lookupKey(raw, k); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

// lookupDecimal returns decimal.Zero when none of the keys is present and
// a ValidationError when a present value cannot be parsed.
func lookupDecimal(raw map[string]interface{}, keys ...string) (decimal.Decimal, error) {
	for _, k := range keys {
		v, ok := lookupKey(raw, k)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return decimal.NewFromFloat(t), nil
		case int:
			return decimal.NewFromInt(int64(t)), nil
		case string:
			s := strings.TrimSpace(strings.ReplaceAll(t, ",", "."))
			if s == "" {
				continue
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return decimal.Zero, errs.NewValidation(k, "not a number: %q", t)
			}
			return d, nil
		default:
			return decimal.Zero, errs.NewValidation(k, "unsupported type %T", v)
		}
	}
	return decimal.Zero, nil
}

func lookupKey(raw map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := raw[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	for k, v := range raw {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return nil, false
}
