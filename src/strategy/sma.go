package strategy

import (
	"context"
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/config"
	"tradebot/src/errs"
	"tradebot/src/model"
)

func init() {
	Register("smacross", NewSMACross)
}

type smaConfig struct {
	FastPeriod int `envconfig:"SMA_FAST_PERIOD" default:"9"`
	SlowPeriod int `envconfig:"SMA_SLOW_PERIOD" default:"21"`
}

func getSMAConfig() smaConfig {
	var cfg smaConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return cfg
}

// SMACross signals on fast/slow moving average crossovers of closing
// prices: crossover long, crossunder short. One signal per cross; between
// crosses it stays quiet.
type SMACross struct {
	log     *logger.Entry
	candles CandleSource
	symbols []string
	fast    int
	slow    int

	lastSide map[string]model.Side
}

func NewSMACross(cfg *config.Config, candles CandleSource) (Strategy, error) {
	smaCfg := getSMAConfig()
	if smaCfg.FastPeriod <= 0 || smaCfg.SlowPeriod <= smaCfg.FastPeriod {
		return nil, errs.NewFatalConfig("SMA_FAST_PERIOD", "need 0 < fast < slow, got %d/%d",
			smaCfg.FastPeriod, smaCfg.SlowPeriod)
	}
	if len(cfg.StrategySymbols) == 0 {
		return nil, errs.NewFatalConfig("STRATEGY_SYMBOLS", "smacross needs at least one symbol")
	}
	return &SMACross{
		log:      logger.WithField("strategy", "smacross"),
		candles:  candles,
		symbols:  cfg.StrategySymbols,
		fast:     smaCfg.FastPeriod,
		slow:     smaCfg.SlowPeriod,
		lastSide: make(map[string]model.Side),
	}, nil
}

func (s *SMACross) Name() string { return "smacross" }

func (s *SMACross) Evaluate(ctx context.Context) ([]*model.Signal, error) {
	var signals []*model.Signal
	for _, symbol := range s.symbols {
		sig, err := s.evaluateSymbol(ctx, symbol)
		if err != nil {
			s.log.WithError(err).WithField("symbol", symbol).Warn("evaluation failed")
			continue
		}
		if sig != nil {
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

func (s *SMACross) evaluateSymbol(ctx context.Context, symbol string) (*model.Signal, error) {
	// One extra bar so the previous cross state is computable.
	candles, err := s.candles.Candles(ctx, symbol, s.slow+1)
	if err != nil {
		return nil, err
	}
	if len(candles) < s.slow+1 {
		// Warm-up: not enough history yet.
		return nil, nil
	}

	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fastNow := sma(closes, s.fast, 0)
	slowNow := sma(closes, s.slow, 0)
	fastPrev := sma(closes, s.fast, 1)
	slowPrev := sma(closes, s.slow, 1)

	var side model.Side
	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow):
		side = model.SideLong
	case fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow):
		side = model.SideShort
	default:
		return nil, nil
	}

	if s.lastSide[symbol] == side {
		return nil, nil
	}
	s.lastSide[symbol] = side

	s.log.WithFields(logger.Fields{
		"symbol": symbol,
		"side":   side,
		"fast":   fastNow,
		"slow":   slowNow,
	}).Info("crossover detected")

	return &model.Signal{
		Symbol:    symbol,
		Side:      side,
		OrderType: model.OrderTypeMarket,
	}, nil
}

// sma averages the last period closes, offset bars back from the end.
func sma(closes []decimal.Decimal, period, offset int) decimal.Decimal {
	end := len(closes) - offset
	start := end - period
	if start < 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range closes[start:end] {
		sum = sum.Add(c)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
