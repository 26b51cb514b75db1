// Package strategy hosts the pluggable signal generators that run beside
// the webhook. A strategy only produces signals; sizing and risk stay
// with the risk manager like for any other signal source.
package strategy

import (
	"context"
	"sync"

	"tradebot/src/config"
	"tradebot/src/errs"
	"tradebot/src/model"
)

// CandleSource serves recent OHLCV bars, newest last.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, limit int) ([]model.Candle, error)
}

// Strategy produces zero or more signals per evaluation. A nil slice
// means no action.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context) ([]*model.Signal, error)
}

// Factory builds a strategy from the bot config and a candle source.
type Factory func(cfg *config.Config, candles CandleSource) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a strategy factory under name. Called from package init
// functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named strategy. An unknown name is a FatalConfigError:
// a misspelled strategy must stop the bot at startup, not silently trade
// without it.
func New(name string, cfg *config.Config, candles CandleSource) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.NewFatalConfig("STRATEGIES", "unknown strategy %q", name)
	}
	return factory(cfg, candles)
}

// BuildAll instantiates every strategy named in the config.
func BuildAll(cfg *config.Config, candles CandleSource) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		strat, err := New(name, cfg, candles)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strat)
	}
	return strategies, nil
}
