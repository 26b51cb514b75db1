// Package config holds the bot-wide configuration. Per-package envconfig
// structs elsewhere cover narrow concerns (server port, market data); this
// is the surface that decides how real money moves, so it is validated
// hard at startup and the process refuses to run on any violation.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"tradebot/src/errs"
)

const (
	AmountPolicyFixed      = "fixed"
	AmountPolicyQuoteFixed = "quote_fixed"
	AmountPolicyPercentage = "percentage"
)

type Config struct {
	User string `envconfig:"BOT_USER" default:"default"`

	PaperTrading bool    `envconfig:"PAPER_TRADING" default:"true"`
	PaperBalance float64 `envconfig:"PAPER_BALANCE" default:"10000"`

	RiskPerTradePct   float64 `envconfig:"RISK_PER_TRADE_PCT" default:"1"`
	MaxPositions      int     `envconfig:"MAX_POSITIONS" default:"5"`
	DailyLossLimitPct float64 `envconfig:"DAILY_LOSS_LIMIT_PCT" default:"5"`

	AmountPolicy string  `envconfig:"AMOUNT_POLICY" default:"percentage"`
	AmountValue  float64 `envconfig:"AMOUNT_VALUE" default:"10"`

	Leverage   int    `envconfig:"LEVERAGE" default:"3"`
	MarginMode string `envconfig:"MARGIN_MODE" default:"isolated"`

	DefaultStopLossPct   float64 `envconfig:"DEFAULT_SL_PCT" default:"2"`
	DefaultTakeProfitPct float64 `envconfig:"DEFAULT_TP_PCT" default:"4"`
	TSLActivationPct     float64 `envconfig:"TSL_ACTIVATION_PCT" default:"1.5"`
	TSLCallbackPct       float64 `envconfig:"TSL_CALLBACK_PCT" default:"0.75"`

	LoopInterval       time.Duration `envconfig:"LOOP_INTERVAL" default:"10s"`
	EvaluateInterval   time.Duration `envconfig:"EVALUATE_INTERVAL" default:"15s"`
	OrderFillTimeout   time.Duration `envconfig:"ORDER_FILL_TIMEOUT" default:"30s"`
	OrderPollInterval  time.Duration `envconfig:"ORDER_POLL_INTERVAL" default:"500ms"`
	MaxSignalsPerCycle int           `envconfig:"MAX_SIGNALS_PER_CYCLE" default:"10"`
	CloseOnShutdown    bool          `envconfig:"CLOSE_ON_SHUTDOWN" default:"false"`

	QuoteAsset string `envconfig:"QUOTE_ASSET" default:"USDT"`

	ExchangeName    string `envconfig:"EXCHANGE_NAME" default:"bybit"`
	ExchangeAPIKey  string `envconfig:"EXCHANGE_API_KEY"`
	ExchangeSecret  string `envconfig:"EXCHANGE_API_SECRET"`
	ExchangeBaseURL string `envconfig:"EXCHANGE_BASE_URL" default:"https://api-testnet.bybit.com"`
	ExchangeWSURL   string `envconfig:"EXCHANGE_WS_URL" default:"wss://stream.bybit.com/v5/public/linear"`

	ServerPort       string `envconfig:"SERVER_PORT" default:"9898"`
	WebhookTokenHash string `envconfig:"WEBHOOK_TOKEN_HASH"`

	DatabaseDSN string `envconfig:"DATABASE_DSN" default:"tradebot.db"`

	Strategies      []string `envconfig:"STRATEGIES"`
	StrategySymbols []string `envconfig:"STRATEGY_SYMBOLS" default:"BTCUSDT"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`
}

// GetConfig loads the configuration from the environment. It panics on a
// malformed environment the same way the per-package configs do; semantic
// validation lives in Validate.
func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

// Validate checks the loaded configuration. Any returned error is a
// FatalConfigError: the caller must exit before touching the exchange.
func (c *Config) Validate() error {
	// Non-positive risk limits disable the corresponding check rather
	// than failing validation.
	if c.RiskPerTradePct > 100 {
		return errs.NewFatalConfig("RISK_PER_TRADE_PCT", "must be <= 100, got %v", c.RiskPerTradePct)
	}
	if c.DailyLossLimitPct > 100 {
		return errs.NewFatalConfig("DAILY_LOSS_LIMIT_PCT", "must be <= 100, got %v", c.DailyLossLimitPct)
	}
	if c.Leverage < 1 {
		return errs.NewFatalConfig("LEVERAGE", "must be >= 1, got %d", c.Leverage)
	}
	switch c.AmountPolicy {
	case AmountPolicyFixed, AmountPolicyQuoteFixed, AmountPolicyPercentage:
	default:
		return errs.NewFatalConfig("AMOUNT_POLICY", "unknown policy %q", c.AmountPolicy)
	}
	if c.AmountValue <= 0 {
		return errs.NewFatalConfig("AMOUNT_VALUE", "must be positive, got %v", c.AmountValue)
	}
	switch c.MarginMode {
	case "isolated", "cross":
	default:
		return errs.NewFatalConfig("MARGIN_MODE", "must be isolated or cross, got %q", c.MarginMode)
	}
	if c.TSLCallbackPct <= 0 || c.TSLCallbackPct >= 100 {
		return errs.NewFatalConfig("TSL_CALLBACK_PCT", "must be in (0, 100), got %v", c.TSLCallbackPct)
	}
	if c.TSLActivationPct <= 0 {
		return errs.NewFatalConfig("TSL_ACTIVATION_PCT", "must be positive, got %v", c.TSLActivationPct)
	}
	if c.LoopInterval <= 0 || c.OrderPollInterval <= 0 || c.OrderFillTimeout <= 0 {
		return errs.NewFatalConfig("LOOP_INTERVAL", "intervals must be positive")
	}
	if !c.PaperTrading {
		if c.ExchangeAPIKey == "" || c.ExchangeSecret == "" {
			return errs.NewFatalConfig("EXCHANGE_API_KEY", "live trading requires API credentials")
		}
	}
	if c.PaperTrading && c.PaperBalance <= 0 {
		return errs.NewFatalConfig("PAPER_BALANCE", "must be positive, got %v", c.PaperBalance)
	}
	return nil
}

// RiskFraction returns RiskPerTradePct as a decimal fraction.
func (c *Config) RiskFraction() decimal.Decimal {
	return decimal.NewFromFloat(c.RiskPerTradePct).Div(decimal.NewFromInt(100))
}

// DailyLossFraction returns DailyLossLimitPct as a decimal fraction.
func (c *Config) DailyLossFraction() decimal.Decimal {
	return decimal.NewFromFloat(c.DailyLossLimitPct).Div(decimal.NewFromInt(100))
}
