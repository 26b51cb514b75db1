// Package marketdata serves OHLCV candles for strategies, fetched from
// Binance spot klines and cached briefly per symbol.
package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/model"
)

type Config struct {
	CandleInterval string        `envconfig:"CANDLE_INTERVAL" default:"1m"`
	CandleCacheTTL time.Duration `envconfig:"CANDLE_CACHE_TTL" default:"45s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

type cacheEntry struct {
	candles   []model.Candle
	fetchedAt time.Time
}

// Provider fetches klines through goex and converts them to decimal
// candles, newest last.
type Provider struct {
	log        *logger.Entry
	exchange   goex.API
	quoteAsset string
	period     goex.KlinePeriod
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

func NewProvider(quoteAsset string) (*Provider, error) {
	config := GetConfig()

	period, err := parsePeriod(config.CandleInterval)
	if err != nil {
		return nil, err
	}

	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}

	return &Provider{
		log:        logger.WithField("component", "marketdata"),
		exchange:   binance.NewWithConfig(apiConfig),
		quoteAsset: quoteAsset,
		period:     period,
		ttl:        config.CandleCacheTTL,
		cache:      make(map[string]cacheEntry),
		now:        time.Now,
	}, nil
}

// Candles returns up to limit recent bars for symbol, newest last.
// Results are cached per symbol for the configured TTL so several
// strategies can share one fetch per cycle.
func (p *Provider) Candles(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	entry, ok := p.cache[symbol]
	p.mu.Unlock()
	if ok && p.now().Sub(entry.fetchedAt) < p.ttl && len(entry.candles) >= limit {
		return entry.candles[len(entry.candles)-limit:], nil
	}

	base := strings.TrimSuffix(symbol, p.quoteAsset)
	if base == symbol || base == "" {
		return nil, fmt.Errorf("symbol %s does not end in quote asset %s", symbol, p.quoteAsset)
	}
	pair := goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: p.quoteAsset})

	klines, err := p.exchange.GetKlineRecords(pair, p.period, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}

	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, model.Candle{
			Time:   time.Unix(k.Timestamp, 0).UTC(),
			Open:   decimal.NewFromFloat(k.Open),
			High:   decimal.NewFromFloat(k.High),
			Low:    decimal.NewFromFloat(k.Low),
			Close:  decimal.NewFromFloat(k.Close),
			Volume: decimal.NewFromFloat(k.Vol),
			Symbol: symbol,
		})
	}

	p.mu.Lock()
	p.cache[symbol] = cacheEntry{candles: candles, fetchedAt: p.now()}
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		"symbol": symbol,
		"bars":   len(candles),
	}).Debug("candles fetched")

	return candles, nil
}

func parsePeriod(interval string) (goex.KlinePeriod, error) {
	switch interval {
	case "1m":
		return goex.KLINE_PERIOD_1MIN, nil
	case "5m":
		return goex.KLINE_PERIOD_5MIN, nil
	case "15m":
		return goex.KLINE_PERIOD_15MIN, nil
	case "1h":
		return goex.KLINE_PERIOD_1H, nil
	case "4h":
		return goex.KLINE_PERIOD_4H, nil
	case "1d":
		return goex.KLINE_PERIOD_1DAY, nil
	}
	return 0, fmt.Errorf("unsupported candle interval %q", interval)
}
