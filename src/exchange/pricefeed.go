package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	feedStaleAfter   = 10 * time.Second
	feedPingInterval = 20 * time.Second
	feedReadTimeout  = 30 * time.Second
	feedRedialDelay  = 5 * time.Second
)

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// PriceFeed keeps a last-price cache fed by the exchange's public ticker
// websocket. Reads fall back to the REST source when the cache entry is
// stale or missing, so consumers always get a live price or an error,
// never a guess.
type PriceFeed struct {
	url     string
	symbols []string
	rest    PriceSource

	mu   sync.RWMutex
	last map[string]pricePoint

	now func() time.Time
}

func NewPriceFeed(url string, symbols []string, rest PriceSource) *PriceFeed {
	return &PriceFeed{
		url:     url,
		symbols: symbols,
		rest:    rest,
		last:    make(map[string]pricePoint),
		now:     time.Now,
	}
}

// GetPrice returns the cached ticker price when fresh, otherwise asks the
// REST source.
func (f *PriceFeed) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	point, ok := f.last[symbol]
	f.mu.RUnlock()

	if ok && f.now().Sub(point.at) < feedStaleAfter {
		return point.price, nil
	}
	return f.rest.GetPrice(ctx, symbol)
}

func (f *PriceFeed) store(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	f.last[symbol] = pricePoint{price: price, at: f.now()}
	f.mu.Unlock()
}

// Run maintains the websocket subscription until ctx is cancelled,
// redialing with a fixed delay after any failure.
func (f *PriceFeed) Run(ctx context.Context) {
	for {
		if err := f.connectAndRead(ctx); err != nil {
			logger.WithError(err).Warn("price feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(feedRedialDelay):
		}
	}
}

type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (f *PriceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		args = append(args, "tickers."+s)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.WithField("symbols", f.symbols).Info("price feed subscribed")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		// Delta frames may omit lastPrice.
		if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
			continue
		}
		price, err := decimal.NewFromString(msg.Data.LastPrice)
		if err != nil {
			continue
		}
		f.store(msg.Data.Symbol, price)
	}
}
