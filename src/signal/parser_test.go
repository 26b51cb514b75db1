package signal

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/errs"
	"tradebot/src/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decode(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func TestParse_AliasesAndNormalization(t *testing.T) {
	tests := []struct {
		name string
		body string
		want model.Signal
	}{
		{
			name: "tradingview style",
			body: `{"ticker":"btc/usdt","action":"BUY","price":50000,"sl":49500,"tp":52000}`,
			want: model.Signal{
				Symbol: "BTCUSDT", Side: model.SideLong, OrderType: model.OrderTypeLimit,
				LimitPrice: d("50000"), StopLoss: d("49500"), TakeProfit: d("52000"),
			},
		},
		{
			name: "short with snake case keys",
			body: `{"symbol":"ETH-USDT","side":"short","stop_loss":"2100","take_profit":"1900"}`,
			want: model.Signal{
				Symbol: "ETHUSDT", Side: model.SideShort, OrderType: model.OrderTypeMarket,
				StopLoss: d("2100"), TakeProfit: d("1900"),
			},
		},
		{
			name: "comma decimal separator",
			body: `{"pair":"SOLUSDT","signal":"long","sl":"140,5"}`,
			want: model.Signal{
				Symbol: "SOLUSDT", Side: model.SideLong, OrderType: model.OrderTypeMarket,
				StopLoss: d("140.5"),
			},
		},
		{
			name: "leverage alias",
			body: `{"symbol":"BTCUSDT","side":"sell","lev":"7"}`,
			want: model.Signal{
				Symbol: "BTCUSDT", Side: model.SideShort, OrderType: model.OrderTypeMarket,
				Leverage: 7,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(decode(t, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.Side, got.Side)
			assert.Equal(t, tt.want.OrderType, got.OrderType)
			assert.True(t, tt.want.LimitPrice.Equal(got.LimitPrice), "limit price %s", got.LimitPrice)
			assert.True(t, tt.want.StopLoss.Equal(got.StopLoss), "stop loss %s", got.StopLoss)
			assert.True(t, tt.want.TakeProfit.Equal(got.TakeProfit), "take profit %s", got.TakeProfit)
			assert.Equal(t, tt.want.Leverage, got.Leverage)
		})
	}
}

func TestParse_CloseSignals(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantSide model.Side
	}{
		{"action close without side", `{"ticker":"BTC/USDT","action":"close"}`, ""},
		{"close in side field", `{"symbol":"ETHUSDT","side":"close"}`, ""},
		{"close with valid side", `{"symbol":"BTCUSDT","action":"close","side":"sell"}`, model.SideShort},
		{"close with junk side is dropped", `{"symbol":"BTCUSDT","action":"close","side":"flat"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(decode(t, tt.body))
			require.NoError(t, err)
			assert.Equal(t, model.ActionClose, got.Action)
			assert.Equal(t, tt.wantSide, got.Side)
		})
	}
}

func TestParse_OpenActionIsDefault(t *testing.T) {
	got, err := Parse(decode(t, `{"symbol":"BTCUSDT","side":"buy"}`))
	require.NoError(t, err)
	assert.Equal(t, model.ActionOpen, got.Action)
}

func TestParse_QuantityIgnored(t *testing.T) {
	got, err := Parse(decode(t, `{"symbol":"BTCUSDT","side":"buy","quantity":123}`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing side", `{"symbol":"BTCUSDT","price":50000}`},
		{"missing symbol", `{"side":"buy"}`},
		{"unknown side", `{"symbol":"BTCUSDT","side":"hold"}`},
		{"garbage price", `{"symbol":"BTCUSDT","side":"buy","price":"fifty"}`},
		{"long stop above entry", `{"symbol":"BTCUSDT","side":"buy","price":50000,"sl":50500}`},
		{"short stop below entry", `{"symbol":"BTCUSDT","side":"sell","price":50000,"sl":49000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(decode(t, tt.body))
			require.Error(t, err)
			var verr *errs.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}
