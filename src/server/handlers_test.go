package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tradebot/src/model"
	"tradebot/src/repository"
)

type mockQueue struct {
	enqueued []*model.Signal
	err      error
}

func (m *mockQueue) Enqueue(sig *model.Signal) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, sig)
	return nil
}

func (m *mockQueue) QueueLen() int { return len(m.enqueued) }

type mockPositions struct {
	snapshot []model.Position
	closed   []string
	closeErr error
}

func (m *mockPositions) Snapshot() []model.Position { return m.snapshot }

func (m *mockPositions) Close(_ context.Context, symbol, reason string) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = append(m.closed, symbol+"/"+reason)
	return nil
}

type mockTrades struct {
	trades []model.ClosedTrade
	totals *repository.TradeTotals
	opts   repository.TradeSearchOptions
	since  time.Time
	err    error
}

func (m *mockTrades) GetHistoricalTrades(_ context.Context, opts repository.TradeSearchOptions) ([]model.ClosedTrade, error) {
	m.opts = opts
	return m.trades, m.err
}

func (m *mockTrades) Totals(_ context.Context, t time.Time) (*repository.TradeTotals, error) {
	m.since = t
	return m.totals, m.err
}

type noEvents struct{}

func (noEvents) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event)
	return ch, func() {}
}

const testToken = "hunter2"

func testTokenHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestServer(t *testing.T, queue *mockQueue, positions *mockPositions, trades *mockTrades) *Server {
	t.Helper()
	if queue == nil {
		queue = &mockQueue{}
	}
	if positions == nil {
		positions = &mockPositions{}
	}
	if trades == nil {
		trades = &mockTrades{}
	}
	return New(queue, positions, trades, noEvents{}, testTokenHash(t))
}

func webhookRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestWebhookHandler_QueuesSignal(t *testing.T) {
	queue := &mockQueue{}
	srv := newTestServer(t, queue, nil, nil)

	body := `{"symbol":"BTCUSDT","side":"buy","type":"market","stopLoss":"49500"}`
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, webhookRequest(body, testToken))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, "BTCUSDT", queue.enqueued[0].Symbol)
	assert.Equal(t, model.SideLong, queue.enqueued[0].Side)
	assert.Equal(t, "webhook", queue.enqueued[0].Source)
}

func TestWebhookHandler_Unauthorized(t *testing.T) {
	queue := &mockQueue{}
	srv := newTestServer(t, queue, nil, nil)
	body := `{"symbol":"BTCUSDT","side":"buy"}`

	for name, token := range map[string]string{
		"missing header": "",
		"wrong token":    "nope",
	} {
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, webhookRequest(body, token))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, name)
	}
	assert.Empty(t, queue.enqueued)
}

func TestWebhookHandler_NoHashConfiguredRejectsAll(t *testing.T) {
	srv := New(&mockQueue{}, &mockPositions{}, &mockTrades{}, noEvents{}, "")

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, webhookRequest(`{"symbol":"BTCUSDT","side":"buy"}`, testToken))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookHandler_BadPayload(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	for name, body := range map[string]string{
		"not json":     `{{{`,
		"missing side": `{"symbol":"BTCUSDT"}`,
		"bad side":     `{"symbol":"BTCUSDT","side":"sideways"}`,
	} {
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, webhookRequest(body, testToken))
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestWebhookHandler_QueueFull(t *testing.T) {
	queue := &mockQueue{err: assert.AnError}
	srv := newTestServer(t, queue, nil, nil)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, webhookRequest(`{"symbol":"BTCUSDT","side":"buy"}`, testToken))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPositionsHandler(t *testing.T) {
	positions := &mockPositions{snapshot: []model.Position{
		{Symbol: "BTCUSDT", Side: model.SideLong, Amount: decimal.RequireFromString("0.2")},
	}}
	srv := newTestServer(t, nil, positions, nil)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "BTCUSDT")
}

func TestClosePositionHandler(t *testing.T) {
	positions := &mockPositions{}
	srv := newTestServer(t, nil, positions, nil)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/positions/btc-usdt/close", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, positions.closed, 1)
	assert.Equal(t, "BTCUSDT/manual", positions.closed[0])
}

func TestClosePositionHandler_CloseError(t *testing.T) {
	positions := &mockPositions{closeErr: assert.AnError}
	srv := newTestServer(t, nil, positions, nil)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/positions/BTCUSDT/close", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestTradesHandler_Filters(t *testing.T) {
	trades := &mockTrades{}
	srv := newTestServer(t, nil, nil, trades)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/trades?symbol=ethusdt&from=2026-08-01T00:00:00Z&limit=5", nil)
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ETHUSDT", trades.opts.Symbol)
	require.NotNil(t, trades.opts.ClosedAfter)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), trades.opts.ClosedAfter.UTC())
	assert.Equal(t, 5, trades.opts.Limit)
}

func TestTradesHandler_InvalidParams(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	for name, target := range map[string]string{
		"bad from":  "/trades?from=yesterday",
		"bad limit": "/trades?limit=-1",
	} {
		rr := httptest.NewRecorder()
		srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestReportHandler(t *testing.T) {
	trades := &mockTrades{totals: &repository.TradeTotals{
		Trades: 3,
		NetPnL: decimal.RequireFromString("42.5"),
	}}
	srv := newTestServer(t, nil, nil, trades)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/report?from=2026-08-01T00:00:00Z", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "42.5")
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), trades.since.UTC())
}
