// REST API CLIENT FOR BYBIT V5 LINEAR PERPETUALS
// RESTY ONLY + INTERNAL RETRY
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/errs"
	"tradebot/src/model"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second

	recvWindow = "5000"
	category   = "linear"
)

// Bybit retCodes that mean "already in the requested state". Setting
// leverage or margin mode to the current value is not an error.
var notModifiedCodes = map[int]bool{
	110043: true, // leverage not modified
	110026: true, // cross margin mode already set
	110027: true, // isolated margin mode already set
	140043: true,
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// BybitClient talks to the Bybit v5 REST API. An empty key/secret pair
// still serves the public market endpoints, which is how the paper
// simulator uses it.
type BybitClient struct {
	apiKey    string
	apiSecret string
	http      *resty.Client

	instMu      sync.RWMutex
	instruments map[string]model.Instrument
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewBybitClient(apiKey, apiSecret, baseURL string) *BybitClient {
	if baseURL == "" {
		baseURL = "https://api-testnet.bybit.com"
		logger.Warnf("No base URL provided, using default: %s", baseURL)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &BybitClient{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		http:        httpClient,
		instruments: make(map[string]model.Instrument),
	}
}

// sign builds the v5 request signature over
// timestamp + apiKey + recvWindow + payload.
func (c *BybitClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BybitClient) doPublic(ctx context.Context, path, query string, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(query).
		Get(path)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *BybitClient) doSigned(ctx context.Context, method, path, query string, body interface{}, out interface{}) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var payload string
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		payload = string(bodyBytes)
	} else {
		payload = query
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", c.sign(timestamp, payload))

	if query != "" {
		req = req.SetQueryString(query)
	}
	if bodyBytes != nil {
		req = req.SetBody(bodyBytes).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *BybitClient) decode(resp *resty.Response, out interface{}) error {
	if resp.StatusCode() != 200 {
		return fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	var wrapper apiResponse
	if err := json.Unmarshal(resp.Body(), &wrapper); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if wrapper.RetCode != 0 {
		if notModifiedCodes[wrapper.RetCode] {
			return nil
		}
		return fmt.Errorf("api error %d: %s", wrapper.RetCode, wrapper.RetMsg)
	}
	if out != nil && wrapper.Result != nil {
		if err := json.Unmarshal(wrapper.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// ------------------------------
// MARKET DATA
// ------------------------------

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

func (c *BybitClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result tickerResult
	query := fmt.Sprintf("category=%s&symbol=%s", category, symbol)
	if err := c.doPublic(ctx, "/v5/market/tickers", query, &result); err != nil {
		return decimal.Zero, errs.NewExchange("GetPrice", symbol, err)
	}
	if len(result.List) == 0 {
		return decimal.Zero, errs.NewExchange("GetPrice", symbol, fmt.Errorf("no ticker returned"))
	}
	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, errs.NewExchange("GetPrice", symbol, err)
	}
	return price, nil
}

type instrumentResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		BaseCoin      string `json:"baseCoin"`
		QuoteCoin     string `json:"quoteCoin"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// Instrument fetches and caches the trading rules for symbol.
func (c *BybitClient) Instrument(ctx context.Context, symbol string) (model.Instrument, error) {
	c.instMu.RLock()
	inst, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if ok {
		return inst, nil
	}

	var result instrumentResult
	query := fmt.Sprintf("category=%s&symbol=%s", category, symbol)
	if err := c.doPublic(ctx, "/v5/market/instruments-info", query, &result); err != nil {
		return model.Instrument{}, errs.NewExchange("Instrument", symbol, err)
	}
	if len(result.List) == 0 {
		return model.Instrument{}, errs.NewExchange("Instrument", symbol, fmt.Errorf("unknown symbol"))
	}

	raw := result.List[0]
	inst = model.Instrument{
		Symbol:     raw.Symbol,
		BaseAsset:  raw.BaseCoin,
		QuoteAsset: raw.QuoteCoin,
	}
	var err error
	if inst.QtyStep, err = decimal.NewFromString(raw.LotSizeFilter.QtyStep); err != nil {
		return model.Instrument{}, errs.NewExchange("Instrument", symbol, err)
	}
	if inst.MinQty, err = decimal.NewFromString(raw.LotSizeFilter.MinOrderQty); err != nil {
		return model.Instrument{}, errs.NewExchange("Instrument", symbol, err)
	}
	if inst.TickSize, err = decimal.NewFromString(raw.PriceFilter.TickSize); err != nil {
		return model.Instrument{}, errs.NewExchange("Instrument", symbol, err)
	}

	c.instMu.Lock()
	c.instruments[symbol] = inst
	c.instMu.Unlock()
	return inst, nil
}

// QuantizeAmount floors v to the symbol's quantity step. Falls back to
// three decimals when the instrument metadata is unavailable.
func (c *BybitClient) QuantizeAmount(symbol string, v decimal.Decimal) decimal.Decimal {
	c.instMu.RLock()
	inst, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if !ok || !inst.QtyStep.IsPositive() {
		return v.RoundDown(3)
	}
	return floorToStep(v, inst.QtyStep)
}

// QuantizePrice floors v to the symbol's tick size. Falls back to two
// decimals when the instrument metadata is unavailable.
func (c *BybitClient) QuantizePrice(symbol string, v decimal.Decimal) decimal.Decimal {
	c.instMu.RLock()
	inst, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if !ok || !inst.TickSize.IsPositive() {
		return v.RoundDown(2)
	}
	return floorToStep(v, inst.TickSize)
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Floor().Mul(step)
}

// ------------------------------
// ACCOUNT
// ------------------------------

type walletResult struct {
	List []struct {
		Coin []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

func (c *BybitClient) GetBalance(ctx context.Context, asset string) (model.Balance, error) {
	var result walletResult
	query := "accountType=UNIFIED&coin=" + asset
	if err := c.doSigned(ctx, "GET", "/v5/account/wallet-balance", query, nil, &result); err != nil {
		return model.Balance{}, errs.NewExchange("GetBalance", asset, err)
	}

	bal := model.Balance{Asset: asset}
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != asset {
				continue
			}
			total, err := decimal.NewFromString(coin.WalletBalance)
			if err != nil {
				return model.Balance{}, errs.NewExchange("GetBalance", asset, err)
			}
			bal.Total = total
			if free, err := decimal.NewFromString(coin.AvailableToWithdraw); err == nil {
				bal.Free = free
			} else {
				bal.Free = total
			}
			return bal, nil
		}
	}
	return bal, nil
}

// ------------------------------
// ORDERS
// ------------------------------

var bybitSide = map[model.Side]string{
	model.SideLong:  "Buy",
	model.SideShort: "Sell",
}

var bybitOrderType = map[string]string{
	model.OrderTypeMarket: "Market",
	model.OrderTypeLimit:  "Limit",
}

type createOrderResult struct {
	OrderID string `json:"orderId"`
}

func (c *BybitClient) CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	body := map[string]interface{}{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      bybitSide[req.Side],
		"orderType": bybitOrderType[req.Type],
		"qty":       req.Amount.String(),
	}
	if req.Type == model.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var result createOrderResult
	if err := c.doSigned(ctx, "POST", "/v5/order/create", "", body, &result); err != nil {
		return nil, errs.NewExchange("CreateOrder", req.Symbol, err)
	}

	logger.WithFields(logger.Fields{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"qty":      req.Amount,
		"order_id": result.OrderID,
	}).Info("order submitted")

	// The create endpoint only acknowledges. Fill state comes from
	// GetOrder polling.
	return c.GetOrder(ctx, req.Symbol, result.OrderID)
}

type orderListResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		Qty         string `json:"qty"`
		CumExecQty  string `json:"cumExecQty"`
		Price       string `json:"price"`
		AvgPrice    string `json:"avgPrice"`
		CumExecFee  string `json:"cumExecFee"`
		OrderStatus string `json:"orderStatus"`
		ReduceOnly  bool   `json:"reduceOnly"`
		CreatedTime string `json:"createdTime"`
	} `json:"list"`
}

var bybitStatus = map[string]string{
	"New":             model.OrderStatusNew,
	"PartiallyFilled": model.OrderStatusNew,
	"Filled":          model.OrderStatusFilled,
	"Cancelled":       model.OrderStatusCancelled,
	"Rejected":        model.OrderStatusRejected,
	"Deactivated":     model.OrderStatusCancelled,
}

func (c *BybitClient) GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error) {
	query := fmt.Sprintf("category=%s&symbol=%s&orderId=%s", category, symbol, orderID)

	var result orderListResult
	if err := c.doSigned(ctx, "GET", "/v5/order/realtime", query, nil, &result); err != nil {
		return nil, errs.NewExchange("GetOrder", symbol, err)
	}
	if len(result.List) == 0 {
		// Filled orders age out of the realtime endpoint; check history.
		if err := c.doSigned(ctx, "GET", "/v5/order/history", query, nil, &result); err != nil {
			return nil, errs.NewExchange("GetOrder", symbol, err)
		}
	}
	if len(result.List) == 0 {
		return nil, errs.NewExchange("GetOrder", symbol, fmt.Errorf("order %s not found", orderID))
	}

	raw := result.List[0]
	order := &model.Order{
		ID:         raw.OrderID,
		Symbol:     raw.Symbol,
		Type:       model.OrderTypeMarket,
		ReduceOnly: raw.ReduceOnly,
		Status:     model.OrderStatusNew,
	}
	if raw.Side == "Sell" {
		order.Side = model.SideShort
	} else {
		order.Side = model.SideLong
	}
	if raw.OrderType == "Limit" {
		order.Type = model.OrderTypeLimit
	}
	if s, ok := bybitStatus[raw.OrderStatus]; ok {
		order.Status = s
	}
	order.Amount, _ = decimal.NewFromString(raw.Qty)
	order.Filled, _ = decimal.NewFromString(raw.CumExecQty)
	order.Price, _ = decimal.NewFromString(raw.Price)
	order.AveragePrice, _ = decimal.NewFromString(raw.AvgPrice)
	order.Fee, _ = decimal.NewFromString(raw.CumExecFee)
	if ms, err := strconv.ParseInt(raw.CreatedTime, 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms)
	}
	return order, nil
}

func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if err := c.doSigned(ctx, "POST", "/v5/order/cancel", "", body, nil); err != nil {
		return errs.NewExchange("CancelOrder", symbol, err)
	}
	return nil
}

// ------------------------------
// POSITION SETTINGS
// ------------------------------

func (c *BybitClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	if err := c.doSigned(ctx, "POST", "/v5/position/set-leverage", "", body, nil); err != nil {
		return errs.NewExchange("SetLeverage", symbol, err)
	}
	return nil
}

func (c *BybitClient) SetMarginMode(ctx context.Context, symbol, mode string) error {
	tradeMode := 0 // cross
	if mode == model.MarginModeIsolated {
		tradeMode = 1
	}
	body := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"tradeMode": tradeMode,
	}
	if err := c.doSigned(ctx, "POST", "/v5/position/switch-isolated", "", body, nil); err != nil {
		return errs.NewExchange("SetMarginMode", symbol, err)
	}
	return nil
}

type positionListResult struct {
	List []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Size     string `json:"size"`
		AvgPrice string `json:"avgPrice"`
		Leverage string `json:"leverage"`
	} `json:"list"`
}

func (c *BybitClient) FetchPositions(ctx context.Context) ([]model.ExchangePosition, error) {
	query := fmt.Sprintf("category=%s&settleCoin=USDT", category)

	var result positionListResult
	if err := c.doSigned(ctx, "GET", "/v5/position/list", query, nil, &result); err != nil {
		return nil, errs.NewExchange("FetchPositions", "", err)
	}

	positions := make([]model.ExchangePosition, 0, len(result.List))
	for _, raw := range result.List {
		size, err := decimal.NewFromString(raw.Size)
		if err != nil || !size.IsPositive() {
			continue
		}
		pos := model.ExchangePosition{
			Symbol: raw.Symbol,
			Amount: size,
			Side:   model.SideLong,
		}
		if raw.Side == "Sell" {
			pos.Side = model.SideShort
		}
		pos.EntryPrice, _ = decimal.NewFromString(raw.AvgPrice)
		if lev, err := strconv.ParseFloat(raw.Leverage, 64); err == nil {
			pos.Leverage = int(lev)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *BybitClient) IsSimulated() bool { return false }
