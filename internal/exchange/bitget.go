package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"trendbot/internal/models"
	"trendbot/pkg/retry"
	"trendbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetSuccessCode = "00000"

	// сколько раз запрашивать детали рыночного ордера, пока биржа не вернёт цену исполнения
	fillPollAttempts = 3
	fillPollDelay    = 200 * time.Millisecond
)

// BitgetConfig - параметры клиента Bitget (USDT-M фьючерсы, API v2)
type BitgetConfig struct {
	APIKey      string
	APISecret   string
	Passphrase  string
	BaseURL     string
	ProductType string
	MarginCoin  string
	RateLimit   float64 // запросов в секунду

	HTTPClient *http.Client
	Logger     *utils.Logger
}

// contractInfo - точность цены и объёма контракта
type contractInfo struct {
	PricePlace  int32
	VolumePlace int32
	MinTradeNum float64
}

// Bitget реализует Exchange для фьючерсов Bitget
type Bitget struct {
	cfg        BitgetConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *utils.Logger

	contractsMu sync.RWMutex
	contracts   map[string]contractInfo

	stream *TickerStream
}

// NewBitget создаёт клиент Bitget. Без ключей доступны только публичные методы.
func NewBitget(cfg BitgetConfig) *Bitget {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bitgetBaseURL
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "USDT-FUTURES"
	}
	if cfg.MarginCoin == "" {
		cfg.MarginCoin = "USDT"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = GetGlobalHTTPClient()
	}
	log := cfg.Logger
	if log == nil {
		log = utils.L()
	}

	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	return &Bitget{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		log:        log.WithExchange("bitget"),
		contracts:  make(map[string]contractInfo),
	}
}

// WithTickerStream подключает WebSocket поток котировок как источник GetTicker
func (b *Bitget) WithTickerStream(s *TickerStream) *Bitget {
	b.stream = s
	return b
}

func (b *Bitget) GetName() string {
	return "bitget"
}

func (b *Bitget) hasCredentials() bool {
	return b.cfg.APIKey != "" && b.cfg.APISecret != "" && b.cfg.Passphrase != ""
}

// sign создаёт подпись: base64(HMAC-SHA256(timestamp + METHOD + path + body))
func (b *Bitget) sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(timestamp + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет запрос к REST API и возвращает поле data ответа
func (b *Bitget) doRequest(ctx context.Context, method, path string, query url.Values, payload interface{}, signed bool) (jsoniter.RawMessage, error) {
	if signed && !b.hasCredentials() {
		return nil, &ExchangeError{Exchange: "bitget", Message: "api credentials are not configured"}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")

	if signed {
		ts := strconv.FormatInt(utils.UnixMillis(), 10)
		req.Header.Set("ACCESS-KEY", b.cfg.APIKey)
		req.Header.Set("ACCESS-SIGN", b.sign(ts, method, requestPath, string(body)))
		req.Header.Set("ACCESS-TIMESTAMP", ts)
		req.Header.Set("ACCESS-PASSPHRASE", b.cfg.Passphrase)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	b.log.Debug("bitget request",
		utils.String("method", method),
		utils.String("path", path),
		utils.Int("status", resp.StatusCode),
		utils.Latency(float64(time.Since(start).Microseconds())/1000),
	)

	var envelope struct {
		Code string              `json:"code"`
		Msg  string              `json:"msg"`
		Data jsoniter.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ExchangeError{
			Exchange: "bitget",
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  "malformed response",
			Original: err,
		}
	}

	if envelope.Code != bitgetSuccessCode {
		code := envelope.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return nil, &ExchangeError{Exchange: "bitget", Code: code, Message: envelope.Msg}
	}

	return envelope.Data, nil
}

// Connect загружает параметры контрактов и проверяет ключи через запрос баланса
func (b *Bitget) Connect(ctx context.Context) error {
	// справочник контрактов нужен для округления объёма, без него торговать нельзя
	cfg := retry.DefaultConfig()
	cfg.RetryIf = retry.RetryIfNotContext
	if err := retry.Do(ctx, func() error { return b.loadContracts(ctx) }, cfg); err != nil {
		return fmt.Errorf("failed to load bitget contracts: %w", err)
	}

	if b.hasCredentials() {
		if _, err := b.GetBalance(ctx); err != nil {
			return fmt.Errorf("failed to connect to bitget: %w", err)
		}
	}
	return nil
}

func (b *Bitget) loadContracts(ctx context.Context) error {
	q := url.Values{}
	q.Set("productType", b.cfg.ProductType)

	data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/contracts", q, nil, false)
	if err != nil {
		return err
	}

	var list []struct {
		Symbol      string `json:"symbol"`
		PricePlace  string `json:"pricePlace"`
		VolumePlace string `json:"volumePlace"`
		MinTradeNum string `json:"minTradeNum"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	b.contractsMu.Lock()
	defer b.contractsMu.Unlock()
	for _, c := range list {
		pp, _ := strconv.Atoi(c.PricePlace)
		vp, _ := strconv.Atoi(c.VolumePlace)
		b.contracts[c.Symbol] = contractInfo{
			PricePlace:  int32(pp),
			VolumePlace: int32(vp),
			MinTradeNum: parseFloat(c.MinTradeNum),
		}
	}
	return nil
}

func (b *Bitget) contract(ctx context.Context, symbol string) (contractInfo, error) {
	b.contractsMu.RLock()
	c, ok := b.contracts[symbol]
	b.contractsMu.RUnlock()
	if ok {
		return c, nil
	}

	if err := b.loadContracts(ctx); err != nil {
		return contractInfo{}, err
	}

	b.contractsMu.RLock()
	c, ok = b.contracts[symbol]
	b.contractsMu.RUnlock()
	if !ok {
		return contractInfo{}, &ExchangeError{Exchange: "bitget", Message: "unknown contract " + symbol}
	}
	return c, nil
}

// GetCandles получает свечи (по возрастанию времени)
func (b *Bitget) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", b.cfg.ProductType)
	q.Set("granularity", bitgetGranularity(interval))
	q.Set("limit", strconv.Itoa(limit))

	data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/candles", q, nil, false)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		ts, err := utils.ParseUnixMillis(r[0])
		if err != nil {
			return nil, err
		}
		candles = append(candles, models.Candle{
			Timestamp: ts,
			Open:      parseFloat(r[1]),
			High:      parseFloat(r[2]),
			Low:       parseFloat(r[3]),
			Close:     parseFloat(r[4]),
			Volume:    parseFloat(r[5]),
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

// GetBalance получает баланс фьючерсного счёта
func (b *Bitget) GetBalance(ctx context.Context) (*Balance, error) {
	q := url.Values{}
	q.Set("productType", b.cfg.ProductType)

	data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/account/accounts", q, nil, true)
	if err != nil {
		return nil, err
	}

	var accounts []struct {
		MarginCoin    string `json:"marginCoin"`
		Available     string `json:"available"`
		AccountEquity string `json:"accountEquity"`
	}
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, err
	}

	for _, a := range accounts {
		if strings.EqualFold(a.MarginCoin, b.cfg.MarginCoin) {
			return &Balance{
				Free:  parseFloat(a.Available),
				Total: parseFloat(a.AccountEquity),
			}, nil
		}
	}
	return &Balance{}, nil
}

// GetTicker возвращает цену из WebSocket потока, если она свежая, иначе через REST
func (b *Bitget) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if b.stream != nil {
		if t, ok := b.stream.Latest(symbol); ok {
			return t, nil
		}
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", b.cfg.ProductType)

	data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/market/ticker", q, nil, false)
	if err != nil {
		return nil, err
	}

	var list []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
		BidPr  string `json:"bidPr"`
		AskPr  string `json:"askPr"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &ExchangeError{Exchange: "bitget", Message: "empty ticker for " + symbol}
	}

	t := list[0]
	ts, err := utils.ParseUnixMillis(t.Ts)
	if err != nil {
		ts = time.Now().UTC()
	}
	return &Ticker{
		Symbol:    symbol,
		LastPrice: parseFloat(t.LastPr),
		BidPrice:  parseFloat(t.BidPr),
		AskPrice:  parseFloat(t.AskPr),
		Timestamp: ts,
	}, nil
}

// PlaceMarketOrder размещает рыночный ордер. Размер в USDT переводится
// в базовую валюту по текущей цене, так как Bitget принимает только base.
func (b *Bitget) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*Order, error) {
	c, err := b.contract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	size := req.Base
	if size <= 0 && req.Quote > 0 {
		t, err := b.GetTicker(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		if err := utils.ValidatePrice("last_price", t.LastPrice); err != nil {
			return nil, err
		}
		size = req.Quote / t.LastPrice
	}

	sizeStr := formatSize(size, c.VolumePlace)
	if err := utils.ValidateAmount("size", parseFloat(sizeStr)); err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = newClientID()
	}

	body := map[string]string{
		"symbol":      req.Symbol,
		"productType": b.cfg.ProductType,
		"marginMode":  "crossed",
		"marginCoin":  b.cfg.MarginCoin,
		"size":        sizeStr,
		"side":        req.Side,
		"orderType":   "market",
		"clientOid":   clientID,
		"reduceOnly":  yesNo(req.ReduceOnly),
	}

	data, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-order", nil, body, true)
	if err != nil {
		return nil, err
	}

	var placed struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(data, &placed); err != nil {
		return nil, err
	}

	order := &Order{
		ID:        placed.OrderID,
		ClientID:  placed.ClientOid,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      OrderTypeMarket,
		Quantity:  parseFloat(sizeStr),
		Status:    OrderStatusNew,
		CreatedAt: time.Now().UTC(),
	}

	b.fillDetails(ctx, order)
	return order, nil
}

// fillDetails дочитывает цену и объём исполнения. Ошибка не критична:
// вызывающий код использует цену тикера, если AvgFillPrice не заполнен.
func (b *Bitget) fillDetails(ctx context.Context, order *Order) {
	q := url.Values{}
	q.Set("symbol", order.Symbol)
	q.Set("productType", b.cfg.ProductType)
	q.Set("orderId", order.ID)

	for i := 0; i < fillPollAttempts; i++ {
		data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/detail", q, nil, true)
		if err != nil {
			b.log.Warn("order detail unavailable", utils.OrderID(order.ID), utils.Err(err))
			return
		}

		var d struct {
			PriceAvg   string `json:"priceAvg"`
			BaseVolume string `json:"baseVolume"`
			State      string `json:"state"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}

		if d.State == "filled" {
			order.Status = OrderStatusFilled
			order.AvgFillPrice = parseFloat(d.PriceAvg)
			order.FilledQty = parseFloat(d.BaseVolume)
			return
		}

		timer := time.NewTimer(fillPollDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PlaceConditionalOrder размещает TP/SL ордер на позицию (режим one-way)
func (b *Bitget) PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (*Order, error) {
	c, err := b.contract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidatePrice("trigger_price", req.TriggerPrice); err != nil {
		return nil, err
	}

	planType := "loss_plan"
	if req.Kind == OrderKindTakeProfit {
		planType = "profit_plan"
	}

	sizeStr := formatSize(req.Amount, c.VolumePlace)
	if err := utils.ValidateAmount("size", parseFloat(sizeStr)); err != nil {
		return nil, err
	}

	body := map[string]string{
		"symbol":       req.Symbol,
		"productType":  b.cfg.ProductType,
		"marginCoin":   b.cfg.MarginCoin,
		"planType":     planType,
		"triggerPrice": formatPrice(req.TriggerPrice, c.PricePlace),
		"triggerType":  "mark_price",
		"executePrice": "0",
		// в one-way режиме holdSide - направление позиции (сторона входа)
		"holdSide":  OppositeSide(req.Side),
		"size":      sizeStr,
		"clientOid": newClientID(),
	}

	data, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, body, true)
	if err != nil {
		return nil, err
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &placed); err != nil {
		return nil, err
	}

	return &Order{
		ID:           placed.OrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Kind,
		Quantity:     parseFloat(sizeStr),
		TriggerPrice: req.TriggerPrice,
		Status:       OrderStatusNew,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// GetOpenOrders получает активные TP/SL ордера по символу
func (b *Bitget) GetOpenOrders(ctx context.Context, symbol string) ([]*OpenOrder, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("productType", b.cfg.ProductType)
	q.Set("planType", "profit_loss")

	data, err := b.doRequest(ctx, http.MethodGet, "/api/v2/mix/order/orders-plan-pending", q, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		EntrustedList []struct {
			OrderID      string `json:"orderId"`
			Symbol       string `json:"symbol"`
			PlanType     string `json:"planType"`
			TriggerPrice string `json:"triggerPrice"`
			Side         string `json:"side"`
			Size         string `json:"size"`
		} `json:"entrustedList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	out := make([]*OpenOrder, 0, len(resp.EntrustedList))
	for _, o := range resp.EntrustedList {
		kind := OrderKindStopLoss
		if strings.Contains(o.PlanType, "profit") {
			kind = OrderKindTakeProfit
		}
		out = append(out, &OpenOrder{
			ID:     o.OrderID,
			Symbol: o.Symbol,
			Side:   o.Side,
			Type:   kind,
			Price:  parseFloat(o.TriggerPrice),
			Amount: parseFloat(o.Size),
		})
	}
	return out, nil
}

// CancelOrder отменяет TP/SL ордер
func (b *Bitget) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": b.cfg.ProductType,
		"marginCoin":  b.cfg.MarginCoin,
		"planType":    "profit_loss",
		"orderIdList": []map[string]string{{"orderId": orderID}},
	}

	data, err := b.doRequest(ctx, http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, body, true)
	if err != nil {
		return err
	}

	var resp struct {
		FailureList []struct {
			OrderID  string `json:"orderId"`
			ErrorMsg string `json:"errorMsg"`
		} `json:"failureList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	if len(resp.FailureList) > 0 {
		return &ExchangeError{Exchange: "bitget", Message: "cancel failed: " + resp.FailureList[0].ErrorMsg}
	}
	return nil
}

// Close останавливает поток котировок и закрывает idle соединения
func (b *Bitget) Close() error {
	if b.stream != nil {
		b.stream.Close()
	}
	return nil
}

// ============ Вспомогательные функции ============

// bitgetGranularity переводит 1h/4h/1d в формат Bitget (1H/4H/1D)
func bitgetGranularity(interval string) string {
	if interval == "" {
		return interval
	}
	unit := interval[len(interval)-1]
	switch unit {
	case 'h', 'd', 'w':
		return interval[:len(interval)-1] + strings.ToUpper(string(unit))
	}
	return interval
}

func formatSize(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}

func formatPrice(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).String()
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func newClientID() string {
	return "tb" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
