package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"trendbot/pkg/utils"
)

// bitgetStub - минимальный HTTP сервер с ответами в формате Bitget v2
type bitgetStub struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]func(r *http.Request, body string) string
	requests []string
	bodies   map[string]string
}

func newBitgetStub(t *testing.T) (*bitgetStub, *Bitget) {
	t.Helper()
	stub := &bitgetStub{
		t:        t,
		handlers: make(map[string]func(*http.Request, string) string),
		bodies:   make(map[string]string),
	}
	stub.on("/api/v2/mix/market/contracts", func(*http.Request, string) string {
		return `[{"symbol":"ETHUSDT","pricePlace":"2","volumePlace":"2","minTradeNum":"0.01"}]`
	})

	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(srv.Close)

	b := NewBitget(BitgetConfig{
		APIKey:     "key-0123456789abcdef",
		APISecret:  "secret",
		Passphrase: "phrase",
		BaseURL:    srv.URL,
		RateLimit:  1000,
		HTTPClient: srv.Client(),
		Logger:     utils.InitLogger(utils.LogConfig{Level: "error"}),
	})
	return stub, b
}

func (s *bitgetStub) on(path string, h func(r *http.Request, body string) string) {
	s.mu.Lock()
	s.handlers[path] = h
	s.mu.Unlock()
}

func (s *bitgetStub) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)

	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	s.bodies[r.URL.Path] = body
	h, ok := s.handlers[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"40404","msg":"Request URL NOT FOUND"}`))
		return
	}

	if strings.Contains(r.URL.Path, "/account/") || strings.Contains(r.URL.Path, "/order/") {
		s.checkSignature(r, body)
	}

	w.Write([]byte(`{"code":"00000","msg":"success","data":` + h(r, body) + `}`))
}

func (s *bitgetStub) checkSignature(r *http.Request, body string) {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(r.Header.Get("ACCESS-TIMESTAMP") + r.Method + path + body))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if r.Header.Get("ACCESS-SIGN") != want {
		s.t.Errorf("bad signature for %s", path)
	}
	if r.Header.Get("ACCESS-KEY") != "key-0123456789abcdef" || r.Header.Get("ACCESS-PASSPHRASE") != "phrase" {
		s.t.Errorf("missing auth headers for %s", path)
	}
}

func (s *bitgetStub) body(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[path]
}

func TestBitget_GetCandles(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/market/candles", func(r *http.Request, _ string) string {
		if g := r.URL.Query().Get("granularity"); g != "1H" {
			t.Errorf("granularity = %q, want 1H", g)
		}
		// Bitget может вернуть свечи в любом порядке, проверяем сортировку
		return `[["1700003600000","101","102","100","101.5","10","1000"],
		         ["1700000000000","100","101","99","100.5","12","1200"]]`
	})

	candles, err := b.GetCandles(context.Background(), "ETHUSDT", "1h", 2)
	if err != nil {
		t.Fatalf("GetCandles error: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len = %d, want 2", len(candles))
	}
	if !candles[0].Timestamp.Before(candles[1].Timestamp) {
		t.Error("candles must be sorted by time")
	}
	if candles[0].Close != 100.5 || candles[1].Close != 101.5 {
		t.Errorf("closes = %v, %v", candles[0].Close, candles[1].Close)
	}
	if candles[0].EMA34 != nil {
		t.Error("indicators must not be filled by the gateway")
	}
}

func TestBitget_GetBalance(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/account/accounts", func(*http.Request, string) string {
		return `[{"marginCoin":"USDT","available":"6.2","accountEquity":"6.9"}]`
	})

	bal, err := b.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if bal.Free != 6.2 || bal.Total != 6.9 {
		t.Errorf("balance = %+v, want free 6.2 total 6.9", bal)
	}
}

func TestBitget_ErrorCode(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.mu.Lock()
	delete(stub.handlers, "/api/v2/mix/account/accounts")
	stub.mu.Unlock()

	_, err := b.GetBalance(context.Background())
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("error = %v, want *ExchangeError", err)
	}
	if exErr.Code != "40404" {
		t.Errorf("Code = %q, want 40404", exErr.Code)
	}
}

func TestBitget_SignedWithoutCredentials(t *testing.T) {
	b := NewBitget(BitgetConfig{BaseURL: "http://127.0.0.1:1"})

	_, err := b.GetBalance(context.Background())
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("error = %v, want *ExchangeError", err)
	}
}

func TestBitget_PlaceMarketOrder_QuoteSize(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/market/ticker", func(*http.Request, string) string {
		return `[{"symbol":"ETHUSDT","lastPr":"2500","bidPr":"2499.9","askPr":"2500.1","ts":"1700000000000"}]`
	})
	stub.on("/api/v2/mix/order/place-order", func(_ *http.Request, body string) string {
		return `{"orderId":"1001","clientOid":"tb1"}`
	})
	stub.on("/api/v2/mix/order/detail", func(r *http.Request, _ string) string {
		if r.URL.Query().Get("orderId") != "1001" {
			t.Errorf("detail orderId = %q", r.URL.Query().Get("orderId"))
		}
		return `{"orderId":"1001","priceAvg":"2500.5","baseVolume":"0.27","state":"filled"}`
	})

	// 690 USDT / 2500 = 0.276 -> усечение до volumePlace 2 = 0.27
	order, err := b.PlaceMarketOrder(context.Background(), MarketOrderRequest{
		Symbol: "ETHUSDT",
		Side:   SideBuy,
		Quote:  690,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder error: %v", err)
	}

	body := stub.body("/api/v2/mix/order/place-order")
	for _, want := range []string{`"size":"0.27"`, `"side":"buy"`, `"orderType":"market"`, `"reduceOnly":"NO"`} {
		if !strings.Contains(body, want) {
			t.Errorf("request body %s does not contain %s", body, want)
		}
	}

	if order.ID != "1001" || order.Status != OrderStatusFilled {
		t.Errorf("order = %+v", order)
	}
	if order.AvgFillPrice != 2500.5 || order.FilledQty != 0.27 {
		t.Errorf("fill = %v @ %v", order.FilledQty, order.AvgFillPrice)
	}
}

func TestBitget_PlaceMarketOrder_TooSmall(t *testing.T) {
	_, b := newBitgetStub(t)

	_, err := b.PlaceMarketOrder(context.Background(), MarketOrderRequest{
		Symbol:     "ETHUSDT",
		Side:       SideSell,
		Base:       0.001,
		ReduceOnly: true,
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestBitget_PlaceConditionalOrder(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/order/place-tpsl-order", func(*http.Request, string) string {
		return `{"orderId":"2001"}`
	})

	order, err := b.PlaceConditionalOrder(context.Background(), ConditionalOrderRequest{
		Symbol:       "ETHUSDT",
		Kind:         OrderKindTakeProfit,
		Side:         SideSell,
		Amount:       0.27,
		TriggerPrice: 3000.456,
	})
	if err != nil {
		t.Fatalf("PlaceConditionalOrder error: %v", err)
	}
	if order.ID != "2001" || order.Type != OrderKindTakeProfit {
		t.Errorf("order = %+v", order)
	}

	body := stub.body("/api/v2/mix/order/place-tpsl-order")
	for _, want := range []string{`"planType":"profit_plan"`, `"triggerPrice":"3000.46"`, `"holdSide":"buy"`, `"size":"0.27"`} {
		if !strings.Contains(body, want) {
			t.Errorf("request body %s does not contain %s", body, want)
		}
	}
}

func TestBitget_GetOpenOrders(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/order/orders-plan-pending", func(*http.Request, string) string {
		return `{"entrustedList":[
			{"orderId":"1","symbol":"ETHUSDT","planType":"loss_plan","triggerPrice":"2250","side":"sell","size":"0.27"},
			{"orderId":"2","symbol":"ETHUSDT","planType":"profit_plan","triggerPrice":"3000","side":"sell","size":"0.27"}
		]}`
	})

	orders, err := b.GetOpenOrders(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders error: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len = %d, want 2", len(orders))
	}
	if orders[0].Type != OrderKindStopLoss || orders[1].Type != OrderKindTakeProfit {
		t.Errorf("types = %s, %s", orders[0].Type, orders[1].Type)
	}
	if orders[0].Price != 2250 {
		t.Errorf("price = %v", orders[0].Price)
	}
}

func TestBitget_GetOpenOrders_Empty(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/order/orders-plan-pending", func(*http.Request, string) string {
		return `{"entrustedList":null}`
	})

	orders, err := b.GetOpenOrders(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders error: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("len = %d, want 0", len(orders))
	}
}

func TestBitget_CancelOrder_Failure(t *testing.T) {
	stub, b := newBitgetStub(t)
	stub.on("/api/v2/mix/order/cancel-plan-order", func(*http.Request, string) string {
		return `{"successList":[],"failureList":[{"orderId":"1","errorMsg":"order not found"}]}`
	})

	if err := b.CancelOrder(context.Background(), "ETHUSDT", "1"); err == nil {
		t.Fatal("CancelOrder error = nil, want error")
	}
}

func TestBitgetGranularity(t *testing.T) {
	tests := map[string]string{
		"1m":  "1m",
		"15m": "15m",
		"1h":  "1H",
		"4h":  "4H",
		"1d":  "1D",
		"1w":  "1W",
	}
	for in, want := range tests {
		if got := bitgetGranularity(in); got != want {
			t.Errorf("bitgetGranularity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatSizeAndPrice(t *testing.T) {
	if got := formatSize(0.2769, 2); got != "0.27" {
		t.Errorf("formatSize = %q, want 0.27", got)
	}
	if got := formatPrice(89.996, 2); got != "90" {
		t.Errorf("formatPrice = %q, want 90", got)
	}
}
