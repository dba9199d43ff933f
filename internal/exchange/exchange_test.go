package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-trading-bot/config"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSigningHelpers(t *testing.T) {
	// Fixed vectors so a refactor of the helpers cannot silently change
	// signatures.
	if got := signHMACSHA256Hex("secret", "payload"); got != "b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4" {
		t.Errorf("sha256 hex: got %s", got)
	}
	if got := signHMACSHA256Base64("secret", "payload"); got != "uC/LeRrOxXhZuYm0MKgmSIzi5Hn9+SMmvQoug3WkK6Q=" {
		t.Errorf("sha256 base64: got %s", got)
	}
	if got := len(signHMACSHA512Hex("secret", "payload")); got != 128 {
		t.Errorf("sha512 hex length: got %d, want 128", got)
	}
}

func TestCanonicalQueryIsSortedAndUnescaped(t *testing.T) {
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	params.Set("quantity", "0.5")
	want := "quantity=0.5&side=BUY&symbol=BTCUSDT"
	if got := canonicalQuery(params); got != want {
		t.Errorf("canonicalQuery: got %q, want %q", got, want)
	}
}

func TestBinanceSignedQueryIsDeterministic(t *testing.T) {
	b := NewBinance("http://unused", time.Second)
	fixed := time.UnixMilli(1700000000000)
	b.rest.now = func() time.Time { return fixed }

	creds := Credentials{APIKey: "key", APISecret: "secret"}
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	signed := b.signedQuery(creds, params)

	if got := signed.Get("timestamp"); got != "1700000000000" {
		t.Errorf("timestamp: got %s", got)
	}
	if got := signed.Get("recvWindow"); got != "5000" {
		t.Errorf("recvWindow: got %s", got)
	}
	// The signature covers everything except itself.
	unsigned := url.Values{}
	for k, v := range signed {
		if k != "signature" {
			unsigned[k] = v
		}
	}
	want := signHMACSHA256Hex("secret", canonicalQuery(unsigned))
	if got := signed.Get("signature"); got != want {
		t.Errorf("signature: got %s, want %s", got, want)
	}
}

func TestBinanceFetchBalance(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		if r.URL.Path != "/fapi/v2/account" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.URL.Query().Get("signature") == "" {
			t.Error("request is unsigned")
		}
		json.NewEncoder(w).Encode(map[string]string{"totalWalletBalance": "1234.56"})
	}))
	defer server.Close()

	b := NewBinance(server.URL, time.Second)
	balance, err := b.FetchBalance(context.Background(), Credentials{APIKey: "my-key", APISecret: "my-secret"})
	if err != nil {
		t.Fatalf("FetchBalance failed: %v", err)
	}
	if !balance.Equal(dec("1234.56")) {
		t.Errorf("balance: got %s, want 1234.56", balance)
	}
	if gotHeader != "my-key" {
		t.Errorf("api key header: got %q", gotHeader)
	}
}

func TestBinanceFetchTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ETHUSDT" {
			t.Errorf("symbol: got %s", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"symbol": "ETHUSDT", "price": "2000.10"})
	}))
	defer server.Close()

	b := NewBinance(server.URL, time.Second)
	price, err := b.FetchTicker(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	if !price.Equal(dec("2000.10")) {
		t.Errorf("price: got %s", price)
	}
}

func TestBinanceNon2xxBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	b := NewBinance(server.URL, time.Second)
	_, err := b.FetchTicker(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Venue != VenueBinance || apiErr.HTTPStatus != http.StatusBadRequest {
		t.Errorf("error fields: %+v", apiErr)
	}
}

func TestBinanceClosePositionComputesRealizedPnL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("side"); got != "SELL" {
			t.Errorf("close of a long should SELL, got %s", got)
		}
		if got := r.URL.Query().Get("reduceOnly"); got != "true" {
			t.Errorf("close should be reduceOnly, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId":  42,
			"avgPrice": "110",
			"status":   "FILLED",
		})
	}))
	defer server.Close()

	b := NewBinance(server.URL, time.Second)
	result, err := b.ClosePosition(context.Background(), Credentials{APIKey: "k", APISecret: "s"}, CloseRequest{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   dec("2"),
		EntryPrice: dec("100"),
	})
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if !result.ClosePrice.Equal(dec("110")) {
		t.Errorf("close price: got %s", result.ClosePrice)
	}
	if !result.RealizedPnL.Equal(dec("20")) {
		t.Errorf("realized pnl: got %s, want 20", result.RealizedPnL)
	}
}

func TestRealizedPnL(t *testing.T) {
	if got := realizedPnL(SideShort, dec("100"), dec("90"), dec("3")); !got.Equal(dec("30")) {
		t.Errorf("short pnl: got %s, want 30", got)
	}
	if got := realizedPnL(SideLong, dec("100"), dec("90"), dec("3")); !got.Equal(dec("-30")) {
		t.Errorf("long pnl: got %s, want -30", got)
	}
}

func TestOppositeSide(t *testing.T) {
	if got := oppositeSide(SideLong); got != SideShort {
		t.Errorf("opposite of long: got %s", got)
	}
	if got := oppositeSide(SideShort); got != SideLong {
		t.Errorf("opposite of short: got %s", got)
	}
}

func TestGateSignature(t *testing.T) {
	g := NewGate("http://unused", time.Second)
	fixed := time.Unix(1700000000, 0)
	g.rest.now = func() time.Time { return fixed }

	headers := g.signedHeaders(Credentials{APIKey: "key", APISecret: "secret"}, "GET", "/api/v4/futures/usdt/accounts", "", "")
	if headers["KEY"] != "key" {
		t.Errorf("KEY header: got %q", headers["KEY"])
	}
	if headers["Timestamp"] != "1700000000" {
		t.Errorf("Timestamp header: got %q", headers["Timestamp"])
	}
	if len(headers["SIGN"]) != 128 {
		t.Errorf("SIGN should be hex sha512, got length %d", len(headers["SIGN"]))
	}
}

func TestGateTriggerRules(t *testing.T) {
	// Gate fires rule 1 on price >= trigger and rule 2 on price <= trigger.
	// A long's take-profit sits above entry and must wait for the price to
	// rise to it; sending it with rule 2 would fire immediately and flatten
	// the position at entry. Same inversion for a short's take-profit.
	tests := []struct {
		name     string
		attach   func(g *Gate, creds Credentials) error
		wantRule int
	}{
		{"long stop loss", func(g *Gate, c Credentials) error {
			return g.AttachStopLoss(context.Background(), c, "BTC_USDT", SideLong, dec("1"), dec("29000"))
		}, 2},
		{"long take profit", func(g *Gate, c Credentials) error {
			return g.AttachTakeProfit(context.Background(), c, "BTC_USDT", SideLong, dec("1"), dec("36000"))
		}, 1},
		{"short stop loss", func(g *Gate, c Credentials) error {
			return g.AttachStopLoss(context.Background(), c, "BTC_USDT", SideShort, dec("1"), dec("31000"))
		}, 1},
		{"short take profit", func(g *Gate, c Credentials) error {
			return g.AttachTakeProfit(context.Background(), c, "BTC_USDT", SideShort, dec("1"), dec("24000"))
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRule int
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v4/futures/usdt/price_orders" {
					t.Errorf("path: got %s", r.URL.Path)
				}
				var body struct {
					Trigger struct {
						Rule int `json:"rule"`
					} `json:"trigger"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				gotRule = body.Trigger.Rule
				w.Write([]byte(`{"id":1}`))
			}))
			defer server.Close()

			g := NewGate(server.URL, time.Second)
			if err := tt.attach(g, Credentials{APIKey: "k", APISecret: "s"}); err != nil {
				t.Fatalf("attach failed: %v", err)
			}
			if gotRule != tt.wantRule {
				t.Errorf("trigger rule: got %d, want %d", gotRule, tt.wantRule)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(config.ExchangeConfig{}, time.Second)

	for _, venue := range []string{VenueBinance, VenueBybit, VenueOKX, VenueBitget, VenueMEXC, VenueGate} {
		adapter, err := r.Get(venue)
		if err != nil {
			t.Errorf("Get(%s) failed: %v", venue, err)
			continue
		}
		if adapter.Venue() != venue {
			t.Errorf("adapter venue: got %s, want %s", adapter.Venue(), venue)
		}
	}
	if _, err := r.Get("kraken"); err == nil {
		t.Error("unknown venue should error")
	}
	if !RequiresPassphrase(VenueOKX) || !RequiresPassphrase(VenueBitget) {
		t.Error("okx and bitget require a passphrase")
	}
	if RequiresPassphrase(VenueBinance) {
		t.Error("binance does not require a passphrase")
	}
}
