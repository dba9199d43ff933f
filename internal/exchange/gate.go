package exchange

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const gateMainnetURL = "https://api.gateio.ws"

// Gate implements the adapter for Gate.io USDT futures. Signing is
// HMAC-SHA512 over method, path, query, a SHA-512 hash of the body, and a
// second-precision timestamp, each on its own line. Gate sizes positions in
// signed integer contracts: positive long, negative short.
type Gate struct {
	rest *restClient
}

func NewGate(baseURL string, timeout time.Duration) *Gate {
	if baseURL == "" {
		baseURL = gateMainnetURL
	}
	return &Gate{rest: newRESTClient(VenueGate, baseURL, timeout)}
}

func (g *Gate) Venue() string { return VenueGate }

func (g *Gate) signedHeaders(creds Credentials, method, path, query, body string) map[string]string {
	timestamp := strconv.FormatInt(g.rest.now().Unix(), 10)
	bodyHash := sha512.Sum512([]byte(body))
	payload := method + "\n" + path + "\n" + query + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + timestamp
	return map[string]string{
		"KEY":       creds.APIKey,
		"Timestamp": timestamp,
		"SIGN":      signHMACSHA512Hex(creds.APISecret, payload),
		"Accept":    "application/json",
	}
}

func (g *Gate) get(ctx context.Context, path string, query url.Values, creds Credentials, result interface{}) error {
	return g.rest.do(ctx, request{
		method:  "GET",
		path:    path,
		query:   query,
		headers: g.signedHeaders(creds, "GET", path, query.Encode(), ""),
	}, result)
}

func (g *Gate) post(ctx context.Context, path string, body interface{}, creds Credentials, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return g.rest.apiErr("", fmt.Sprintf("failed to marshal body: %v", err))
	}
	return g.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		headers: g.signedHeaders(creds, "POST", path, "", string(payload)),
		body:    payload,
	}, result)
}

func (g *Gate) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	var account struct {
		Available string `json:"available"`
	}
	if err := g.get(ctx, "/api/v4/futures/usdt/accounts", nil, creds, &account); err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(account.Available)
	if err != nil {
		return decimal.Zero, g.rest.apiErr("", fmt.Sprintf("unparseable balance %q", account.Available))
	}
	return balance, nil
}

func (g *Gate) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	path := "/api/v4/futures/usdt/positions/" + symbol + "/leverage"
	query := url.Values{}
	query.Set("leverage", strconv.Itoa(leverage))
	return g.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		query:   query,
		headers: g.signedHeaders(creds, "POST", path, query.Encode(), ""),
	}, nil)
}

func (g *Gate) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return g.order(ctx, creds, symbol, gateSize(side, quantity), false)
}

func (g *Gate) order(ctx context.Context, creds Credentials, symbol string, size int64, reduceOnly bool) (*OrderResult, error) {
	body := map[string]interface{}{
		"contract": symbol,
		"size":     size,
		"price":    "0", // market
		"tif":      "ioc",
	}
	if reduceOnly {
		body["reduce_only"] = true
	}
	var resp struct {
		ID        int64  `json:"id"`
		FillPrice string `json:"fill_price"`
	}
	if err := g.post(ctx, "/api/v4/futures/usdt/orders", body, creds, &resp); err != nil {
		return nil, err
	}
	fillPrice, err := decimal.NewFromString(resp.FillPrice)
	if err != nil || fillPrice.IsZero() {
		fillPrice, err = g.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
	}
	return &OrderResult{OrderID: strconv.FormatInt(resp.ID, 10), FillPrice: fillPrice}, nil
}

func (g *Gate) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	// A stop fires against the position: falling price for a long, rising for
	// a short.
	rule := gateRuleLTE
	if side == SideShort {
		rule = gateRuleGTE
	}
	return g.priceOrder(ctx, creds, symbol, rule, stopPrice)
}

func (g *Gate) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	// A profit target fires with the position: rising price for a long,
	// falling for a short.
	rule := gateRuleGTE
	if side == SideShort {
		rule = gateRuleLTE
	}
	return g.priceOrder(ctx, creds, symbol, rule, takeProfitPrice)
}

// Gate price-order trigger rules: 1 fires on price >= trigger, 2 on
// price <= trigger.
const (
	gateRuleGTE = 1
	gateRuleLTE = 2
)

func (g *Gate) priceOrder(ctx context.Context, creds Credentials, symbol string, rule int, triggerPrice decimal.Decimal) error {
	// A close order with size 0 offsets the whole position when it fires.
	return g.post(ctx, "/api/v4/futures/usdt/price_orders", map[string]interface{}{
		"initial": map[string]interface{}{
			"contract": symbol,
			"size":     0,
			"close":    true,
			"price":    "0",
			"tif":      "ioc",
		},
		"trigger": map[string]interface{}{
			"price": triggerPrice.String(),
			"rule":  rule,
		},
	}, creds, nil)
}

func (g *Gate) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("contract", symbol)
	var tickers []struct {
		Last string `json:"last"`
	}
	err := g.rest.do(ctx, request{method: "GET", path: "/api/v4/futures/usdt/tickers", query: query}, &tickers)
	if err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, g.rest.apiErr("", fmt.Sprintf("no ticker for %s", symbol))
	}
	price, err := decimal.NewFromString(tickers[0].Last)
	if err != nil {
		return decimal.Zero, g.rest.apiErr("", fmt.Sprintf("unparseable price %q", tickers[0].Last))
	}
	return price, nil
}

func (g *Gate) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := g.order(ctx, creds, req.Symbol, gateSize(oppositeSide(req.Side), req.Quantity), true)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

// gateSize truncates to whole contracts; Gate does not accept fractional
// contract sizes.
func gateSize(side string, quantity decimal.Decimal) int64 {
	size := quantity.IntPart()
	if size == 0 {
		size = 1
	}
	if side == SideShort {
		return -size
	}
	return size
}
