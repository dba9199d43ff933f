package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitRecvWindow = "5000"
)

// Bybit implements the adapter for Bybit v5 linear perpetuals. The signature
// is HMAC-SHA256 over timestamp + api key + recv window + payload (the query
// string for GET, the JSON body for POST).
type Bybit struct {
	rest *restClient
}

func NewBybit(baseURL string, timeout time.Duration) *Bybit {
	if baseURL == "" {
		baseURL = bybitMainnetURL
	}
	return &Bybit{rest: newRESTClient(VenueBybit, baseURL, timeout)}
}

func (b *Bybit) Venue() string { return VenueBybit }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bybit) signedHeaders(creds Credentials, payload string) map[string]string {
	timestamp := strconv.FormatInt(b.rest.now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     creds.APIKey,
		"X-BAPI-SIGN":        signHMACSHA256Hex(creds.APISecret, timestamp+creds.APIKey+bybitRecvWindow+payload),
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
	}
}

func (b *Bybit) get(ctx context.Context, path string, query url.Values, creds Credentials, result interface{}) error {
	var envelope bybitEnvelope
	err := b.rest.do(ctx, request{
		method:  "GET",
		path:    path,
		query:   query,
		headers: b.signedHeaders(creds, canonicalQuery(query)),
	}, &envelope)
	if err != nil {
		return err
	}
	return b.unwrap(envelope, result)
}

func (b *Bybit) post(ctx context.Context, path string, body map[string]interface{}, creds Credentials, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return b.rest.apiErr("", fmt.Sprintf("failed to marshal body: %v", err))
	}
	var envelope bybitEnvelope
	err = b.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		headers: b.signedHeaders(creds, string(payload)),
		body:    payload,
	}, &envelope)
	if err != nil {
		return err
	}
	return b.unwrap(envelope, result)
}

func (b *Bybit) unwrap(envelope bybitEnvelope, result interface{}) error {
	if envelope.RetCode != 0 {
		return b.rest.apiErr(strconv.Itoa(envelope.RetCode), envelope.RetMsg)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return b.rest.apiErr("", fmt.Sprintf("failed to parse result: %v", err))
		}
	}
	return nil
}

func (b *Bybit) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", query, creds, &result); err != nil {
		return decimal.Zero, err
	}
	for _, account := range result.List {
		for _, coin := range account.Coin {
			if coin.Coin == "USDT" {
				balance, err := decimal.NewFromString(coin.WalletBalance)
				if err != nil {
					return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable balance %q", coin.WalletBalance))
				}
				return balance, nil
			}
		}
	}
	return decimal.Zero, nil
}

func (b *Bybit) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	return b.post(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, creds, nil)
}

func (b *Bybit) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.marketOrder(ctx, creds, symbol, side, quantity, false)
}

func (b *Bybit) marketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	body := map[string]interface{}{
		"category":  "linear",
		"symbol":    symbol,
		"side":      bybitOrderSide(side),
		"orderType": "Market",
		"qty":       quantity.String(),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.post(ctx, "/v5/order/create", body, creds, &result); err != nil {
		return nil, err
	}
	// The create response carries no fill price; the last traded price is the
	// normalized stand-in.
	fillPrice, err := b.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: result.OrderID, FillPrice: fillPrice}, nil
}

func (b *Bybit) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return b.post(ctx, "/v5/position/trading-stop", map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"stopLoss":    stopPrice.String(),
		"positionIdx": 0,
	}, creds, nil)
}

func (b *Bybit) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return b.post(ctx, "/v5/position/trading-stop", map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"takeProfit":  takeProfitPrice.String(),
		"positionIdx": 0,
	}, creds, nil)
}

func (b *Bybit) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	var envelope bybitEnvelope
	err := b.rest.do(ctx, request{method: "GET", path: "/v5/market/tickers", query: query}, &envelope)
	if err != nil {
		return decimal.Zero, err
	}
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := b.unwrap(envelope, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("no ticker for %s", symbol))
	}
	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable price %q", result.List[0].LastPrice))
	}
	return price, nil
}

func (b *Bybit) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := b.marketOrder(ctx, creds, req.Symbol, oppositeSide(req.Side), req.Quantity, true)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

func bybitOrderSide(side string) string {
	if side == SideShort {
		return "Sell"
	}
	return "Buy"
}
