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

const bitgetMainnetURL = "https://api.bitget.com"

// Bitget implements the adapter for Bitget USDT-M futures (mix v1). Signing is
// HMAC-SHA256 over timestamp + method + requestPath + body with a millisecond
// timestamp; the passphrase travels in ACCESS-PASSPHRASE.
type Bitget struct {
	rest *restClient
}

func NewBitget(baseURL string, timeout time.Duration) *Bitget {
	if baseURL == "" {
		baseURL = bitgetMainnetURL
	}
	return &Bitget{rest: newRESTClient(VenueBitget, baseURL, timeout)}
}

func (b *Bitget) Venue() string { return VenueBitget }

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

const bitgetOK = "00000"

func (b *Bitget) signedHeaders(creds Credentials, method, requestPath, body string) map[string]string {
	timestamp := strconv.FormatInt(b.rest.now().UnixMilli(), 10)
	return map[string]string{
		"ACCESS-KEY":        creds.APIKey,
		"ACCESS-SIGN":       signHMACSHA256Hex(creds.APISecret, timestamp+method+requestPath+body),
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": creds.Passphrase,
	}
}

func (b *Bitget) get(ctx context.Context, path string, query url.Values, creds Credentials, result interface{}) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var envelope bitgetEnvelope
	err := b.rest.do(ctx, request{
		method:  "GET",
		path:    path,
		query:   query,
		headers: b.signedHeaders(creds, "GET", requestPath, ""),
	}, &envelope)
	if err != nil {
		return err
	}
	return b.unwrap(envelope, result)
}

func (b *Bitget) post(ctx context.Context, path string, body map[string]interface{}, creds Credentials, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return b.rest.apiErr("", fmt.Sprintf("failed to marshal body: %v", err))
	}
	var envelope bitgetEnvelope
	err = b.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		headers: b.signedHeaders(creds, "POST", path, string(payload)),
		body:    payload,
	}, &envelope)
	if err != nil {
		return err
	}
	return b.unwrap(envelope, result)
}

func (b *Bitget) unwrap(envelope bitgetEnvelope, result interface{}) error {
	if envelope.Code != bitgetOK {
		return b.rest.apiErr(envelope.Code, envelope.Msg)
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return b.rest.apiErr("", fmt.Sprintf("failed to parse data: %v", err))
		}
	}
	return nil
}

func (b *Bitget) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("productType", "umcbl")
	var data []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	if err := b.get(ctx, "/api/mix/v1/account/accounts", query, creds, &data); err != nil {
		return decimal.Zero, err
	}
	for _, account := range data {
		if account.MarginCoin == "USDT" {
			balance, err := decimal.NewFromString(account.Available)
			if err != nil {
				return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable balance %q", account.Available))
			}
			return balance, nil
		}
	}
	return decimal.Zero, nil
}

func (b *Bitget) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	return b.post(ctx, "/api/mix/v1/account/setLeverage", map[string]interface{}{
		"symbol":     symbol,
		"marginCoin": "USDT",
		"leverage":   strconv.Itoa(leverage),
	}, creds, nil)
}

func (b *Bitget) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.order(ctx, creds, symbol, bitgetOpenSide(side), quantity)
}

func (b *Bitget) order(ctx context.Context, creds Credentials, symbol, bitgetSide string, quantity decimal.Decimal) (*OrderResult, error) {
	var data struct {
		OrderID string `json:"orderId"`
	}
	err := b.post(ctx, "/api/mix/v1/order/placeOrder", map[string]interface{}{
		"symbol":     symbol,
		"marginCoin": "USDT",
		"size":       quantity.String(),
		"side":       bitgetSide,
		"orderType":  "market",
	}, creds, &data)
	if err != nil {
		return nil, err
	}
	fillPrice, err := b.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: data.OrderID, FillPrice: fillPrice}, nil
}

func (b *Bitget) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return b.placeTPSL(ctx, creds, symbol, side, stopPrice, "loss_plan")
}

func (b *Bitget) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return b.placeTPSL(ctx, creds, symbol, side, takeProfitPrice, "profit_plan")
}

func (b *Bitget) placeTPSL(ctx context.Context, creds Credentials, symbol, side string, triggerPrice decimal.Decimal, planType string) error {
	return b.post(ctx, "/api/mix/v1/plan/placeTPSL", map[string]interface{}{
		"symbol":       symbol,
		"marginCoin":   "USDT",
		"planType":     planType,
		"triggerPrice": triggerPrice.String(),
		"holdSide":     side,
	}, creds, nil)
}

func (b *Bitget) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	var envelope bitgetEnvelope
	err := b.rest.do(ctx, request{method: "GET", path: "/api/mix/v1/market/ticker", query: query}, &envelope)
	if err != nil {
		return decimal.Zero, err
	}
	var data struct {
		Last string `json:"last"`
	}
	if err := b.unwrap(envelope, &data); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(data.Last)
	if err != nil {
		return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable price %q", data.Last))
	}
	return price, nil
}

func (b *Bitget) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := b.order(ctx, creds, req.Symbol, bitgetCloseSide(req.Side), req.Quantity)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

func bitgetOpenSide(side string) string {
	if side == SideShort {
		return "open_short"
	}
	return "open_long"
}

func bitgetCloseSide(side string) string {
	if side == SideShort {
		return "close_short"
	}
	return "close_long"
}
