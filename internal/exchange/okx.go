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

const okxMainnetURL = "https://www.okx.com"

// OKX implements the adapter for OKX v5 swaps. The signature is
// base64(HMAC-SHA256(timestamp + method + requestPath + body)) and the account
// passphrase travels in its own header alongside the key.
type OKX struct {
	rest *restClient
}

func NewOKX(baseURL string, timeout time.Duration) *OKX {
	if baseURL == "" {
		baseURL = okxMainnetURL
	}
	return &OKX{rest: newRESTClient(VenueOKX, baseURL, timeout)}
}

func (o *OKX) Venue() string { return VenueOKX }

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) signedHeaders(creds Credentials, method, requestPath, body string) map[string]string {
	timestamp := o.rest.now().UTC().Format("2006-01-02T15:04:05.000Z")
	return map[string]string{
		"OK-ACCESS-KEY":        creds.APIKey,
		"OK-ACCESS-SIGN":       signHMACSHA256Base64(creds.APISecret, timestamp+method+requestPath+body),
		"OK-ACCESS-TIMESTAMP":  timestamp,
		"OK-ACCESS-PASSPHRASE": creds.Passphrase,
	}
}

func (o *OKX) get(ctx context.Context, path string, query url.Values, creds Credentials, result interface{}) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var envelope okxEnvelope
	err := o.rest.do(ctx, request{
		method:  "GET",
		path:    path,
		query:   query,
		headers: o.signedHeaders(creds, "GET", requestPath, ""),
	}, &envelope)
	if err != nil {
		return err
	}
	return o.unwrap(envelope, result)
}

func (o *OKX) post(ctx context.Context, path string, body map[string]interface{}, creds Credentials, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return o.rest.apiErr("", fmt.Sprintf("failed to marshal body: %v", err))
	}
	var envelope okxEnvelope
	err = o.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		headers: o.signedHeaders(creds, "POST", path, string(payload)),
		body:    payload,
	}, &envelope)
	if err != nil {
		return err
	}
	return o.unwrap(envelope, result)
}

func (o *OKX) unwrap(envelope okxEnvelope, result interface{}) error {
	if envelope.Code != "0" {
		return o.rest.apiErr(envelope.Code, envelope.Msg)
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return o.rest.apiErr("", fmt.Sprintf("failed to parse data: %v", err))
		}
	}
	return nil
}

func (o *OKX) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	var data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := o.get(ctx, "/api/v5/account/balance", nil, creds, &data); err != nil {
		return decimal.Zero, err
	}
	for _, account := range data {
		for _, detail := range account.Details {
			if detail.Ccy == "USDT" {
				balance, err := decimal.NewFromString(detail.AvailBal)
				if err != nil {
					return decimal.Zero, o.rest.apiErr("", fmt.Sprintf("unparseable balance %q", detail.AvailBal))
				}
				return balance, nil
			}
		}
	}
	return decimal.Zero, nil
}

func (o *OKX) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	return o.post(ctx, "/api/v5/account/set-leverage", map[string]interface{}{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}, creds, nil)
}

func (o *OKX) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return o.marketOrder(ctx, creds, symbol, side, quantity, false)
}

func (o *OKX) marketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	body := map[string]interface{}{
		"instId":  symbol,
		"tdMode":  "cross",
		"side":    okxOrderSide(side),
		"ordType": "market",
		"sz":      quantity.String(),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	var data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := o.post(ctx, "/api/v5/trade/order", body, creds, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, o.rest.apiErr("", "empty order response")
	}
	// Per-order status is nested: the envelope can be 0 while the order failed.
	if data[0].SCode != "" && data[0].SCode != "0" {
		return nil, o.rest.apiErr(data[0].SCode, data[0].SMsg)
	}
	fillPrice, err := o.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: data[0].OrdID, FillPrice: fillPrice}, nil
}

func (o *OKX) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return o.post(ctx, "/api/v5/trade/order-algo", map[string]interface{}{
		"instId":      symbol,
		"tdMode":      "cross",
		"side":        okxOrderSide(oppositeSide(side)),
		"ordType":     "conditional",
		"sz":          quantity.String(),
		"slTriggerPx": stopPrice.String(),
		"slOrdPx":     "-1",
		"reduceOnly":  true,
	}, creds, nil)
}

func (o *OKX) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return o.post(ctx, "/api/v5/trade/order-algo", map[string]interface{}{
		"instId":      symbol,
		"tdMode":      "cross",
		"side":        okxOrderSide(oppositeSide(side)),
		"ordType":     "conditional",
		"sz":          quantity.String(),
		"tpTriggerPx": takeProfitPrice.String(),
		"tpOrdPx":     "-1",
		"reduceOnly":  true,
	}, creds, nil)
}

func (o *OKX) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("instId", symbol)
	var envelope okxEnvelope
	err := o.rest.do(ctx, request{method: "GET", path: "/api/v5/market/ticker", query: query}, &envelope)
	if err != nil {
		return decimal.Zero, err
	}
	var data []struct {
		Last string `json:"last"`
	}
	if err := o.unwrap(envelope, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, o.rest.apiErr("", fmt.Sprintf("no ticker for %s", symbol))
	}
	price, err := decimal.NewFromString(data[0].Last)
	if err != nil {
		return decimal.Zero, o.rest.apiErr("", fmt.Sprintf("unparseable price %q", data[0].Last))
	}
	return price, nil
}

func (o *OKX) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := o.marketOrder(ctx, creds, req.Symbol, oppositeSide(req.Side), req.Quantity, true)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

func okxOrderSide(side string) string {
	if side == SideShort {
		return "sell"
	}
	return "buy"
}
