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

const mexcMainnetURL = "https://contract.mexc.com"

// MEXC implements the adapter for MEXC USDT-M contracts. Signing is
// HMAC-SHA256 over api key + millisecond timestamp + canonical parameters,
// carried in ApiKey / Request-Time / Signature headers.
type MEXC struct {
	rest *restClient
}

func NewMEXC(baseURL string, timeout time.Duration) *MEXC {
	if baseURL == "" {
		baseURL = mexcMainnetURL
	}
	return &MEXC{rest: newRESTClient(VenueMEXC, baseURL, timeout)}
}

func (m *MEXC) Venue() string { return VenueMEXC }

type mexcEnvelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (m *MEXC) signedHeaders(creds Credentials, params string) map[string]string {
	timestamp := strconv.FormatInt(m.rest.now().UnixMilli(), 10)
	return map[string]string{
		"ApiKey":       creds.APIKey,
		"Request-Time": timestamp,
		"Signature":    signHMACSHA256Hex(creds.APISecret, creds.APIKey+timestamp+params),
	}
}

func (m *MEXC) get(ctx context.Context, path string, query url.Values, creds Credentials, result interface{}) error {
	var envelope mexcEnvelope
	err := m.rest.do(ctx, request{
		method:  "GET",
		path:    path,
		query:   query,
		headers: m.signedHeaders(creds, canonicalQuery(query)),
	}, &envelope)
	if err != nil {
		return err
	}
	return m.unwrap(envelope, result)
}

func (m *MEXC) post(ctx context.Context, path string, body map[string]interface{}, creds Credentials, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return m.rest.apiErr("", fmt.Sprintf("failed to marshal body: %v", err))
	}
	var envelope mexcEnvelope
	err = m.rest.do(ctx, request{
		method:  "POST",
		path:    path,
		headers: m.signedHeaders(creds, string(payload)),
		body:    payload,
	}, &envelope)
	if err != nil {
		return err
	}
	return m.unwrap(envelope, result)
}

func (m *MEXC) unwrap(envelope mexcEnvelope, result interface{}) error {
	if !envelope.Success {
		return m.rest.apiErr(strconv.Itoa(envelope.Code), envelope.Message)
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return m.rest.apiErr("", fmt.Sprintf("failed to parse data: %v", err))
		}
	}
	return nil
}

func (m *MEXC) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	var data []struct {
		Currency         string          `json:"currency"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
	}
	if err := m.get(ctx, "/api/v1/private/account/assets", nil, creds, &data); err != nil {
		return decimal.Zero, err
	}
	for _, asset := range data {
		if asset.Currency == "USDT" {
			return asset.AvailableBalance, nil
		}
	}
	return decimal.Zero, nil
}

func (m *MEXC) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	return m.post(ctx, "/api/v1/private/position/change_leverage", map[string]interface{}{
		"symbol":   symbol,
		"leverage": leverage,
		"openType": 2,
	}, creds, nil)
}

func (m *MEXC) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return m.order(ctx, creds, symbol, mexcOpenSide(side), quantity)
}

func (m *MEXC) order(ctx context.Context, creds Credentials, symbol string, mexcSide int, quantity decimal.Decimal) (*OrderResult, error) {
	var orderID json.Number
	err := m.post(ctx, "/api/v1/private/order/submit", map[string]interface{}{
		"symbol":   symbol,
		"side":     mexcSide,
		"vol":      quantity.String(),
		"type":     5, // market
		"openType": 2, // cross margin
	}, creds, &orderID)
	if err != nil {
		return nil, err
	}
	fillPrice, err := m.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: orderID.String(), FillPrice: fillPrice}, nil
}

func (m *MEXC) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return m.post(ctx, "/api/v1/private/stoporder/place", map[string]interface{}{
		"symbol":        symbol,
		"vol":           quantity.String(),
		"stopLossPrice": stopPrice.String(),
	}, creds, nil)
}

func (m *MEXC) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return m.post(ctx, "/api/v1/private/stoporder/place", map[string]interface{}{
		"symbol":          symbol,
		"vol":             quantity.String(),
		"takeProfitPrice": takeProfitPrice.String(),
	}, creds, nil)
}

func (m *MEXC) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	var envelope mexcEnvelope
	err := m.rest.do(ctx, request{method: "GET", path: "/api/v1/contract/ticker", query: query}, &envelope)
	if err != nil {
		return decimal.Zero, err
	}
	var data struct {
		LastPrice decimal.Decimal `json:"lastPrice"`
	}
	if err := m.unwrap(envelope, &data); err != nil {
		return decimal.Zero, err
	}
	return data.LastPrice, nil
}

func (m *MEXC) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := m.order(ctx, creds, req.Symbol, mexcCloseSide(req.Side), req.Quantity)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

// MEXC encodes order intent numerically: 1 open long, 2 close short,
// 3 open short, 4 close long.
func mexcOpenSide(side string) int {
	if side == SideShort {
		return 3
	}
	return 1
}

func mexcCloseSide(side string) int {
	if side == SideShort {
		return 2
	}
	return 4
}
