package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const binanceMainnetURL = "https://fapi.binance.com"

// Binance implements the adapter for Binance USDT-M futures. Requests are
// signed with HMAC-SHA256 over the query string plus a millisecond timestamp;
// the API key travels in the X-MBX-APIKEY header.
type Binance struct {
	rest *restClient
}

func NewBinance(baseURL string, timeout time.Duration) *Binance {
	if baseURL == "" {
		baseURL = binanceMainnetURL
	}
	return &Binance{rest: newRESTClient(VenueBinance, baseURL, timeout)}
}

func (b *Binance) Venue() string { return VenueBinance }

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *Binance) signedQuery(creds Credentials, params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(b.rest.now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	params.Set("signature", signHMACSHA256Hex(creds.APISecret, canonicalQuery(params)))
	return params
}

func (b *Binance) FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error) {
	var resp struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
	}
	err := b.rest.do(ctx, request{
		method:  "GET",
		path:    "/fapi/v2/account",
		query:   b.signedQuery(creds, url.Values{}),
		headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
	}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(resp.TotalWalletBalance)
	if err != nil {
		return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable balance %q", resp.TotalWalletBalance))
	}
	return balance, nil
}

func (b *Binance) SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return b.rest.do(ctx, request{
		method:  "POST",
		path:    "/fapi/v1/leverage",
		query:   b.signedQuery(creds, params),
		headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
	}, nil)
}

func (b *Binance) PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.marketOrder(ctx, creds, symbol, side, quantity, false)
}

func (b *Binance) marketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", binanceOrderSide(side))
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.String())
	params.Set("newClientOrderId", "sb-"+uuid.NewString())
	// RESULT waits for the fill so avgPrice is populated.
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		OrderID  int64  `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
		Status   string `json:"status"`
	}
	err := b.rest.do(ctx, request{
		method:  "POST",
		path:    "/fapi/v1/order",
		query:   b.signedQuery(creds, params),
		headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
	}, &resp)
	if err != nil {
		return nil, err
	}

	fillPrice, err := decimal.NewFromString(resp.AvgPrice)
	if err != nil || fillPrice.IsZero() {
		// Fill price not reported yet; the last traded price is the best stand-in.
		fillPrice, err = b.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, err
		}
	}
	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		FillPrice: fillPrice,
	}, nil
}

func (b *Binance) AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return b.attachTrigger(ctx, creds, symbol, side, quantity, stopPrice, "STOP_MARKET")
}

func (b *Binance) AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return b.attachTrigger(ctx, creds, symbol, side, quantity, takeProfitPrice, "TAKE_PROFIT_MARKET")
}

func (b *Binance) attachTrigger(ctx context.Context, creds Credentials, symbol, side string, quantity, triggerPrice decimal.Decimal, orderType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", binanceOrderSide(oppositeSide(side)))
	params.Set("type", orderType)
	params.Set("stopPrice", triggerPrice.String())
	params.Set("quantity", quantity.String())
	params.Set("reduceOnly", "true")
	return b.rest.do(ctx, request{
		method:  "POST",
		path:    "/fapi/v1/order",
		query:   b.signedQuery(creds, params),
		headers: map[string]string{"X-MBX-APIKEY": creds.APIKey},
	}, nil)
}

func (b *Binance) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	var resp struct {
		Price string `json:"price"`
	}
	err := b.rest.do(ctx, request{method: "GET", path: "/fapi/v1/ticker/price", query: query}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, b.rest.apiErr("", fmt.Sprintf("unparseable price %q", resp.Price))
	}
	return price, nil
}

func (b *Binance) ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error) {
	order, err := b.marketOrder(ctx, creds, req.Symbol, oppositeSide(req.Side), req.Quantity, true)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		ClosePrice:  order.FillPrice,
		RealizedPnL: realizedPnL(req.Side, req.EntryPrice, order.FillPrice, req.Quantity),
	}, nil
}

func binanceOrderSide(side string) string {
	if side == SideShort {
		return "SELL"
	}
	return "BUY"
}
