// Package exchange normalizes heterogeneous venue REST APIs behind a single
// adapter interface. Each venue variant owns its signing scheme, base URL and
// response shape; callers only ever see the normalized contract below.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Supported venue identifiers.
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
	VenueOKX     = "okx"
	VenueBitget  = "bitget"
	VenueMEXC    = "mexc"
	VenueGate    = "gate"
)

// Trade sides as the engines speak them; adapters translate to venue terms.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Credentials is a decrypted API credential triple, passed per call and never
// retained by an adapter.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// OrderResult is the normalized outcome of a market order.
type OrderResult struct {
	OrderID   string
	FillPrice decimal.Decimal
}

// CloseRequest identifies the position an adapter must fully offset.
type CloseRequest struct {
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// CloseResult is the normalized outcome of closing a position.
type CloseResult struct {
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal
}

// APIError is the normalized failure for any adapter call: network error, auth
// failure, rate limit, or venue-rejected request.
type APIError struct {
	Venue      string
	HTTPStatus int
	VenueCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.VenueCode != "" {
		return fmt.Sprintf("%s API error (http %d, code %s): %s", e.Venue, e.HTTPStatus, e.VenueCode, e.Message)
	}
	return fmt.Sprintf("%s API error (http %d): %s", e.Venue, e.HTTPStatus, e.Message)
}

// Adapter is the per-venue capability set. Implementations must not retry
// internally; retry policy belongs to the caller. Market orders either fully
// succeed or fail with *APIError — never partially. SetLeverage and the
// stop/take attachments are best-effort from the caller's point of view:
// a failure is reported but does not undo an already-placed order.
type Adapter interface {
	Venue() string
	FetchBalance(ctx context.Context, creds Credentials) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, creds Credentials, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, creds Credentials, symbol, side string, quantity decimal.Decimal) (*OrderResult, error)
	AttachStopLoss(ctx context.Context, creds Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error
	AttachTakeProfit(ctx context.Context, creds Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error
	// FetchTicker uses the venue's public endpoint and needs no credentials.
	FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	ClosePosition(ctx context.Context, creds Credentials, req CloseRequest) (*CloseResult, error)
}

// realizedPnL computes the PnL a fully-offsetting close realizes.
func realizedPnL(side string, entry, close, quantity decimal.Decimal) decimal.Decimal {
	if side == SideShort {
		return entry.Sub(close).Mul(quantity)
	}
	return close.Sub(entry).Mul(quantity)
}

// oppositeSide returns the side of the order that offsets a position.
func oppositeSide(side string) string {
	if side == SideLong {
		return SideShort
	}
	return SideLong
}
