package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal status values. Status is monotonic: pending -> processing ->
// processed, or pending -> expired. Transitions are enforced by conditional
// writes in the repository; nothing may set a status backward.
const (
	SignalStatusPending    = "pending"
	SignalStatusProcessing = "processing"
	SignalStatusProcessed  = "processed"
	SignalStatusExpired    = "expired"
)

// Position status values.
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position close reasons.
const (
	CloseReasonStopLoss       = "stop_loss"
	CloseReasonTakeProfit     = "take_profit"
	CloseReasonAdminEmergency = "admin_emergency"
	CloseReasonManual         = "manual"
)

// Trade sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// User is a chat-front-end identity. Users are never deleted; subscription
// state is soft only.
type User struct {
	ID                     int64     `json:"id"`
	ChatID                 int64     `json:"chat_id"`
	Username               string    `json:"username"`
	IsSubscribed           bool      `json:"is_subscribed"`
	AutoTrade              bool      `json:"auto_trade"`
	MaxPositionSizePercent float64   `json:"max_position_size_percent"`
	CreatedAt              time.Time `json:"created_at"`
	LastActiveAt           time.Time `json:"last_active_at"`
}

// ExchangeCredential holds one user's encrypted API credentials for one venue.
// Secrets are stored encrypted and only ever decrypted inside a single adapter
// call. Deactivated rows are kept to preserve trade history.
type ExchangeCredential struct {
	ID                   int64     `json:"id"`
	UserID               int64     `json:"user_id"`
	ExchangeID           string    `json:"exchange_id"`
	APIKeyEncrypted      string    `json:"-"`
	APISecretEncrypted   string    `json:"-"`
	PassphraseEncrypted  string    `json:"-"`
	Leverage             int       `json:"leverage"`
	PositionSizePercent  float64   `json:"position_size_percent"`
	AutoTrade            bool      `json:"auto_trade"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
	LastUsedAt           time.Time `json:"last_used_at"`
}

// Signal is an operator-issued trade instruction fanned out to all eligible
// credentials. Immutable once processed.
type Signal struct {
	ID                  int64           `json:"id"`
	Symbol              string          `json:"symbol"`
	Side                string          `json:"side"`
	EntryPrice          decimal.Decimal `json:"entry_price"`
	StopLoss            decimal.Decimal `json:"stop_loss"`
	TakeProfit          decimal.Decimal `json:"take_profit"`
	HasStopLoss         bool            `json:"has_stop_loss"`
	HasTakeProfit       bool            `json:"has_take_profit"`
	Leverage            int             `json:"leverage"`
	PositionSizePercent float64         `json:"position_size_percent"`
	Status              string          `json:"status"`
	ExpiresAt           time.Time       `json:"expires_at"`
	CreatedBy           int64           `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Position is one open or closed order resulting from executing one Signal on
// one credential. CurrentPrice and PnL are written only while status is open;
// a closed position is append-only history.
type Position struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	CredentialID   int64           `json:"credential_id"`
	SignalID       int64           `json:"signal_id"`
	ExchangeID     string          `json:"exchange_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	PnL            decimal.Decimal `json:"pnl"`
	Status         string          `json:"status"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	HasStopLoss    bool            `json:"has_stop_loss"`
	HasTakeProfit  bool            `json:"has_take_profit"`
	RiskIncomplete bool            `json:"risk_incomplete"`
	CloseReason    string          `json:"close_reason,omitempty"`
	OrderID        string          `json:"order_id"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// PnLSummary aggregates realized and unrealized PnL for the read-only summary
// surface.
type PnLSummary struct {
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
}

// EligiblePair is one (user, credential) fan-out target: a subscribed,
// auto-trading user with an active, auto-trade-enabled credential.
type EligiblePair struct {
	User       User
	Credential ExchangeCredential
}
