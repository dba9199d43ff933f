package distributor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/database"
)

// ValidationError reports a malformed signal. Validation runs before any order
// is placed, so a rejected signal never reaches an exchange.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal %s: %s", e.Field, e.Message)
}

// ValidateSignal checks a signal against the configured trading bounds.
func ValidateSignal(sig *database.Signal, bounds config.TradingConfig) error {
	if sig.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "must not be empty"}
	}
	if sig.Side != database.SideLong && sig.Side != database.SideShort {
		return &ValidationError{Field: "side", Message: fmt.Sprintf("must be %q or %q", database.SideLong, database.SideShort)}
	}
	if sig.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "entry_price", Message: "must be positive"}
	}
	if sig.Leverage < 1 || sig.Leverage > bounds.MaxLeverage {
		return &ValidationError{Field: "leverage", Message: fmt.Sprintf("must be within 1-%d", bounds.MaxLeverage)}
	}
	if sig.PositionSizePercent < 1 || sig.PositionSizePercent > bounds.MaxPositionSizePercent {
		return &ValidationError{Field: "position_size_percent", Message: fmt.Sprintf("must be within 1-%v", bounds.MaxPositionSizePercent)}
	}
	if sig.HasStopLoss && sig.StopLoss.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "stop_loss", Message: "must be positive when set"}
	}
	if sig.HasTakeProfit && sig.TakeProfit.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "take_profit", Message: "must be positive when set"}
	}
	if sig.HasStopLoss {
		if sig.Side == database.SideLong && sig.StopLoss.GreaterThanOrEqual(sig.EntryPrice) {
			return &ValidationError{Field: "stop_loss", Message: "must be below entry for a long"}
		}
		if sig.Side == database.SideShort && sig.StopLoss.LessThanOrEqual(sig.EntryPrice) {
			return &ValidationError{Field: "stop_loss", Message: "must be above entry for a short"}
		}
	}
	if sig.HasTakeProfit {
		if sig.Side == database.SideLong && sig.TakeProfit.LessThanOrEqual(sig.EntryPrice) {
			return &ValidationError{Field: "take_profit", Message: "must be above entry for a long"}
		}
		if sig.Side == database.SideShort && sig.TakeProfit.GreaterThanOrEqual(sig.EntryPrice) {
			return &ValidationError{Field: "take_profit", Message: "must be below entry for a short"}
		}
	}
	if !sig.ExpiresAt.After(time.Now()) {
		return &ValidationError{Field: "expires_at", Message: "must be in the future"}
	}
	return nil
}
