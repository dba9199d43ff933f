// Package monitor implements the position monitoring engine: it refreshes
// mark prices and PnL for every open position and closes positions whose
// stop-loss or take-profit level has been reached.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/database"
	"signal-trading-bot/internal/events"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/vault"
)

// Store is the persistence surface the monitor needs. *database.Repository
// satisfies it.
type Store interface {
	ListOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetCredential(ctx context.Context, credentialID int64) (*database.ExchangeCredential, error)
	UpdatePositionPrice(ctx context.Context, positionID int64, price, pnl decimal.Decimal) error
	ClosePosition(ctx context.Context, positionID int64, closePrice, pnl decimal.Decimal, reason string) (bool, error)
}

// CredentialOpener decrypts stored credential triples.
type CredentialOpener interface {
	Decrypt(enc *vault.EncryptedCredentials) (*vault.Credentials, error)
}

// Adapters resolves a venue name to its adapter.
type Adapters interface {
	Get(venue string) (exchange.Adapter, error)
}

// Notifier receives human-readable close notices. Sends are best effort.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Monitor is the position monitoring engine. It shares no state with the
// distributor; the two communicate only through the store.
type Monitor struct {
	store    Store
	opener   CredentialOpener
	adapters Adapters
	notifier Notifier
	bus      *events.Bus
	logger   zerolog.Logger

	interval       time.Duration
	workers        int
	adapterTimeout time.Duration
}

// New creates a monitor. notifier and bus may be nil.
func New(store Store, opener CredentialOpener, adapters Adapters, notifier Notifier, bus *events.Bus, engines config.EngineConfig, logger zerolog.Logger) *Monitor {
	workers := engines.FanOutWorkers
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		store:          store,
		opener:         opener,
		adapters:       adapters,
		notifier:       notifier,
		bus:            bus,
		logger:         logger,
		interval:       engines.MonitorInterval,
		workers:        workers,
		adapterTimeout: engines.AdapterTimeout,
	}
}

// Run drives the engine loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.interval).
		Int("workers", m.workers).
		Msg("position monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("position monitor stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single monitoring cycle over all open positions.
func (m *Monitor) RunOnce(ctx context.Context) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list open positions")
		return
	}
	if len(positions) == 0 {
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, m.workers)
	for i := range positions {
		pos := positions[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.check(ctx, pos); err != nil {
				m.logger.Warn().Err(err).
					Int64("position_id", pos.ID).
					Str("symbol", pos.Symbol).
					Msg("position check failed")
			}
		}()
	}
	wg.Wait()
}

// check refreshes one position's price and PnL, then evaluates its triggers.
// The price and PnL update always happens, even when a subsequent close
// attempt fails; a failed close is retried on the next cycle because the
// position stays open.
func (m *Monitor) check(ctx context.Context, pos *database.Position) error {
	adapter, err := m.adapters.Get(pos.ExchangeID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.adapterTimeout)
	defer cancel()

	price, err := adapter.FetchTicker(callCtx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}

	pnl := UnrealizedPnL(pos.Side, pos.EntryPrice, price, pos.Quantity)
	if err := m.store.UpdatePositionPrice(ctx, pos.ID, price, pnl); err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(events.EventPositionUpdated, events.PositionEvent{
			PositionID:   pos.ID,
			UserID:       pos.UserID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			CurrentPrice: price,
			PnL:          pnl,
			Status:       database.PositionStatusOpen,
		})
	}

	reason, triggered := EvaluateTriggers(pos, price)
	if !triggered {
		return nil
	}
	return m.close(ctx, pos, reason)
}

// close executes a market close on the exchange and then records it. The
// database close is a conditional write, so two racing closers settle on a
// single winner and the position's history stays append-only.
func (m *Monitor) close(ctx context.Context, pos *database.Position, reason string) error {
	adapter, err := m.adapters.Get(pos.ExchangeID)
	if err != nil {
		return err
	}
	cred, err := m.store.GetCredential(ctx, pos.CredentialID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return fmt.Errorf("credential %d not found", pos.CredentialID)
	}
	decrypted, err := m.opener.Decrypt(&vault.EncryptedCredentials{
		APIKey:     cred.APIKeyEncrypted,
		APISecret:  cred.APISecretEncrypted,
		Passphrase: cred.PassphraseEncrypted,
	})
	if err != nil {
		return fmt.Errorf("decrypt credential %d: %w", cred.ID, err)
	}
	creds := exchange.Credentials{
		APIKey:     decrypted.APIKey,
		APISecret:  decrypted.APISecret,
		Passphrase: decrypted.Passphrase,
	}

	callCtx, cancel := context.WithTimeout(ctx, m.adapterTimeout)
	defer cancel()

	result, err := adapter.ClosePosition(callCtx, creds, exchange.CloseRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
	})
	if err != nil {
		return fmt.Errorf("exchange close: %w", err)
	}

	closed, err := m.store.ClosePosition(ctx, pos.ID, result.ClosePrice, result.RealizedPnL, reason)
	if err != nil {
		return fmt.Errorf("record close: %w", err)
	}
	if !closed {
		// Someone else closed it first; the exchange order was reduce-only
		// so the double close is harmless.
		return nil
	}

	m.logger.Info().
		Int64("position_id", pos.ID).
		Int64("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Str("pnl", result.RealizedPnL.String()).
		Msg("position closed")

	if m.bus != nil {
		m.bus.Publish(events.EventPositionClosed, events.PositionEvent{
			PositionID:   pos.ID,
			UserID:       pos.UserID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			CurrentPrice: result.ClosePrice,
			PnL:          result.RealizedPnL,
			Status:       database.PositionStatusClosed,
			CloseReason:  reason,
		})
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("Position #%d %s %s closed (%s), PnL %s", pos.ID, pos.Symbol, pos.Side, reason, result.RealizedPnL.String()))
	}
	return nil
}

// CloseAllOpenPositions force-closes every open position with the emergency
// close reason. It returns how many closed and how many failed; failures are
// left open for the regular cycle or a retry.
func (m *Monitor) CloseAllOpenPositions(ctx context.Context) (closed, failed int, err error) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, pos := range positions {
		if err := m.close(ctx, pos, database.CloseReasonAdminEmergency); err != nil {
			failed++
			m.logger.Error().Err(err).
				Int64("position_id", pos.ID).
				Msg("emergency close failed")
			continue
		}
		closed++
	}
	m.logger.Info().Int("closed", closed).Int("failed", failed).Msg("emergency close-all complete")
	return closed, failed, nil
}

// UnrealizedPnL computes position PnL at the given mark price. Long profits
// when price rises, short when it falls.
func UnrealizedPnL(side string, entry, current, quantity decimal.Decimal) decimal.Decimal {
	if side == database.SideShort {
		return entry.Sub(current).Mul(quantity)
	}
	return current.Sub(entry).Mul(quantity)
}

// EvaluateTriggers reports whether the position should close at the given
// price and why. Trigger comparisons are inclusive: a long closes when price
// reaches its stop-loss from above or its take-profit from below, a short the
// other way around. Stop-loss wins when both trigger in the same cycle.
func EvaluateTriggers(pos *database.Position, price decimal.Decimal) (string, bool) {
	if pos.Side == database.SideShort {
		if pos.HasStopLoss && price.GreaterThanOrEqual(pos.StopLoss) {
			return database.CloseReasonStopLoss, true
		}
		if pos.HasTakeProfit && price.LessThanOrEqual(pos.TakeProfit) {
			return database.CloseReasonTakeProfit, true
		}
		return "", false
	}
	if pos.HasStopLoss && price.LessThanOrEqual(pos.StopLoss) {
		return database.CloseReasonStopLoss, true
	}
	if pos.HasTakeProfit && price.GreaterThanOrEqual(pos.TakeProfit) {
		return database.CloseReasonTakeProfit, true
	}
	return "", false
}
