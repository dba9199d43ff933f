// Package distributor implements the signal distribution engine: it claims
// pending signals and fans each one out to every eligible (user, credential)
// pair, placing real orders through the exchange adapters.
package distributor

import (
	"context"
	"errors"
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

// Store is the persistence surface the distributor needs. *database.Repository
// satisfies it.
type Store interface {
	ExpireStaleSignals(ctx context.Context, now time.Time) (int64, error)
	ListPendingSignals(ctx context.Context, now time.Time) ([]*database.Signal, error)
	ClaimSignal(ctx context.Context, signalID int64) (bool, error)
	MarkSignalProcessed(ctx context.Context, signalID int64) (bool, error)
	GetEligiblePairs(ctx context.Context) ([]database.EligiblePair, error)
	CreatePosition(ctx context.Context, pos *database.Position) error
	TouchCredential(ctx context.Context, credentialID int64) error
}

// CredentialOpener decrypts stored credential triples. *vault.Vault satisfies
// it.
type CredentialOpener interface {
	Decrypt(enc *vault.EncryptedCredentials) (*vault.Credentials, error)
}

// Adapters resolves a venue name to its adapter. *exchange.Registry satisfies
// it.
type Adapters interface {
	Get(venue string) (exchange.Adapter, error)
}

// Notifier receives human-readable execution notices. Sends are best effort.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Distributor is the signal fan-out engine. One instance runs per process;
// concurrent instances are safe because signal claims are conditional writes.
type Distributor struct {
	store    Store
	opener   CredentialOpener
	adapters Adapters
	notifier Notifier
	bus      *events.Bus
	trading  config.TradingConfig
	logger   zerolog.Logger

	interval       time.Duration
	workers        int
	adapterTimeout time.Duration
}

// New creates a distributor. notifier and bus may be nil.
func New(store Store, opener CredentialOpener, adapters Adapters, notifier Notifier, bus *events.Bus, trading config.TradingConfig, engines config.EngineConfig, logger zerolog.Logger) *Distributor {
	workers := engines.FanOutWorkers
	if workers < 1 {
		workers = 1
	}
	return &Distributor{
		store:          store,
		opener:         opener,
		adapters:       adapters,
		notifier:       notifier,
		bus:            bus,
		trading:        trading,
		logger:         logger,
		interval:       engines.DistributorInterval,
		workers:        workers,
		adapterTimeout: engines.AdapterTimeout,
	}
}

// Run drives the engine loop until ctx is cancelled. An in-flight cycle is
// allowed to finish; the per-pair adapter calls carry their own timeouts.
func (d *Distributor) Run(ctx context.Context) {
	d.logger.Info().
		Dur("interval", d.interval).
		Int("workers", d.workers).
		Msg("signal distributor started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("signal distributor stopped")
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single distribution cycle: expire stale signals, then
// claim and execute each pending one in FIFO order.
func (d *Distributor) RunOnce(ctx context.Context) {
	now := time.Now()

	expired, err := d.store.ExpireStaleSignals(ctx, now)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to expire stale signals")
	} else if expired > 0 {
		d.logger.Info().Int64("count", expired).Msg("expired stale signals")
	}

	signals, err := d.store.ListPendingSignals(ctx, now)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list pending signals")
		return
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return
		}
		claimed, err := d.store.ClaimSignal(ctx, sig.ID)
		if err != nil {
			d.logger.Error().Err(err).Int64("signal_id", sig.ID).Msg("failed to claim signal")
			continue
		}
		if !claimed {
			// Another instance won the claim.
			continue
		}
		d.process(ctx, sig)
	}
}

// process fans one claimed signal out to every eligible pair. The signal is
// marked processed regardless of per-pair outcomes; a failed pair never blocks
// the signal or the other pairs.
func (d *Distributor) process(ctx context.Context, sig *database.Signal) {
	log := d.logger.With().Int64("signal_id", sig.ID).Str("symbol", sig.Symbol).Str("side", sig.Side).Logger()

	if err := ValidateSignal(sig, d.trading); err != nil {
		log.Warn().Err(err).Msg("rejecting invalid signal")
		d.finish(ctx, sig, 0, 0)
		return
	}

	pairs, err := d.store.GetEligiblePairs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load eligible pairs")
		d.finish(ctx, sig, 0, 0)
		return
	}
	if len(pairs) == 0 {
		log.Info().Msg("no eligible pairs for signal")
		d.finish(ctx, sig, 0, 0)
		return
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
		failed int
	)
	sem := make(chan struct{}, d.workers)
	for i := range pairs {
		pair := pairs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := d.execute(ctx, sig, pair)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				opened++
			}
			mu.Unlock()
			if err != nil {
				log.Warn().Err(err).
					Int64("user_id", pair.User.ID).
					Str("exchange", pair.Credential.ExchangeID).
					Msg("signal execution failed for pair")
			}
		}()
	}
	wg.Wait()

	log.Info().Int("opened", opened).Int("failed", failed).Int("pairs", len(pairs)).Msg("signal fan-out complete")
	d.finish(ctx, sig, opened, failed)
}

func (d *Distributor) finish(ctx context.Context, sig *database.Signal, opened, failed int) {
	ok, err := d.store.MarkSignalProcessed(ctx, sig.ID)
	if err != nil {
		d.logger.Error().Err(err).Int64("signal_id", sig.ID).Msg("failed to mark signal processed")
		return
	}
	if !ok {
		d.logger.Warn().Int64("signal_id", sig.ID).Msg("signal was not in processing state")
		return
	}
	if d.bus != nil {
		d.bus.Publish(events.EventSignalProcessed, map[string]interface{}{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"side":      sig.Side,
			"opened":    opened,
			"failed":    failed,
		})
	}
	if d.notifier != nil && opened+failed > 0 {
		d.notifier.Notify(ctx, fmt.Sprintf("Signal #%d %s %s: %d position(s) opened, %d failed", sig.ID, sig.Symbol, sig.Side, opened, failed))
	}
}

// execute opens one position for one (user, credential) pair. Credential
// decryption failures are isolated to the pair; they never abort the signal.
func (d *Distributor) execute(ctx context.Context, sig *database.Signal, pair database.EligiblePair) error {
	cred := pair.Credential

	adapter, err := d.adapters.Get(cred.ExchangeID)
	if err != nil {
		return err
	}

	decrypted, err := d.opener.Decrypt(&vault.EncryptedCredentials{
		APIKey:     cred.APIKeyEncrypted,
		APISecret:  cred.APISecretEncrypted,
		Passphrase: cred.PassphraseEncrypted,
	})
	if err != nil {
		var credErr *vault.CredentialError
		if errors.As(err, &credErr) {
			return fmt.Errorf("credential %d unusable: %w", cred.ID, err)
		}
		return err
	}
	creds := exchange.Credentials{
		APIKey:     decrypted.APIKey,
		APISecret:  decrypted.APISecret,
		Passphrase: decrypted.Passphrase,
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = cred.Leverage
	}
	if leverage <= 0 {
		leverage = d.trading.DefaultLeverage
	}
	sizePct := sig.PositionSizePercent
	if sizePct <= 0 {
		sizePct = cred.PositionSizePercent
	}
	if sizePct <= 0 {
		sizePct = d.trading.DefaultPositionSizePercent
	}

	balCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	balance, err := adapter.FetchBalance(balCtx, creds)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("no available balance on %s", cred.ExchangeID)
	}

	quantity := balance.
		Mul(decimal.NewFromFloat(sizePct)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(leverage))).
		Div(sig.EntryPrice)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("computed zero quantity for %s", sig.Symbol)
	}

	// Leverage is best effort: the venue keeps whatever was last configured,
	// so a failure here still leaves a tradeable account.
	levCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	if err := adapter.SetLeverage(levCtx, creds, sig.Symbol, leverage); err != nil {
		d.logger.Warn().Err(err).
			Int64("user_id", pair.User.ID).
			Str("exchange", cred.ExchangeID).
			Str("symbol", sig.Symbol).
			Int("leverage", leverage).
			Msg("failed to set leverage, placing order anyway")
	}
	cancel()

	orderCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	order, err := adapter.PlaceMarketOrder(orderCtx, creds, sig.Symbol, sig.Side, quantity)
	cancel()
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	entryPrice := order.FillPrice
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		entryPrice = sig.EntryPrice
	}

	// The order is live from here on. SL/TP attachment is best effort: a
	// failure flags the position instead of abandoning a filled order.
	riskIncomplete := false
	if sig.HasStopLoss {
		slCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
		err := adapter.AttachStopLoss(slCtx, creds, sig.Symbol, sig.Side, quantity, sig.StopLoss)
		cancel()
		if err != nil {
			riskIncomplete = true
			d.logger.Warn().Err(err).
				Int64("user_id", pair.User.ID).
				Str("exchange", cred.ExchangeID).
				Str("symbol", sig.Symbol).
				Msg("failed to attach stop loss")
		}
	}
	if sig.HasTakeProfit {
		tpCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
		err := adapter.AttachTakeProfit(tpCtx, creds, sig.Symbol, sig.Side, quantity, sig.TakeProfit)
		cancel()
		if err != nil {
			riskIncomplete = true
			d.logger.Warn().Err(err).
				Int64("user_id", pair.User.ID).
				Str("exchange", cred.ExchangeID).
				Str("symbol", sig.Symbol).
				Msg("failed to attach take profit")
		}
	}
	if riskIncomplete && d.notifier != nil {
		d.notifier.Notify(ctx, fmt.Sprintf("WARNING: position for user %d on %s %s opened without full SL/TP protection", pair.User.ID, cred.ExchangeID, sig.Symbol))
	}

	pos := &database.Position{
		UserID:         pair.User.ID,
		CredentialID:   cred.ID,
		SignalID:       sig.ID,
		ExchangeID:     cred.ExchangeID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       quantity,
		EntryPrice:     entryPrice,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		HasStopLoss:    sig.HasStopLoss,
		HasTakeProfit:  sig.HasTakeProfit,
		RiskIncomplete: riskIncomplete,
		OrderID:        order.OrderID,
	}
	if err := d.store.CreatePosition(ctx, pos); err != nil {
		// The exchange order exists but we lost the record. Loud, not silent.
		d.logger.Error().Err(err).
			Int64("user_id", pair.User.ID).
			Str("order_id", order.OrderID).
			Msg("order placed but position record failed")
		return fmt.Errorf("create position: %w", err)
	}
	if err := d.store.TouchCredential(ctx, cred.ID); err != nil {
		d.logger.Warn().Err(err).Int64("credential_id", cred.ID).Msg("failed to touch credential")
	}

	d.logger.Info().
		Int64("position_id", pos.ID).
		Int64("user_id", pair.User.ID).
		Str("exchange", cred.ExchangeID).
		Str("symbol", sig.Symbol).
		Str("quantity", quantity.String()).
		Msg("position opened")
	return nil
}
