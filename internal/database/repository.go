package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repository provides data access methods. Every status transition is a single
// conditional UPDATE keyed by the row's current status; this is the only
// concurrency control between the two engine loops and the admin surface.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// USERS
// ============================================================================

// UpsertUser creates a user on first interaction or refreshes last_active_at.
func (r *Repository) UpsertUser(ctx context.Context, chatID int64, username string) (*User, error) {
	query := `
		INSERT INTO users (chat_id, username)
		VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET username = EXCLUDED.username, last_active_at = NOW()
		RETURNING id, chat_id, username, is_subscribed, auto_trade, max_position_size_percent, created_at, last_active_at
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, chatID, username).Scan(
		&user.ID, &user.ChatID, &user.Username, &user.IsSubscribed, &user.AutoTrade,
		&user.MaxPositionSizePercent, &user.CreatedAt, &user.LastActiveAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// GetUserByChatID retrieves a user by chat identity. Returns nil when absent.
func (r *Repository) GetUserByChatID(ctx context.Context, chatID int64) (*User, error) {
	query := `
		SELECT id, chat_id, username, is_subscribed, auto_trade, max_position_size_percent, created_at, last_active_at
		FROM users WHERE chat_id = $1
	`
	user := &User{}
	err := r.db.Pool.QueryRow(ctx, query, chatID).Scan(
		&user.ID, &user.ChatID, &user.Username, &user.IsSubscribed, &user.AutoTrade,
		&user.MaxPositionSizePercent, &user.CreatedAt, &user.LastActiveAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SetUserSubscription toggles the subscription flag.
func (r *Repository) SetUserSubscription(ctx context.Context, userID int64, subscribed bool) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE users SET is_subscribed = $2 WHERE id = $1`, userID, subscribed)
	return err
}

// SetUserAutoTrade toggles the user-level auto-trade flag.
func (r *Repository) SetUserAutoTrade(ctx context.Context, userID int64, autoTrade bool) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE users SET auto_trade = $2 WHERE id = $1`, userID, autoTrade)
	return err
}

// ============================================================================
// EXCHANGE CREDENTIALS
// ============================================================================

// CreateCredential inserts a new encrypted credential.
func (r *Repository) CreateCredential(ctx context.Context, cred *ExchangeCredential) error {
	query := `
		INSERT INTO exchange_credentials
			(user_id, exchange_id, api_key_encrypted, api_secret_encrypted, passphrase_encrypted,
			 leverage, position_size_percent, auto_trade, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING id, created_at, last_used_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		cred.UserID, cred.ExchangeID, cred.APIKeyEncrypted, cred.APISecretEncrypted,
		cred.PassphraseEncrypted, cred.Leverage, cred.PositionSizePercent, cred.AutoTrade,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	cred.IsActive = true
	return nil
}

// DeactivateCredential soft-deletes a credential; the row is kept so trade
// history stays attributable.
func (r *Repository) DeactivateCredential(ctx context.Context, credentialID, userID int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE exchange_credentials SET is_active = FALSE WHERE id = $1 AND user_id = $2`,
		credentialID, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %d not found for user %d", credentialID, userID)
	}
	return nil
}

// GetCredential fetches one credential by id. Returns nil when absent.
func (r *Repository) GetCredential(ctx context.Context, credentialID int64) (*ExchangeCredential, error) {
	query := `
		SELECT id, user_id, exchange_id, api_key_encrypted, api_secret_encrypted, passphrase_encrypted,
		       leverage, position_size_percent, auto_trade, is_active, created_at, last_used_at
		FROM exchange_credentials
		WHERE id = $1
	`
	cred := &ExchangeCredential{}
	err := r.db.Pool.QueryRow(ctx, query, credentialID).Scan(
		&cred.ID, &cred.UserID, &cred.ExchangeID, &cred.APIKeyEncrypted, &cred.APISecretEncrypted,
		&cred.PassphraseEncrypted, &cred.Leverage, &cred.PositionSizePercent, &cred.AutoTrade,
		&cred.IsActive, &cred.CreatedAt, &cred.LastUsedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListCredentialsByUser returns a user's credentials, active first.
func (r *Repository) ListCredentialsByUser(ctx context.Context, userID int64) ([]*ExchangeCredential, error) {
	query := `
		SELECT id, user_id, exchange_id, api_key_encrypted, api_secret_encrypted, passphrase_encrypted,
		       leverage, position_size_percent, auto_trade, is_active, created_at, last_used_at
		FROM exchange_credentials
		WHERE user_id = $1
		ORDER BY is_active DESC, created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*ExchangeCredential
	for rows.Next() {
		cred := &ExchangeCredential{}
		if err := rows.Scan(
			&cred.ID, &cred.UserID, &cred.ExchangeID, &cred.APIKeyEncrypted, &cred.APISecretEncrypted,
			&cred.PassphraseEncrypted, &cred.Leverage, &cred.PositionSizePercent, &cred.AutoTrade,
			&cred.IsActive, &cred.CreatedAt, &cred.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// TouchCredential stamps last_used_at after a successful adapter call.
func (r *Repository) TouchCredential(ctx context.Context, credentialID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE exchange_credentials SET last_used_at = NOW() WHERE id = $1`, credentialID)
	return err
}

// GetEligiblePairs returns the fan-out roster: subscribed, auto-trading users
// joined with their active, auto-trade-enabled credentials.
func (r *Repository) GetEligiblePairs(ctx context.Context) ([]EligiblePair, error) {
	query := `
		SELECT u.id, u.chat_id, u.username, u.is_subscribed, u.auto_trade, u.max_position_size_percent,
		       u.created_at, u.last_active_at,
		       c.id, c.user_id, c.exchange_id, c.api_key_encrypted, c.api_secret_encrypted,
		       c.passphrase_encrypted, c.leverage, c.position_size_percent, c.auto_trade, c.is_active,
		       c.created_at, c.last_used_at
		FROM users u
		JOIN exchange_credentials c ON c.user_id = u.id
		WHERE u.is_subscribed = TRUE AND u.auto_trade = TRUE
		  AND c.is_active = TRUE AND c.auto_trade = TRUE
		ORDER BY u.id, c.id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible pairs: %w", err)
	}
	defer rows.Close()

	var pairs []EligiblePair
	for rows.Next() {
		var p EligiblePair
		if err := rows.Scan(
			&p.User.ID, &p.User.ChatID, &p.User.Username, &p.User.IsSubscribed, &p.User.AutoTrade,
			&p.User.MaxPositionSizePercent, &p.User.CreatedAt, &p.User.LastActiveAt,
			&p.Credential.ID, &p.Credential.UserID, &p.Credential.ExchangeID,
			&p.Credential.APIKeyEncrypted, &p.Credential.APISecretEncrypted, &p.Credential.PassphraseEncrypted,
			&p.Credential.Leverage, &p.Credential.PositionSizePercent, &p.Credential.AutoTrade,
			&p.Credential.IsActive, &p.Credential.CreatedAt, &p.Credential.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan eligible pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// ============================================================================
// SIGNALS
// ============================================================================

// CreateSignal inserts a new pending signal.
func (r *Repository) CreateSignal(ctx context.Context, sig *Signal) error {
	query := `
		INSERT INTO signals (symbol, side, entry_price, stop_loss, take_profit, leverage,
			position_size_percent, status, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		sig.Symbol, sig.Side, sig.EntryPrice,
		nullDecimal(sig.StopLoss, sig.HasStopLoss), nullDecimal(sig.TakeProfit, sig.HasTakeProfit),
		sig.Leverage, sig.PositionSizePercent, sig.ExpiresAt, sig.CreatedBy,
	).Scan(&sig.ID, &sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}
	sig.Status = SignalStatusPending
	return nil
}

// ListPendingSignals returns unexpired pending signals, oldest first.
func (r *Repository) ListPendingSignals(ctx context.Context, now time.Time) ([]*Signal, error) {
	query := `
		SELECT id, symbol, side, entry_price, stop_loss, take_profit, leverage,
		       position_size_percent, status, expires_at, created_by, created_at
		FROM signals
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// ClaimSignal transitions a signal pending -> processing. Returns false when
// the signal was already claimed (or expired) by another cycle.
func (r *Repository) ClaimSignal(ctx context.Context, signalID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE signals SET status = 'processing' WHERE id = $1 AND status = 'pending'`, signalID)
	if err != nil {
		return false, fmt.Errorf("failed to claim signal %d: %w", signalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSignalProcessed transitions processing -> processed.
func (r *Repository) MarkSignalProcessed(ctx context.Context, signalID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE signals SET status = 'processed' WHERE id = $1 AND status = 'processing'`, signalID)
	if err != nil {
		return false, fmt.Errorf("failed to mark signal %d processed: %w", signalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStaleSignals transitions every overdue pending signal to expired and
// returns the count.
func (r *Repository) ExpireStaleSignals(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE signals SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// POSITIONS
// ============================================================================

// CreatePosition inserts a new open position.
func (r *Repository) CreatePosition(ctx context.Context, pos *Position) error {
	query := `
		INSERT INTO positions (user_id, credential_id, signal_id, exchange_id, symbol, side,
			quantity, entry_price, current_price, pnl, status, stop_loss, take_profit,
			risk_incomplete, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 0, 'open', $9, $10, $11, $12)
		RETURNING id, opened_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		pos.UserID, pos.CredentialID, pos.SignalID, pos.ExchangeID, pos.Symbol, pos.Side,
		pos.Quantity, pos.EntryPrice,
		nullDecimal(pos.StopLoss, pos.HasStopLoss), nullDecimal(pos.TakeProfit, pos.HasTakeProfit),
		pos.RiskIncomplete, pos.OrderID,
	).Scan(&pos.ID, &pos.OpenedAt)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	pos.Status = PositionStatusOpen
	pos.CurrentPrice = pos.EntryPrice
	pos.PnL = decimal.Zero
	return nil
}

// ListOpenPositions returns every open position.
func (r *Repository) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, positionSelect+` WHERE status = 'open' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListPositionsByUser returns a user's positions, newest first.
func (r *Repository) ListPositionsByUser(ctx context.Context, userID int64, limit int) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		positionSelect+` WHERE user_id = $1 ORDER BY opened_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// UpdatePositionPrice persists the telemetry path: current price and PnL.
// Guarded by status so a concurrently closed position is never overwritten.
func (r *Repository) UpdatePositionPrice(ctx context.Context, positionID int64, price, pnl decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET current_price = $2, pnl = $3 WHERE id = $1 AND status = 'open'`,
		positionID, price, pnl)
	if err != nil {
		return fmt.Errorf("failed to update position %d price: %w", positionID, err)
	}
	return nil
}

// ClosePosition transitions open -> closed. Exactly one closer wins: the write
// is conditional on the current status, so a concurrent close returns false.
func (r *Repository) ClosePosition(ctx context.Context, positionID int64, closePrice, pnl decimal.Decimal, reason string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET status = 'closed', current_price = $2, pnl = $3, close_reason = $4, closed_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, positionID, closePrice, pnl, reason)
	if err != nil {
		return false, fmt.Errorf("failed to close position %d: %w", positionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetPnLSummary aggregates PnL across all positions.
func (r *Repository) GetPnLSummary(ctx context.Context) (*PnLSummary, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'closed'),
			COALESCE(SUM(pnl) FILTER (WHERE status = 'open'), 0),
			COALESCE(SUM(pnl) FILTER (WHERE status = 'closed'), 0)
		FROM positions
	`
	summary := &PnLSummary{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&summary.OpenPositions, &summary.ClosedPositions,
		&summary.UnrealizedPnL, &summary.RealizedPnL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate pnl: %w", err)
	}
	return summary, nil
}

// ============================================================================
// scan helpers
// ============================================================================

const positionSelect = `
	SELECT id, user_id, credential_id, signal_id, exchange_id, symbol, side, quantity,
	       entry_price, current_price, pnl, status, stop_loss, take_profit,
	       risk_incomplete, close_reason, order_id, opened_at, closed_at
	FROM positions`

func scanSignal(row pgx.Row) (*Signal, error) {
	sig := &Signal{}
	var stopLoss, takeProfit decimal.NullDecimal
	if err := row.Scan(
		&sig.ID, &sig.Symbol, &sig.Side, &sig.EntryPrice, &stopLoss, &takeProfit,
		&sig.Leverage, &sig.PositionSizePercent, &sig.Status, &sig.ExpiresAt,
		&sig.CreatedBy, &sig.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan signal: %w", err)
	}
	sig.StopLoss, sig.HasStopLoss = stopLoss.Decimal, stopLoss.Valid
	sig.TakeProfit, sig.HasTakeProfit = takeProfit.Decimal, takeProfit.Valid
	return sig, nil
}

func scanPositions(rows pgx.Rows) ([]*Position, error) {
	var positions []*Position
	for rows.Next() {
		pos := &Position{}
		var stopLoss, takeProfit decimal.NullDecimal
		var closeReason *string
		if err := rows.Scan(
			&pos.ID, &pos.UserID, &pos.CredentialID, &pos.SignalID, &pos.ExchangeID,
			&pos.Symbol, &pos.Side, &pos.Quantity, &pos.EntryPrice, &pos.CurrentPrice,
			&pos.PnL, &pos.Status, &stopLoss, &takeProfit, &pos.RiskIncomplete,
			&closeReason, &pos.OrderID, &pos.OpenedAt, &pos.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		pos.StopLoss, pos.HasStopLoss = stopLoss.Decimal, stopLoss.Valid
		pos.TakeProfit, pos.HasTakeProfit = takeProfit.Decimal, takeProfit.Valid
		if closeReason != nil {
			pos.CloseReason = *closeReason
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func nullDecimal(d decimal.Decimal, valid bool) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: valid}
}
