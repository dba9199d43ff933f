package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"signal-trading-bot/internal/auth"
	"signal-trading-bot/internal/database"
	"signal-trading-bot/internal/distributor"
	"signal-trading-bot/internal/exchange"
)

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
	})
}

// ============================================================================
// SIGNALS
// ============================================================================

type createSignalRequest struct {
	Symbol              string           `json:"symbol" binding:"required"`
	Side                string           `json:"side" binding:"required"`
	EntryPrice          decimal.Decimal  `json:"entry_price" binding:"required"`
	StopLoss            *decimal.Decimal `json:"stop_loss"`
	TakeProfit          *decimal.Decimal `json:"take_profit"`
	Leverage            int              `json:"leverage"`
	PositionSizePercent float64          `json:"position_size_percent"`
	ExpiresInSeconds    int              `json:"expires_in_seconds"`
}

func (s *Server) handleCreateSignal(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	expiry := s.trading.SignalExpiry
	if req.ExpiresInSeconds > 0 {
		expiry = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	leverage := req.Leverage
	if leverage == 0 {
		leverage = s.trading.DefaultLeverage
	}
	sizePct := req.PositionSizePercent
	if sizePct == 0 {
		sizePct = s.trading.DefaultPositionSizePercent
	}

	createdBy, _ := strconv.ParseInt(auth.OperatorID(c), 10, 64)

	sig := &database.Signal{
		Symbol:              req.Symbol,
		Side:                req.Side,
		EntryPrice:          req.EntryPrice,
		Leverage:            leverage,
		PositionSizePercent: sizePct,
		ExpiresAt:           time.Now().Add(expiry),
		CreatedBy:           createdBy,
	}
	if req.StopLoss != nil {
		sig.StopLoss = *req.StopLoss
		sig.HasStopLoss = true
	}
	if req.TakeProfit != nil {
		sig.TakeProfit = *req.TakeProfit
		sig.HasTakeProfit = true
	}

	if err := distributor.ValidateSignal(sig, s.trading); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.repo.CreateSignal(c.Request.Context(), sig); err != nil {
		s.logger.Error().Err(err).Msg("failed to create signal")
		errorResponse(c, http.StatusInternalServerError, "failed to create signal")
		return
	}

	s.logger.Info().
		Int64("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Msg("signal accepted")
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": sig})
}

func (s *Server) handleListPendingSignals(c *gin.Context) {
	signals, err := s.repo.ListPendingSignals(c.Request.Context(), time.Now())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list signals")
		return
	}
	successResponse(c, signals)
}

// ============================================================================
// POSITIONS
// ============================================================================

func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.repo.ListOpenPositions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list positions")
		return
	}
	successResponse(c, positions)
}

func (s *Server) handleGetUserPositions(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid chat_id")
		return
	}
	user, err := s.repo.GetUserByChatID(c.Request.Context(), chatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	positions, err := s.repo.ListPositionsByUser(c.Request.Context(), user.ID, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list positions")
		return
	}
	successResponse(c, positions)
}

func (s *Server) handleGetPnLSummary(c *gin.Context) {
	summary, err := s.repo.GetPnLSummary(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to compute pnl summary")
		return
	}
	successResponse(c, summary)
}

// ============================================================================
// USERS
// ============================================================================

type upsertUserRequest struct {
	ChatID   int64  `json:"chat_id" binding:"required"`
	Username string `json:"username"`
}

func (s *Server) handleUpsertUser(c *gin.Context) {
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	user, err := s.repo.UpsertUser(c.Request.Context(), req.ChatID, req.Username)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to upsert user")
		return
	}
	successResponse(c, user)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) userByChatParam(c *gin.Context) *database.User {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid chat_id")
		return nil
	}
	user, err := s.repo.GetUserByChatID(c.Request.Context(), chatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return nil
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return nil
	}
	return user
}

func (s *Server) handleSetSubscription(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	user := s.userByChatParam(c)
	if user == nil {
		return
	}
	if err := s.repo.SetUserSubscription(c.Request.Context(), user.ID, *req.Enabled); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	successResponse(c, gin.H{"chat_id": user.ChatID, "is_subscribed": *req.Enabled})
}

func (s *Server) handleSetAutoTrade(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	user := s.userByChatParam(c)
	if user == nil {
		return
	}
	if err := s.repo.SetUserAutoTrade(c.Request.Context(), user.ID, *req.Enabled); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to update auto-trade")
		return
	}
	successResponse(c, gin.H{"chat_id": user.ChatID, "auto_trade": *req.Enabled})
}

// ============================================================================
// EXCHANGES AND CREDENTIALS
// ============================================================================

func (s *Server) handleListExchanges(c *gin.Context) {
	venues := s.registry.Venues()
	out := make([]gin.H, 0, len(venues))
	for _, v := range venues {
		out = append(out, gin.H{
			"id":                  v,
			"requires_passphrase": exchange.RequiresPassphrase(v),
		})
	}
	successResponse(c, out)
}

type startConnectRequest struct {
	ChatID     int64  `json:"chat_id" binding:"required"`
	ExchangeID string `json:"exchange_id" binding:"required"`
}

// handleStartConnect opens a credential-connect flow. The session carries the
// chosen venue so key submission does not have to repeat it, and the TTL
// bounds how long half-finished flows linger.
func (s *Server) handleStartConnect(c *gin.Context) {
	var req startConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !s.registry.IsSupported(req.ExchangeID) {
		errorResponse(c, http.StatusBadRequest, "unsupported exchange: "+req.ExchangeID)
		return
	}
	user, err := s.repo.GetUserByChatID(c.Request.Context(), req.ChatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}

	session := database.ConnectSession{
		UserID:     user.ID,
		ExchangeID: req.ExchangeID,
		Step:       "awaiting_keys",
		StartedAt:  time.Now(),
	}
	if err := s.sessions.Put(c.Request.Context(), session); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to start connect flow")
		return
	}
	successResponse(c, gin.H{
		"exchange_id":         req.ExchangeID,
		"requires_passphrase": exchange.RequiresPassphrase(req.ExchangeID),
		"step":                session.Step,
	})
}

type completeConnectRequest struct {
	ChatID              int64   `json:"chat_id" binding:"required"`
	APIKey              string  `json:"api_key" binding:"required"`
	APISecret           string  `json:"api_secret" binding:"required"`
	Passphrase          string  `json:"passphrase"`
	Leverage            int     `json:"leverage"`
	PositionSizePercent float64 `json:"position_size_percent"`
	AutoTrade           *bool   `json:"auto_trade"`
}

// handleCompleteConnect finishes a connect flow: the submitted keys are
// encrypted and stored, and the plaintext never leaves this handler.
func (s *Server) handleCompleteConnect(c *gin.Context) {
	var req completeConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	user, err := s.repo.GetUserByChatID(c.Request.Context(), req.ChatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}

	session, err := s.sessions.Get(c.Request.Context(), user.ID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load connect session")
		return
	}
	if session == nil {
		errorResponse(c, http.StatusConflict, "no connect flow in progress; start one first")
		return
	}
	if exchange.RequiresPassphrase(session.ExchangeID) && req.Passphrase == "" {
		errorResponse(c, http.StatusBadRequest, session.ExchangeID+" requires a passphrase")
		return
	}

	leverage := req.Leverage
	if leverage == 0 {
		leverage = s.trading.DefaultLeverage
	}
	if leverage < 1 || leverage > s.trading.MaxLeverage {
		errorResponse(c, http.StatusBadRequest, "leverage out of bounds")
		return
	}
	sizePct := req.PositionSizePercent
	if sizePct == 0 {
		sizePct = s.trading.DefaultPositionSizePercent
	}
	if sizePct < 1 || sizePct > s.trading.MaxPositionSizePercent {
		errorResponse(c, http.StatusBadRequest, "position size percent out of bounds")
		return
	}
	autoTrade := true
	if req.AutoTrade != nil {
		autoTrade = *req.AutoTrade
	}

	encrypted, err := s.vault.Encrypt(req.APIKey, req.APISecret, req.Passphrase)
	if err != nil {
		s.logger.Error().Err(err).Msg("credential encryption failed")
		errorResponse(c, http.StatusInternalServerError, "failed to secure credentials")
		return
	}

	cred := &database.ExchangeCredential{
		UserID:              user.ID,
		ExchangeID:          session.ExchangeID,
		APIKeyEncrypted:     encrypted.APIKey,
		APISecretEncrypted:  encrypted.APISecret,
		PassphraseEncrypted: encrypted.Passphrase,
		Leverage:            leverage,
		PositionSizePercent: sizePct,
		AutoTrade:           autoTrade,
	}
	if err := s.repo.CreateCredential(c.Request.Context(), cred); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to store credential")
		return
	}
	if err := s.sessions.Delete(c.Request.Context(), user.ID); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to clear connect session")
	}

	s.logger.Info().
		Int64("user_id", user.ID).
		Str("exchange", session.ExchangeID).
		Int64("credential_id", cred.ID).
		Msg("credential connected")
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": cred})
}

func (s *Server) handleDeactivateCredential(c *gin.Context) {
	credID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid credential id")
		return
	}
	chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "chat_id query parameter required")
		return
	}
	user, err := s.repo.GetUserByChatID(c.Request.Context(), chatID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}
	if err := s.repo.DeactivateCredential(c.Request.Context(), credID, user.ID); err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, gin.H{"credential_id": credID, "is_active": false})
}

// ============================================================================
// ADMIN
// ============================================================================

// handleCloseAll is the emergency switch: it force-closes every open position
// and reports the tally. Failures stay open for retry.
func (s *Server) handleCloseAll(c *gin.Context) {
	s.logger.Warn().Str("operator", auth.OperatorID(c)).Msg("emergency close-all requested")

	closed, failed, err := s.closer.CloseAllOpenPositions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "close-all failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"closed_count": closed,
		"failed_count": failed,
	})
}
