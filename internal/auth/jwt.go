// Package auth issues and validates the JWT tokens guarding the operator API.
// There is no self-serve signup: tokens are minted for operators only, and the
// only privilege distinction is admin (may emergency-close) or not.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthError is a machine-readable auth failure.
type AuthError struct {
	Code    string
	Message string
}

func (e AuthError) Error() string { return e.Message }

var (
	ErrInvalidToken = AuthError{Code: "invalid_token", Message: "invalid or malformed token"}
	ErrTokenExpired = AuthError{Code: "token_expired", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "unauthorized", Message: "authentication required"}
	ErrForbidden    = AuthError{Code: "forbidden", Message: "insufficient privileges"}
)

// OperatorClaims identifies the token holder.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	IsAdmin    bool   `json:"is_admin"`
}

// Claims is the full JWT claim set.
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// JWTManager signs and validates operator tokens.
type JWTManager struct {
	secret        []byte
	tokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager.
func NewJWTManager(secret string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), tokenDuration: tokenDuration}
}

// GenerateToken mints a signed operator token.
func (m *JWTManager) GenerateToken(claims OperatorClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.OperatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "signal-bot",
			Audience:  []string{"signal-bot-api"},
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token string and returns its operator claims.
func (m *JWTManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims.OperatorClaims, nil
}
