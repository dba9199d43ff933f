package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix namespaces connect-flow sessions.
// Format: signalbot:session:{userID}
const sessionKeyPrefix = "signalbot:session"

// ConnectSession holds the in-flight state of one user's credential-connect
// flow. Keeping it in Redis with a TTL (instead of a process-global map) means
// restarts and horizontal scaling do not lose or corrupt in-flight flows.
type ConnectSession struct {
	UserID     int64     `json:"user_id"`
	ExchangeID string    `json:"exchange_id"`
	Step       string    `json:"step"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionStore persists connect-flow sessions in Redis. When Redis is
// unavailable or disabled it falls back to an in-memory map with the same TTL
// semantics so a single-node deployment keeps working.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration

	mu       sync.Mutex
	fallback map[int64]memSession
}

type memSession struct {
	session   ConnectSession
	expiresAt time.Time
}

// NewSessionStore creates a session store. client may be nil (Redis disabled).
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
		fallback: make(map[int64]memSession),
	}
}

// Put stores a session under the user's key with the configured TTL.
func (s *SessionStore) Put(ctx context.Context, session ConnectSession) error {
	if s.client == nil {
		s.putFallback(session)
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.UserID), data, s.ttl).Err(); err != nil {
		s.putFallback(session)
		return nil
	}
	return nil
}

// Get returns the user's session, or nil when none exists or it expired.
func (s *SessionStore) Get(ctx context.Context, userID int64) (*ConnectSession, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, s.key(userID)).Bytes()
		if err == nil {
			session := &ConnectSession{}
			if err := json.Unmarshal(data, session); err != nil {
				return nil, fmt.Errorf("failed to unmarshal session: %w", err)
			}
			return session, nil
		}
		if err != redis.Nil {
			// Redis down; fall through to the in-memory copy.
			return s.getFallback(userID), nil
		}
		return nil, nil
	}
	return s.getFallback(userID), nil
}

// Delete removes the user's session once the flow completes or is abandoned.
func (s *SessionStore) Delete(ctx context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.fallback, userID)
	s.mu.Unlock()
	if s.client != nil {
		return s.client.Del(ctx, s.key(userID)).Err()
	}
	return nil
}

func (s *SessionStore) key(userID int64) string {
	return fmt.Sprintf("%s:%d", sessionKeyPrefix, userID)
}

func (s *SessionStore) putFallback(session ConnectSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[session.UserID] = memSession{session: session, expiresAt: time.Now().Add(s.ttl)}
}

func (s *SessionStore) getFallback(userID int64) *ConnectSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.fallback[userID]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.fallback, userID)
		return nil
	}
	session := entry.session
	return &session
}
