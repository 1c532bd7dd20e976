// Package session stores sliding-expiry session records: every successful
// read refreshes lastAccessedAt and pushes the record's expiry out by the
// full session TTL, so an active session never expires mid-use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/keys"
)

var ErrStoreUnavailable = errors.New("store unavailable")

type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Fields         map[string]any `json:"fields,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

type Manager struct {
	rdb  *redis.Client
	keys keys.Layout
	ttl  time.Duration
	log  *zap.Logger

	now func() time.Time
}

func New(rdb *redis.Client, layout keys.Layout, ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{rdb: rdb, keys: layout, ttl: ttl, log: log, now: time.Now}
}

// Create persists a new session and returns its id. Creation failures
// are surfaced: the caller must know its session does not exist.
func (m *Manager) Create(ctx context.Context, userID string, fields map[string]any) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := m.now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Fields:         fields,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.persist(ctx, s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Get returns the session, refreshing lastAccessedAt and the record's
// expiry as a side effect of the successful read. Nil means unknown,
// expired or unreadable.
func (m *Manager) Get(ctx context.Context, sessionID string) *Session {
	s, ok := m.load(ctx, sessionID)
	if !ok {
		return nil
	}
	s.LastAccessedAt = m.now().UTC()
	if err := m.persist(ctx, s); err != nil {
		// The read succeeded; serve the session even if the sliding
		// refresh could not be written.
		m.log.Warn("session refresh failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return s
}

// Update merges patch into the session's extra fields and refreshes the
// timestamp and expiry. False means the session is unknown or the write
// failed.
func (m *Manager) Update(ctx context.Context, sessionID string, patch map[string]any) bool {
	s, ok := m.load(ctx, sessionID)
	if !ok {
		return false
	}
	if s.Fields == nil {
		s.Fields = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		s.Fields[k] = v
	}
	s.LastAccessedAt = m.now().UTC()
	if err := m.persist(ctx, s); err != nil {
		m.log.Warn("session update failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// Delete removes the session; true means a record was actually removed.
func (m *Manager) Delete(ctx context.Context, sessionID string) bool {
	n, err := m.rdb.Del(ctx, m.keys.Session(sessionID)).Result()
	if err != nil {
		m.log.Warn("session delete failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return n > 0
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, bool) {
	raw, err := m.rdb.Get(ctx, m.keys.Session(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		m.log.Warn("session load failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		m.log.Warn("dropping malformed session record", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	return &s, true
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	if err := m.rdb.Set(ctx, m.keys.Session(s.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
