package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// StatusView is the hot-path status projection served to GetStatus
// callers. Full session records stay in the Repository; the cache holds
// a short-lived session snapshot the view is derived from.
type StatusView struct {
	SessionID    string  `json:"session_id"`
	Status       string  `json:"status"`
	CurrentPhase int     `json:"current_phase"`
	TotalPhases  int     `json:"total_phases"`
	Progress     float64 `json:"progress"`
	LastError    string  `json:"last_error,omitempty"`
}

// ErrCacheMiss is returned when no cached snapshot exists.
var ErrCacheMiss = errors.New("status cache miss")

// StatusCache is a Redis read-through cache for session status. Redis
// is shared mutable state outside the repository's control, so cached
// documents are schema-validated session snapshots: a corrupt or
// tampered entry reads as a miss-with-error and the caller falls back
// to the repository.
type StatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStatusCache creates a cache over an existing client. A short TTL
// bounds staleness; mutations also invalidate explicitly.
func NewStatusCache(client *redis.Client, prefix string, ttl time.Duration) *StatusCache {
	if prefix == "" {
		prefix = "atelier"
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &StatusCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *StatusCache) key(sessionID string) string {
	return fmt.Sprintf("%s:status:%s", c.prefix, sessionID)
}

// Get returns the status view projected from the cached session
// snapshot, or ErrCacheMiss.
func (c *StatusCache) Get(ctx context.Context, sessionID string) (StatusView, error) {
	raw, err := c.client.Get(ctx, c.key(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusView{}, ErrCacheMiss
		}
		return StatusView{}, fmt.Errorf("status cache get: %w", err)
	}
	return viewFromSnapshot([]byte(raw))
}

// Put stores the session's snapshot with the cache TTL.
func (c *StatusCache) Put(ctx context.Context, s contracts.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("status cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(s.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("status cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot after a mutation.
func (c *StatusCache) Invalidate(ctx context.Context, sessionID string) {
	_ = c.client.Del(ctx, c.key(sessionID)).Err()
}

// viewFromSnapshot validates a stored session document and projects it
// to the status view.
func viewFromSnapshot(raw []byte) (StatusView, error) {
	s, err := contracts.DecodeSessionSnapshot(raw)
	if err != nil {
		return StatusView{}, fmt.Errorf("status cache decode: %w", err)
	}
	return StatusView{
		SessionID:    s.ID,
		Status:       string(s.Status),
		CurrentPhase: s.CurrentPhase,
		TotalPhases:  s.TotalPhases,
		Progress:     s.Progress(),
		LastError:    s.LastError,
	}, nil
}
