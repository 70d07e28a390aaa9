package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecolebourse/plus-engine/internal/model"
)

const settingsKey = "plus:settings"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for settings, which every fee calculation reads. Writes go to the
// primary store and invalidate the cache. Everything else passes through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func (s *CachedStore) GetSettings(ctx context.Context) (model.Settings, error) {
	data, err := s.rdb.Get(ctx, settingsKey).Bytes()
	if err == nil {
		var settings model.Settings
		if json.Unmarshal(data, &settings) == nil {
			return settings, nil
		}
	}

	settings, err := s.Store.GetSettings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	if data, err := json.Marshal(settings); err == nil {
		if err := s.rdb.Set(ctx, settingsKey, data, s.ttl).Err(); err != nil {
			slog.Warn("settings cache write failed", "err", err)
		}
	}
	return settings, nil
}

func (s *CachedStore) UpdateSettings(ctx context.Context, settings model.Settings) error {
	if err := s.Store.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	// Invalidate; next read will re-populate. A failed delete leaves the old
	// fee readable until the TTL expires.
	if err := s.rdb.Del(ctx, settingsKey).Err(); err != nil {
		slog.Warn("settings cache invalidation failed", "err", err, "ttl", s.ttl)
	}
	return nil
}
