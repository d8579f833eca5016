package routing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/voca-engine/internal/connectors"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/infra"
	"go.uber.org/zap"
)

// DirectoryStore - справочник, в который можно записать привязку.
type DirectoryStore interface {
	connectors.UserAgentDirectory
	BindUser(ctx context.Context, e domain.DirectoryEntry) error
}

// CachedDirectory - кэш справочника в Redis (Cache-Aside). Кэшируются только найденные привязки:
// новая привязка пользователя видна сразу. Недоступный Redis не мешает поиску.
type CachedDirectory struct {
	next   DirectoryStore
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedDirectory(next DirectoryStore, rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, logger: logger.With(zap.String("mod", "directory_cache"))}
}

func (d *CachedDirectory) Lookup(ctx context.Context, userID, platform string) (*domain.DirectoryEntry, bool, error) {
	key := infra.DirectoryCacheKey(platform, userID)

	raw, err := d.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e domain.DirectoryEntry
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return &e, true, nil
		}
		d.logger.Warn("corrupted directory cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		d.logger.Warn("directory cache unavailable", zap.Error(err))
	}

	e, found, err := d.next.Lookup(ctx, userID, platform)
	if err != nil || !found {
		return e, found, err
	}
	if raw, err := json.Marshal(e); err == nil {
		if err := d.rdb.Set(ctx, key, raw, d.ttl).Err(); err != nil {
			d.logger.Warn("failed to cache directory entry", zap.Error(err))
		}
	}
	return e, true, nil
}

// Invalidate удаляет привязку из кэша после ее изменения.
func (d *CachedDirectory) Invalidate(ctx context.Context, userID, platform string) error {
	return d.rdb.Del(ctx, infra.DirectoryCacheKey(platform, userID)).Err()
}

// BindUser записывает привязку и сбрасывает устаревшую запись кэша.
func (d *CachedDirectory) BindUser(ctx context.Context, e domain.DirectoryEntry) error {
	if err := d.next.BindUser(ctx, e); err != nil {
		return err
	}
	if err := d.Invalidate(ctx, e.UserID, e.Platform); err != nil {
		d.logger.Warn("failed to invalidate directory entry", zap.Error(err))
	}
	return nil
}
