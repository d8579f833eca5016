package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/infra"
)

// Скрипт фиксирует запись атомарно: версия, данные и история канала.
// Элемент истории хранится как "<seq>|<json>", новые слева.
var applyScript = redis.NewScript(`
local v = redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[1], "last_updated", ARGV[1])
for i = 4, #ARGV, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i + 1])
end
if ARGV[3] ~= "" then
	redis.call("LPUSH", KEYS[3], v .. "|" .. ARGV[3])
	redis.call("LTRIM", KEYS[3], 0, tonumber(ARGV[2]) - 1)
end
return v
`)

// RedisBackend: hash с данными (значения в JSON), hash с версией, список на канал.
type RedisBackend struct {
	rdb redis.UniversalClient
}

func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Apply(ctx context.Context, agentID string, c Commit) (int64, error) {
	historyKey := infra.ContextMetaKey(agentID)
	entry := ""
	if c.Entry != nil {
		historyKey = infra.ContextHistoryKey(agentID, string(c.Entry.Channel))
		raw, err := json.Marshal(c.Entry)
		if err != nil {
			return 0, fmt.Errorf("encode history entry: %w", err)
		}
		entry = string(raw)
	}

	args := make([]any, 0, 3+2*len(c.Data))
	args = append(args, c.At.UTC().Format(time.RFC3339Nano), c.Limit, entry)
	for k, v := range c.Data {
		raw, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode context key %q: %w", k, err)
		}
		args = append(args, k, string(raw))
	}

	keys := []string{infra.ContextMetaKey(agentID), infra.ContextDataKey(agentID), historyKey}
	version, err := applyScript.Run(ctx, b.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis apply context: %w", err)
	}
	return version, nil
}

func (b *RedisBackend) Load(ctx context.Context, agentID string) (*domain.ContextRecord, error) {
	// MULTI/EXEC: все части записи читаются на одной версии
	pipe := b.rdb.TxPipeline()
	meta := pipe.HGetAll(ctx, infra.ContextMetaKey(agentID))
	data := pipe.HGetAll(ctx, infra.ContextDataKey(agentID))
	lists := make(map[domain.ChannelType]*redis.StringSliceCmd, len(domain.ChannelTypes))
	for _, ch := range domain.ChannelTypes {
		lists[ch] = pipe.LRange(ctx, infra.ContextHistoryKey(agentID, string(ch)), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load context: %w", err)
	}

	m := meta.Val()
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: context of agent %s", domain.ErrNotFound, agentID)
	}
	rec := &domain.ContextRecord{
		AgentID: agentID,
		Data:    make(map[string]any, len(data.Val())),
		History: make(map[domain.ChannelType][]domain.HistoryEntry),
	}
	rec.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	rec.LastUpdated, _ = time.Parse(time.RFC3339Nano, m["last_updated"])

	for k, raw := range data.Val() {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode context key %q: %w", k, err)
		}
		rec.Data[k] = v
	}
	for ch, cmd := range lists {
		entries, err := decodeHistory(cmd.Val())
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			rec.History[ch] = entries
		}
	}
	return rec, nil
}

func (b *RedisBackend) History(ctx context.Context, agentID string, ch domain.ChannelType, limit int) ([]domain.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := b.rdb.LRange(ctx, infra.ContextHistoryKey(agentID, string(ch)), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load history: %w", err)
	}
	return decodeHistory(items)
}

func (b *RedisBackend) Delete(ctx context.Context, agentID string) error {
	keys := []string{infra.ContextMetaKey(agentID), infra.ContextDataKey(agentID)}
	for _, ch := range domain.ChannelTypes {
		keys = append(keys, infra.ContextHistoryKey(agentID, string(ch)))
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete context: %w", err)
	}
	return nil
}

// decodeHistory разворачивает список (новые слева) в порядок фиксации.
func decodeHistory(items []string) ([]domain.HistoryEntry, error) {
	out := make([]domain.HistoryEntry, 0, len(items))
	for _, item := range slices.Backward(items) {
		seqStr, raw, ok := strings.Cut(item, "|")
		if !ok {
			return nil, fmt.Errorf("malformed history item %q", item)
		}
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		e.Seq, _ = strconv.ParseInt(seqStr, 10, 64)
		out = append(out, e)
	}
	return out, nil
}
