package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentfi/npcsched/internal/schedule"
)

// Redis keys of the context cache. Saves build the staging hash and rename it
// over the live one, so readers see either the previous or the next set.
const (
	contextsKey        = "npcsched:contexts"
	contextsStagingKey = "npcsched:contexts:staging"
)

// DefaultSnapshotTTL bounds how long a cached context set outlives its writer.
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotCache keeps agent schedule contexts in a Redis hash keyed by agent
// id.
type SnapshotCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewSnapshotCache creates a cache over rdb.
func NewSnapshotCache(rdb redis.Cmdable, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

// SaveContexts replaces the cached set with contexts.
func (c *SnapshotCache) SaveContexts(ctx context.Context, contexts []schedule.AgentContext) error {
	if len(contexts) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(contexts))
	for _, ac := range contexts {
		raw, err := json.Marshal(ac)
		if err != nil {
			return fmt.Errorf("store: encode context %s: %w", ac.AgentID, err)
		}
		fields[ac.AgentID.String()] = raw
	}

	if err := c.rdb.Del(ctx, contextsStagingKey).Err(); err != nil {
		return fmt.Errorf("store: save contexts: %w", err)
	}
	if err := c.rdb.HSet(ctx, contextsStagingKey, fields).Err(); err != nil {
		return fmt.Errorf("store: save contexts: %w", err)
	}
	if err := c.rdb.Rename(ctx, contextsStagingKey, contextsKey).Err(); err != nil {
		return fmt.Errorf("store: save contexts: %w", err)
	}
	if err := c.rdb.Expire(ctx, contextsKey, c.ttl).Err(); err != nil {
		return fmt.Errorf("store: save contexts: %w", err)
	}
	return nil
}

// LoadContexts returns every cached context. Entries that fail to decode are
// logged and skipped.
func (c *SnapshotCache) LoadContexts(ctx context.Context) ([]schedule.AgentContext, error) {
	entries, err := c.rdb.HGetAll(ctx, contextsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load contexts: %w", err)
	}
	out := make([]schedule.AgentContext, 0, len(entries))
	for id, raw := range entries {
		var ac schedule.AgentContext
		if err := json.Unmarshal([]byte(raw), &ac); err != nil {
			slog.Warn("store: skipping undecodable context",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, ac)
	}
	return out, nil
}
