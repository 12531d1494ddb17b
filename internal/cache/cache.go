// Package cache keeps dashboard rollups in Redis so the dashboard endpoints
// do not re-aggregate on every poll.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtrntr/agriloop/internal/models"
)

const (
	// dashboard:{actor}:{user_id}:{window}
	keyDashboard  = "dashboard:%s:%d:%s"
	// dashboard:{actor}:{user_id}#gen
	keyGeneration = "dashboard:%s:%d#gen"
)

func DashboardKey(actor models.Actor, userID int, window string) string {
	return fmt.Sprintf(keyDashboard, actor, userID, window)
}

func GenerationKey(actor models.Actor, userID int) string {
	return fmt.Sprintf(keyGeneration, actor, userID)
}

// Redis is a read-through cache of models.Totals
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

// Generation returns the user's current generation, 0 before the first
// invalidation
func (c *Redis) Generation(ctx context.Context, actor models.Actor, userID int) (int64, error) {
	gen, err := c.rdb.Get(ctx, GenerationKey(actor, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// GetTotals returns ok=false on a miss
func (c *Redis) GetTotals(ctx context.Context, actor models.Actor, userID int, window string) (models.Totals, bool, error) {
	raw, err := c.rdb.Get(ctx, DashboardKey(actor, userID, window)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Totals{}, false, nil
	}
	if err != nil {
		return models.Totals{}, false, err
	}
	var t models.Totals
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.Totals{}, false, fmt.Errorf("decode cached totals: %w", err)
	}
	return t, true, nil
}

func (c *Redis) SetTotals(ctx context.Context, actor models.Actor, userID int, window string, t models.Totals) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, DashboardKey(actor, userID, window), raw, c.ttl).Err()
}

// Invalidate moves the user to a new generation. Entries of the old one
// expire with their TTL.
func (c *Redis) Invalidate(ctx context.Context, actor models.Actor, userID int) error {
	return c.rdb.Incr(ctx, GenerationKey(actor, userID)).Err()
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
