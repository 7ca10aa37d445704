/*
Package cache puts a Redis read-through cache in front of the reward catalog.

BEHAVIOR:
  - GetReward / GetRewardCatalog read Redis first, then the backing store,
    and populate Redis on a miss
  - SaveReward writes the store and invalidates the cached entries
  - Redis errors never fail a read: the cache logs and falls through to the
    store (fail-open)

STALENESS:
  Cached stock can lag the store by up to the TTL. Quotes may use it; the
  commit paths never do. The atomic procedure re-reads stock inside its
  transaction and the fallback re-validates against the store.

ENCODING:
  Entries are JSON factory.Row values, decoded back through
  factory.RewardFromRow so a corrupt entry is rejected (and treated as a
  miss) rather than served.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
)

const (
	keyPrefix  = "loyalty:"
	catalogKey = keyPrefix + "catalog"
)

func rewardKey(id ledger.RewardID) string { return keyPrefix + "reward:" + string(id) }

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewClient builds the Redis client. It does not connect; the first command
// does.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

// CatalogCache implements ledger.CatalogStore over another CatalogStore.
type CatalogCache struct {
	client redis.Cmdable
	next   ledger.CatalogStore
	ttl    time.Duration
	log    logrus.FieldLogger
}

var _ ledger.CatalogStore = (*CatalogCache)(nil)

func NewCatalogCache(client redis.Cmdable, next ledger.CatalogStore, ttl time.Duration, log logrus.FieldLogger) *CatalogCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CatalogCache{client: client, next: next, ttl: ttl, log: log}
}

// Ping reports whether Redis is reachable.
func (c *CatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CatalogCache) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	var row factory.Row
	if c.get(ctx, rewardKey(id), &row) {
		r, err := factory.RewardFromRow(row)
		if err == nil {
			return r, nil
		}
		c.log.WithError(err).WithField("reward_id", id).Warn("cache: dropping corrupt reward entry")
	}

	r, err := c.next.GetReward(ctx, id)
	if err != nil {
		return ledger.Reward{}, err
	}
	c.set(ctx, rewardKey(id), factory.RewardToRow(r))
	return r, nil
}

// GetRewardCatalog caches the whole catalog under one key and filters on
// read.
func (c *CatalogCache) GetRewardCatalog(ctx context.Context, filter ledger.CatalogFilter) ([]ledger.Reward, error) {
	var rows []factory.Row
	if c.get(ctx, catalogKey, &rows) {
		all, err := factory.RewardsFromRows(rows)
		if err == nil {
			return applyFilter(all, filter), nil
		}
		c.log.WithError(err).Warn("cache: dropping corrupt catalog entry")
	}

	all, err := c.next.GetRewardCatalog(ctx, ledger.CatalogFilter{})
	if err != nil {
		return nil, err
	}
	encoded := make([]factory.Row, 0, len(all))
	for _, r := range all {
		encoded = append(encoded, factory.RewardToRow(r))
	}
	c.set(ctx, catalogKey, encoded)
	return applyFilter(all, filter), nil
}

func (c *CatalogCache) SaveReward(ctx context.Context, r ledger.Reward) error {
	if err := c.next.SaveReward(ctx, r); err != nil {
		return err
	}
	c.Invalidate(ctx, r.ID)
	return nil
}

// Invalidate drops the catalog entry and the given rewards' entries. Called
// after writes that change stock outside SaveReward.
func (c *CatalogCache) Invalidate(ctx context.Context, ids ...ledger.RewardID) {
	keys := []string{catalogKey}
	for _, id := range ids {
		keys = append(keys, rewardKey(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Warn("cache: invalidation failed, entries expire with ttl")
	}
}

// =============================================================================
// REDIS HELPERS - fail-open
// =============================================================================

func (c *CatalogCache) get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Debug("cache: read failed, using store")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache: undecodable entry")
		return false
	}
	return true
}

func (c *CatalogCache) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("cache: write failed")
	}
}

// applyFilter matches the store's catalog semantics: filter, then order by
// cost and id.
func applyFilter(all []ledger.Reward, filter ledger.CatalogFilter) []ledger.Reward {
	out := make([]ledger.Reward, 0, len(all))
	for _, r := range all {
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.MaxCost > 0 && r.PointsCost > filter.MaxCost {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointsCost != out[j].PointsCost {
			return out[i].PointsCost < out[j].PointsCost
		}
		return out[i].ID < out[j].ID
	})
	return out
}
