package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/models"
)

// LeaderboardMeta describes the index currently mirrored in Redis.
type LeaderboardMeta struct {
	RunID        string  `json:"run_id"`
	UpdatedAt    float64 `json:"updated_at"`
	CoinsIndexed int     `json:"coins_indexed"`
}

// reader is the subset of redis commands shared by the client and a WATCH transaction.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// loadAttempts bounds how often Load retries when a publish races the read.
const loadAttempts = 3

// LeaderboardCache mirrors published indexes into Redis so other processes can read them.
//
// Layout under the prefix:
//
//	leaderboard     ZSET asset -> score
//	order           LIST of assets in leaderboard order
//	profile:<ASSET> JSON profile
//	meta            JSON LeaderboardMeta
type LeaderboardCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
}

// NewLeaderboardCache creates a Redis mirror. A ttl of zero keeps keys until the next publish.
func NewLeaderboardCache(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *LeaderboardCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &LeaderboardCache{
		redis:  redisClient,
		ttl:    ttl,
		prefix: "rag:",
		logger: logger,
	}
}

func (c *LeaderboardCache) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Name identifies the mirror in logs and warnings.
func (c *LeaderboardCache) Name() string {
	return "redis"
}

// Publish replaces the mirrored leaderboard with ix in one transaction.
func (c *LeaderboardCache) Publish(ctx context.Context, ix *models.Index) error {
	if ix == nil {
		return errors.New("nothing to publish")
	}

	entries := ix.Entries()
	profiles := make(map[string][]byte, len(entries))
	for _, p := range entries {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("error serializing profile %s: %w", p.Asset, err)
		}
		profiles[p.Asset] = data
	}
	meta, err := json.Marshal(LeaderboardMeta{
		RunID:        ix.RunID,
		UpdatedAt:    models.UnixSeconds(ix.UpdatedAt),
		CoinsIndexed: ix.Len(),
	})
	if err != nil {
		return fmt.Errorf("error serializing meta: %w", err)
	}

	current := make(map[string]struct{}, len(entries))
	for _, p := range entries {
		current[p.Asset] = struct{}{}
	}

	boardKey, orderKey := c.key("leaderboard"), c.key("order")
	// WATCH the order list so the stale-profile cleanup sees the list it replaces.
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		previous, err := tx.LRange(ctx, orderKey, 0, -1).Result()
		if err != nil {
			return err
		}
		var stale []string
		for _, asset := range previous {
			if _, ok := current[asset]; !ok {
				stale = append(stale, c.key("profile", asset))
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, boardKey, orderKey)
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			if len(entries) > 0 {
				members := make([]redis.Z, 0, len(entries))
				order := make([]interface{}, 0, len(entries))
				for _, p := range entries {
					members = append(members, redis.Z{Score: p.Score, Member: p.Asset})
					order = append(order, p.Asset)
				}
				pipe.ZAdd(ctx, boardKey, members...)
				pipe.RPush(ctx, orderKey, order...)
				if c.ttl > 0 {
					pipe.Expire(ctx, boardKey, c.ttl)
					pipe.Expire(ctx, orderKey, c.ttl)
				}
			}
			for _, p := range entries {
				pipe.Set(ctx, c.key("profile", p.Asset), profiles[p.Asset], c.ttl)
			}
			pipe.Set(ctx, c.key("meta"), meta, c.ttl)
			return nil
		})
		return err
	}, orderKey)
	if err != nil {
		return fmt.Errorf("redis error publishing leaderboard: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"run_id": ix.RunID,
		"coins":  len(entries),
		"ttl":    c.ttl.String(),
	}).Debug("Leaderboard mirrored to Redis")
	return nil
}

// top reads the first k mirrored profiles in leaderboard order. k below 1 reads all of them.
func (c *LeaderboardCache) top(ctx context.Context, r reader, k int) ([]*models.AssetProfile, error) {
	stop := int64(k - 1)
	if k < 1 {
		stop = -1
	}
	assets, err := r.LRange(ctx, c.key("order"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error reading leaderboard order: %w", err)
	}
	if len(assets) == 0 {
		return []*models.AssetProfile{}, nil
	}

	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = c.key("profile", a)
	}
	values, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error reading profiles: %w", err)
	}

	out := make([]*models.AssetProfile, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p models.AssetProfile
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			c.logger.WithField("asset", assets[i]).WithError(err).Warn("Error deserializing cached profile")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// Load reads the whole mirrored index. The bool is false when nothing is mirrored.
// Meta and profiles are read under WATCH so a concurrent publish cannot mix two runs.
func (c *LeaderboardCache) Load(ctx context.Context) (*models.Index, bool, error) {
	metaKey := c.key("meta")
	for attempt := 0; attempt < loadAttempts; attempt++ {
		var (
			meta     *LeaderboardMeta
			found    bool
			profiles []*models.AssetProfile
		)
		err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
			var err error
			meta, found, err = c.meta(ctx, tx)
			if err != nil || !found {
				return err
			}
			if profiles, err = c.top(ctx, tx, 0); err != nil {
				return err
			}
			// EXEC fails with TxFailedErr if a publish touched meta meanwhile
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Exists(ctx, metaKey)
				return nil
			})
			return err
		}, metaKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		if len(profiles) != meta.CoinsIndexed {
			return nil, false, fmt.Errorf("mirrored run %s is incomplete: %d of %d profiles", meta.RunID, len(profiles), meta.CoinsIndexed)
		}
		return models.NewIndex(meta.RunID, models.FromUnixSeconds(meta.UpdatedAt), profiles), true, nil
	}
	return nil, false, errors.New("leaderboard kept changing while it was read")
}

// Meta returns the description of the mirrored index, if any.
func (c *LeaderboardCache) Meta(ctx context.Context) (*LeaderboardMeta, bool, error) {
	return c.meta(ctx, c.redis)
}

func (c *LeaderboardCache) meta(ctx context.Context, r reader) (*LeaderboardMeta, bool, error) {
	data, err := r.Get(ctx, c.key("meta")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis error getting meta: %w", err)
	}
	var meta LeaderboardMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, false, fmt.Errorf("error deserializing meta: %w", err)
	}
	return &meta, true, nil
}

// Clear removes every mirrored key.
func (c *LeaderboardCache) Clear(ctx context.Context) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}
	c.logger.WithField("keys", len(keys)).Info("Cleared leaderboard cache")
	return nil
}
