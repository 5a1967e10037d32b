package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/testutil"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testIndex(runID string, scores ...float64) *models.Index {
	assets := []string{"BTC", "ETH", "SOL", "XRP"}
	ordered := make([]*models.AssetProfile, 0, len(scores))
	for i, s := range scores {
		p := models.NewAssetProfile(assets[i])
		p.Score = s
		p.AddSource(models.SourceCoinFlow)
		ordered = append(ordered, p)
	}
	return models.NewIndex(runID, time.Unix(1700000000, 0), ordered)
}

func TestLeaderboardCache_PublishAndRead(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, 10*time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.1, -0.2)))

	assert.Equal(t, "redis", c.Name())
	assert.True(t, s.Exists("rag:leaderboard"))
	assert.Equal(t, 10*time.Minute, s.TTL("rag:profile:BTC"))

	top, err := c.top(ctx, client, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "BTC", top[0].Asset)
	assert.Equal(t, 0.5, top[0].Score)
	assert.Equal(t, "ETH", top[1].Asset)

	all, err := c.top(ctx, client, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, -0.2, all[2].Score)
	assert.Equal(t, []string{models.SourceCoinFlow}, all[2].Sources)

	meta, ok, err := c.Meta(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", meta.RunID)
	assert.Equal(t, 3, meta.CoinsIndexed)
	assert.Equal(t, float64(1700000000), meta.UpdatedAt)
}

func TestLeaderboardCache_Load(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, time.Minute, quietLogger())
	ctx := context.Background()

	ix, ok, err := c.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ix)

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.1, -0.2)))

	ix, ok, err = c.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", ix.RunID)
	assert.Equal(t, int64(1700000000), ix.UpdatedAt.Unix())
	require.Equal(t, 3, ix.Len())
	assert.Equal(t, "ETH", ix.Entries()[1].Asset)

	p, ok := ix.Get("SOL")
	require.True(t, ok)
	assert.Equal(t, -0.2, p.Score)
}

func TestLeaderboardCache_LoadIncomplete(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, 0, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.1)))
	require.NoError(t, client.Del(ctx, "rag:profile:ETH").Err())

	_, _, err := c.Load(ctx)
	assert.ErrorContains(t, err, "incomplete")
}

func TestLeaderboardCache_PublishReplacesOrder(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, 0, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.1, -0.2, -0.3)))
	require.NoError(t, c.Publish(ctx, testIndex("run-2", 0.9)))

	top, err := c.top(ctx, client, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "BTC", top[0].Asset)

	meta, _, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", meta.RunID)
}

func TestLeaderboardCache_PublishDropsStaleProfiles(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, 0, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.1, -0.2)))
	assert.True(t, s.Exists("rag:profile:ETH"))
	assert.True(t, s.Exists("rag:profile:SOL"))

	require.NoError(t, c.Publish(ctx, testIndex("run-2", 0.9)))

	assert.True(t, s.Exists("rag:profile:BTC"))
	assert.False(t, s.Exists("rag:profile:ETH"))
	assert.False(t, s.Exists("rag:profile:SOL"))

	ix, ok, err := c.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ix.Len())
}

func TestLeaderboardCache_Misses(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, time.Minute, nil)
	ctx := context.Background()

	top, err := c.top(ctx, client, 0)
	require.NoError(t, err)
	assert.Empty(t, top)

	_, ok, err := c.Meta(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, c.Publish(ctx, nil))
}

func TestLeaderboardCache_Expiry(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5)))
	s.FastForward(2 * time.Minute)

	top, err := c.top(ctx, client, 5)
	require.NoError(t, err)
	assert.Empty(t, top)

	_, ok, err := c.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaderboardCache_Clear(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, time.Minute, quietLogger())
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "unrelated", "keep", 0).Err())

	require.NoError(t, c.Publish(ctx, testIndex("run-1", 0.5, 0.4)))
	require.NoError(t, c.Clear(ctx))
	require.NoError(t, c.Clear(ctx))

	assert.False(t, s.Exists("rag:meta"))
	assert.True(t, s.Exists("unrelated"))
}

func TestLeaderboardCache_RedisDown(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	c := NewLeaderboardCache(client, time.Minute, quietLogger())
	s.Close()

	err := c.Publish(context.Background(), testIndex("run-1", 0.5))
	assert.Error(t, err)
	_, err = c.top(context.Background(), client, 1)
	assert.Error(t, err)
	_, _, err = c.Load(context.Background())
	assert.Error(t, err)
}
