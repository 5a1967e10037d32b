package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/coin-rag/internal/cache"
	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/ml"
	"github.com/irfndi/coin-rag/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Environment: "test",
		LogLevel:    "error",
		RAG: config.RAGConfig{
			DataDir:           dir,
			ArtifactsDir:      "",
			SnapshotPath:      filepath.Join(dir, "rag_snapshots.jsonl"),
			WinsorP:           0.02,
			RecentSequenceLen: 7,
			Weights:           config.DefaultWeights(),
			Files:             config.DefaultFiles(),
		},
		Model: config.ModelConfig{
			Breaker: config.BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: "60s"},
		},
		Telemetry: config.TelemetryConfig{ServiceName: "coin-rag-test"},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestTelemetryConfig(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.SentryDSN = "https://key@sentry.example.com/1"
	cfg.Telemetry.OTLPEndpoint = "http://otel:4318"
	cfg.Telemetry.ServiceName = "coin-rag"
	cfg.Telemetry.ServiceVersion = "1.2.3"
	cfg.Telemetry.SampleRate = 0.5

	tc := TelemetryConfig(cfg)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "production", tc.Environment)
	assert.Equal(t, "https://key@sentry.example.com/1", tc.SentryDSN)
	assert.Equal(t, "http://otel:4318", tc.OTLPEndpoint)
	assert.Equal(t, "coin-rag", tc.ServiceName)
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, 0.5, tc.SampleRate)
}

func TestOTLPHost(t *testing.T) {
	assert.Equal(t, "otel:4318", otlpHost("http://otel:4318"))
	assert.Equal(t, "collector.example.com", otlpHost("https://collector.example.com/v1/traces"))
	assert.Equal(t, "otel:4318", otlpHost("otel:4318"))
}

func TestNew_NoMirrors(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Service)
	assert.NotNil(t, a.Metrics)
	assert.Empty(t, a.Mirrors)
	assert.Empty(t, a.HealthChecks())
	assert.Nil(t, a.Service.Current())
}

func TestNew_RedisMirror(t *testing.T) {
	mr, _ := testutil.NewMiniRedis(t)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port
	cfg.Redis.DB = 0
	cfg.Redis.TTL = "1h"

	testutil.WriteFile(t, cfg.RAG.DataDir, cfg.RAG.Files.CoinFlow, `{"aggregated_flows": {"BTC": 100, "ETH": -50}}`)

	a, err := New(context.Background(), cfg, WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Mirrors, 1)
	assert.Equal(t, "redis", a.Mirrors[0].Name())
	assert.Contains(t, a.HealthChecks(), "redis")

	_, err = a.Service.Build(context.Background())
	require.NoError(t, err)

	lc, ok := a.Mirrors[0].(*cache.LeaderboardCache)
	require.True(t, ok)
	meta, found, err := lc.Meta(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, meta.CoinsIndexed)
}

func redisConfig(t *testing.T) *config.Config {
	t.Helper()
	mr, _ := testutil.NewMiniRedis(t)
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg.Redis.Port = port
	testutil.WriteFile(t, cfg.RAG.DataDir, cfg.RAG.Files.CoinFlow, `{"aggregated_flows": {"BTC": 100, "ETH": -50}}`)
	return cfg
}

func TestApp_LoadMirrored(t *testing.T) {
	cfg := redisConfig(t)
	ctx := context.Background()

	writer, err := New(ctx, cfg, WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()))
	require.NoError(t, err)
	defer writer.Close()
	res, err := writer.Service.Build(ctx)
	require.NoError(t, err)

	reader, err := New(ctx, cfg, WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()), WithReadOnly())
	require.NoError(t, err)
	defer reader.Close()
	require.NotNil(t, reader.Leaderboard)

	ok, err := reader.LoadMirrored(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ix := reader.Service.Current()
	require.NotNil(t, ix)
	assert.Equal(t, res.RunID, ix.RunID)
	want := writer.Service.Current().Entries()
	got := ix.Entries()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Asset, got[i].Asset)
		assert.Equal(t, want[i].Score, got[i].Score)
		assert.Equal(t, want[i].Evidence, got[i].Evidence)
	}
}

func TestApp_ReadOnlyWritesNothing(t *testing.T) {
	cfg := redisConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()), WithReadOnly())
	require.NoError(t, err)
	defer a.Close()

	ok, err := a.LoadMirrored(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := a.Service.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CoinsIndexed)
	assert.Empty(t, res.ArtifactDir)

	_, err = os.Stat(cfg.RAG.SnapshotPath)
	assert.True(t, os.IsNotExist(err))
	_, found, err := a.Leaderboard.Meta(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApp_LoadMirroredWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	ok, err := a.LoadMirrored(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNew_UnreachableMirrorsAreSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1
	cfg.Database.Enabled = true
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1

	a, err := New(context.Background(), cfg, WithModelLoader(ml.NullLoader{}), WithLogrus(quietLogger()))
	require.NoError(t, err)
	defer a.Close()

	assert.Empty(t, a.Mirrors)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Postgres)
	assert.Empty(t, a.HealthChecks())
}
