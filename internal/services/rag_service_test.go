package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/irfndi/coin-rag/internal/ml"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/sources"
	"github.com/irfndi/coin-rag/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) Name() string {
	return "mock_mirror"
}

func (m *MockMirror) Publish(ctx context.Context, ix *models.Index) error {
	args := m.Called(ctx, ix)
	return args.Error(0)
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Environment: "test",
		LogLevel:    "error",
		RAG: config.RAGConfig{
			DataDir:           dir,
			ArtifactsDir:      filepath.Join(dir, "visualizations"),
			SnapshotPath:      filepath.Join(dir, "rag_snapshots.jsonl"),
			WinsorP:           0.02,
			RecentSequenceLen: 7,
			Weights:           config.DefaultWeights(),
			Files:             config.DefaultFiles(),
		},
		Model: config.ModelConfig{
			Breaker: config.BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: "60s"},
		},
	}
}

func writeInput(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

// writeExampleInputs lays down the two-asset flow/focus example.
func writeExampleInputs(t *testing.T, dir string) {
	t.Helper()
	files := config.DefaultFiles()
	writeInput(t, dir, files.CoinFlow, `{"aggregated_flows": {"BTC": 100, "ETH": -50}}`)
	writeInput(t, dir, files.FocusSentiment, `{"average_sentiment": {"BTC": 0.5}}`)
	writeInput(t, dir, files.NewsSentiment, `[]`)
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *RagService {
	t.Helper()
	svc, err := NewRagService(cfg, quietLogger(), opts...)
	require.NoError(t, err)
	return svc
}

func TestRagService_EmptyState(t *testing.T) {
	svc := newTestService(t, testConfig(t.TempDir()))

	assert.Nil(t, svc.Current())
	assert.Empty(t, svc.Current().Top(10))
	assert.False(t, svc.Explain("BTC").Found)
}

func TestRagService_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	fixed := time.Date(2025, 10, 15, 17, 22, 3, 0, time.Local)
	svc := newTestService(t, testConfig(dir), WithClock(func() time.Time { return fixed }))

	result, err := svc.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.CoinsIndexed)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, models.ModeStaticWeights, result.Mode)
	assert.InDelta(t, float64(fixed.Unix()), result.UpdatedAt, 1e-3)
	require.Len(t, result.Sources, 6)
	statuses := make(map[string]string)
	for _, s := range result.Sources {
		statuses[s.Source] = s.Status
	}
	assert.Equal(t, string(sources.StatusOK), statuses[models.SourceCoinFlow])
	assert.Equal(t, string(sources.StatusOK), statuses[models.SourceNewsSentiment])
	assert.Equal(t, string(sources.StatusAbsent), statuses[models.SourceGeneralSentiment])
	assert.Equal(t, string(sources.StatusAbsent), statuses[models.SourceTwitterSentiment])

	top := svc.Current().Top(10)
	require.Len(t, top, 2)
	assert.Equal(t, "BTC", top[0].Asset)
	assert.Equal(t, 2, top[0].Evidence)
	assert.Greater(t, top[0].Score, 0.0)
	assert.Equal(t, "ETH", top[1].Asset)
	assert.Equal(t, 1, top[1].Evidence)
	assert.Less(t, top[1].Score, top[0].Score)
	assert.Len(t, svc.Current().Top(0), 1)

	exp := svc.Explain("btc")
	require.True(t, exp.Found)
	assert.Equal(t, "BTC", exp.Coin)
	assert.Equal(t, "focus_sent=+0.50, flow_z=+0.67", exp.Why)
	assert.Equal(t, models.ModeStaticWeights, exp.Mode)
	assert.Equal(t, []string{models.SourceCoinFlow, models.SourceFocusSentiment}, exp.Sources)
	assert.Equal(t, 0.35, exp.Confidence)
	require.NotNil(t, exp.Raw)

	// artifacts
	assert.Equal(t, filepath.Join(dir, "visualizations", "2025-10-15_17-22-03_"+result.RunID[:8]), result.ArtifactDir)
	assert.FileExists(t, filepath.Join(result.ArtifactDir, "profiles.json"))
	assert.FileExists(t, filepath.Join(result.ArtifactDir, "scores.csv"))
	assert.FileExists(t, filepath.Join(dir, "rag_snapshots.jsonl"))
	assert.Empty(t, result.Warnings)
}

func TestRagService_ExplainMatching(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	svc := newTestService(t, testConfig(dir))
	_, err := svc.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "BTC", svc.Explain(" Btc ").Coin)
	assert.Equal(t, "BTC", svc.Explain("bitcoin").Coin, "alias lookup")
	assert.Equal(t, "ETH", svc.Explain("ETHUSDT").Coin, "query contains identifier")
	assert.Equal(t, "BTC", svc.Explain("B").Coin, "identifier contains query")

	miss := svc.Explain("DOGE")
	assert.False(t, miss.Found)
	assert.Equal(t, "DOGE", miss.Coin)
	assert.False(t, svc.Explain("").Found)
	assert.False(t, svc.Explain("   ").Found)
}

func TestRagService_ZeroEvidenceExplain(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, dir, config.DefaultFiles().TwitterCache, `[{"query": "XRP", "positive": 0, "negative": 0}]`)
	svc := newTestService(t, testConfig(dir))

	_, err := svc.Build(context.Background())
	require.NoError(t, err)

	exp := svc.Explain("xrp")
	require.True(t, exp.Found)
	assert.Equal(t, noSignals, exp.Why)
	assert.Equal(t, 0, exp.Evidence)
	assert.Equal(t, 0.0, exp.Score)
	assert.Equal(t, []string{models.SourceTwitterSentiment}, exp.Sources)
}

func TestRagService_NoInputs(t *testing.T) {
	svc := newTestService(t, testConfig(t.TempDir()))

	result, err := svc.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.CoinsIndexed)
	assert.NotNil(t, svc.Current())
	assert.Empty(t, svc.Current().Top(5))
}

func TestRagService_InvariantViolationDoesNotPublish(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	good := newTestService(t, testConfig(dir))
	_, err := good.Build(context.Background())
	require.NoError(t, err)
	before := good.Current()

	cfg := testConfig(dir)
	cfg.RAG.Weights.Flow = math.Inf(1)
	bad := newTestService(t, cfg)
	bad.index.Store(before)

	result, err := bad.Build(context.Background())
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, utils.IsInvariantError(err))
	assert.Same(t, before, bad.Current())
}

func TestRagService_ModelLoadedOnce(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	var loads int32
	loader := ml.LoaderFunc(func(cfg ml.Config) (ml.Predictor, error) {
		atomic.AddInt32(&loads, 1)
		assert.Equal(t, 7, cfg.SequenceLen)
		return ml.PredictorFunc(func(f models.FeatureVector, _ models.PresenceMask, _ []models.FeatureVector) (float64, error) {
			return f[3], nil
		}), nil
	})
	svc := newTestService(t, testConfig(dir), WithModelLoader(loader))

	for i := 0; i < 3; i++ {
		result, err := svc.Build(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.ModeDynamicModel, result.Mode)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
	exp := svc.Explain("BTC")
	assert.Equal(t, models.ModeDynamicModel, exp.Mode)
	assert.Equal(t, 0.6745, exp.Score)
	assert.NoError(t, svc.Close())
}

func TestRagService_ModelUnavailableOrPanics(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)

	loaders := map[string]ml.Loader{
		"null": ml.NullLoader{},
		"error": ml.LoaderFunc(func(ml.Config) (ml.Predictor, error) {
			return nil, errors.New("no such model")
		}),
		"panic": ml.LoaderFunc(func(ml.Config) (ml.Predictor, error) {
			panic("loader bug")
		}),
	}
	for name, loader := range loaders {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(t, testConfig(dir), WithModelLoader(loader))
			result, err := svc.Build(context.Background())
			require.NoError(t, err)
			assert.Equal(t, models.ModeStaticWeights, result.Mode)
			assert.Equal(t, 0.2686, svc.Current().Top(1)[0].Score)
		})
	}
}

func TestRagService_Mirrors(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)

	ok := new(MockMirror)
	ok.On("Publish", mock.Anything, mock.AnythingOfType("*models.Index")).Return(nil)
	failing := new(MockMirror)
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	svc := newTestService(t, testConfig(dir), WithMirrors(ok, failing))
	result, err := svc.Build(context.Background())

	require.NoError(t, err)
	ok.AssertNumberOfCalls(t, "Publish", 1)
	failing.AssertExpectations(t)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "redis down")
}

func TestRagService_MirrorRetry(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)

	flaky := new(MockMirror)
	flaky.On("Publish", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
	flaky.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}
	svc := newTestService(t, testConfig(dir), WithMirrors(flaky), WithMirrorRetry(policy))
	result, err := svc.Build(context.Background())

	require.NoError(t, err)
	flaky.AssertNumberOfCalls(t, "Publish", 2)
	assert.Empty(t, result.Warnings)
}

func TestRagService_ArtifactFailureDoesNotFailBuild(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testConfig(dir)
	cfg.RAG.ArtifactsDir = blocker
	cfg.RAG.SnapshotPath = filepath.Join(blocker, "snaps.jsonl")
	svc := newTestService(t, cfg)

	result, err := svc.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.CoinsIndexed)
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 2, svc.Current().Len())
}

func TestRagService_BadAliasFile(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.RAG.AliasFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := NewRagService(cfg, quietLogger())
	assert.Error(t, err)

	_, err = NewRagService(nil, nil)
	assert.Error(t, err)
}

// writeAtomic replaces path in one rename so a concurrent load sees either version whole.
func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// recordingMirror checks that published indexes never go back in time.
type recordingMirror struct {
	mu        sync.Mutex
	last      time.Time
	published int
	reordered int
}

func (m *recordingMirror) Name() string { return "recording" }

func (m *recordingMirror) Publish(_ context.Context, ix *models.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ix.UpdatedAt.Before(m.last) {
		m.reordered++
	}
	m.last = ix.UpdatedAt
	m.published++
	return nil
}

// consistent reports whether ix holds exactly one dataset's assets, ordered by score,
// with Top and Get agreeing with Entries.
func consistent(ix *models.Index, datasets ...[]string) bool {
	if ix == nil {
		return false
	}
	entries := ix.Entries()
	var match []string
	for _, d := range datasets {
		if len(d) == len(entries) {
			match = d
		}
	}
	if match == nil {
		return false
	}
	want := make(map[string]bool, len(match))
	for _, a := range match {
		want[a] = true
	}
	top := ix.Top(len(entries))
	if len(top) != len(entries) {
		return false
	}
	for i, p := range entries {
		if !want[p.Asset] || top[i].Asset != p.Asset || top[i].Score != p.Score {
			return false
		}
		if i > 0 && entries[i-1].Score < p.Score {
			return false
		}
		if got, ok := ix.Get(p.Asset); !ok || got.Score != p.Score {
			return false
		}
	}
	return true
}

func TestRagService_ConcurrentBuildAndQuery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.RAG.ArtifactsDir = ""
	cfg.RAG.SnapshotPath = ""
	flowPath := filepath.Join(dir, cfg.RAG.Files.CoinFlow)

	datasetA := []string{"BTC", "ETH"}
	datasetB := []string{"SOL", "ADA", "XRP"}
	inputs := []string{
		`{"aggregated_flows": {"BTC": 100, "ETH": -50}}`,
		`{"aggregated_flows": {"SOL": 100, "ADA": -50, "XRP": 10}}`,
	}

	mirror := &recordingMirror{}
	svc := newTestService(t, cfg, WithMirrors(mirror))

	// each dataset on its own first, so both are known to build
	for i, want := range [][]string{datasetA, datasetB} {
		require.NoError(t, writeAtomic(flowPath, inputs[i]))
		result, err := svc.Build(context.Background())
		require.NoError(t, err)
		assert.Equal(t, len(want), result.CoinsIndexed)
		require.True(t, consistent(svc.Current(), want))
	}

	var wg sync.WaitGroup
	var failures int32
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := writeAtomic(flowPath, inputs[(worker+j)%2]); err != nil {
					atomic.AddInt32(&failures, 1)
					continue
				}
				result, err := svc.Build(context.Background())
				if err != nil || (result.CoinsIndexed != len(datasetA) && result.CoinsIndexed != len(datasetB)) {
					atomic.AddInt32(&failures, 1)
				}
			}
		}(i)
	}

	var readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !consistent(svc.Current(), datasetA, datasetB) {
					atomic.AddInt32(&failures, 1)
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&failures))
	assert.Zero(t, mirror.reordered)
	assert.Positive(t, mirror.published)
}

func TestRagService_MirrorSkipsSupersededIndex(t *testing.T) {
	m := new(MockMirror)
	m.On("Publish", mock.Anything, mock.Anything).Return(nil)
	svc := newTestService(t, testConfig(t.TempDir()), WithMirrors(m))

	older := models.NewIndex("run-1", time.Unix(1700000000, 0), nil)
	newer := models.NewIndex("run-2", time.Unix(1700000000, 0), nil)

	assert.Empty(t, svc.mirror(context.Background(), newer, 2))
	assert.Empty(t, svc.mirror(context.Background(), older, 1))
	assert.Empty(t, svc.mirror(context.Background(), newer, 2))

	m.AssertNumberOfCalls(t, "Publish", 1)
	m.AssertCalled(t, "Publish", mock.Anything, newer)
}

func TestRagService_LogsBuildEvent(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	var buf bytes.Buffer
	events := logging.NewStandardLoggerWithWriter(&buf, "info", "test")

	svc := newTestService(t, testConfig(dir), WithEventLogger(events))
	result, err := svc.Build(context.Background())
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "build", entry["event"])
	assert.Equal(t, result.RunID, entry["run_id"])
	assert.Equal(t, float64(2), entry["coins_indexed"])
	assert.Equal(t, models.ModeStaticWeights, entry["mode"])
}

func TestRagService_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	writeExampleInputs(t, dir)
	cfg := testConfig(dir)

	svc := newTestService(t, cfg, WithReadOnly())
	result, err := svc.Build(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.CoinsIndexed)
	assert.Empty(t, result.ArtifactDir)
	assert.Equal(t, 2, svc.Current().Len())
	assert.NoFileExists(t, cfg.RAG.SnapshotPath)
	assert.NoDirExists(t, cfg.RAG.ArtifactsDir)
}

func TestRagService_Restore(t *testing.T) {
	svc := newTestService(t, testConfig(t.TempDir()))

	assert.Error(t, svc.Restore(nil))

	p := models.NewAssetProfile("BTC")
	p.Score = math.NaN()
	assert.Error(t, svc.Restore(models.NewIndex("bad", time.Unix(1700000000, 0), []*models.AssetProfile{p})))
	assert.Nil(t, svc.Current())

	good := models.NewAssetProfile("BTC")
	good.Score = 0.25
	require.NoError(t, svc.Restore(models.NewIndex("run-9", time.Unix(1700000000, 0), []*models.AssetProfile{good})))
	assert.Equal(t, "run-9", svc.Current().RunID)
	assert.True(t, svc.Explain("bitcoin").Found)
}

func TestWhy(t *testing.T) {
	assert.Equal(t, noSignals, Why(models.ScoreBreakdown{}))
	assert.Equal(t, "news_sent=-1.00, twitter_sent=+0.43",
		Why(models.NewScoreBreakdown(models.FeatureVector{-1, 0, 0, 0, 0, 0.428571}, models.ModeStaticWeights)))
}

func TestValidateLeaderboard(t *testing.T) {
	ok := models.NewAssetProfile("BTC")
	assert.NoError(t, ValidateLeaderboard([]*models.AssetProfile{ok}))

	badEvidence := models.NewAssetProfile("ETH")
	badEvidence.Evidence = 7
	assert.True(t, utils.IsInvariantError(ValidateLeaderboard([]*models.AssetProfile{badEvidence})))

	badConf := models.NewAssetProfile("SOL")
	badConf.Confidence = 1.5
	assert.True(t, utils.IsInvariantError(ValidateLeaderboard([]*models.AssetProfile{badConf})))

	nanScore := models.NewAssetProfile("ADA")
	nanScore.Score = math.NaN()
	assert.True(t, utils.IsInvariantError(ValidateLeaderboard([]*models.AssetProfile{nanScore})))

	dup := models.NewAssetProfile("BTC")
	assert.True(t, utils.IsInvariantError(ValidateLeaderboard([]*models.AssetProfile{ok, dup})))

	low := models.NewAssetProfile("LTC")
	high := models.NewAssetProfile("XRP")
	high.Score = 1
	assert.True(t, utils.IsInvariantError(ValidateLeaderboard([]*models.AssetProfile{low, high})))
}
