package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetProfile_Mask(t *testing.T) {
	p := NewAssetProfile("BTC")
	assert.Equal(t, 0, p.Mask().Count())

	p.FocusSent = Float64Ptr(0)
	p.HasFlow = true
	mask := p.Mask()

	assert.Equal(t, 2, mask.Count())
	assert.Equal(t, [NumFeatures]int{0, 0, 1, 1, 0, 0}, mask.Ints())
}

func TestAssetProfile_UniqueSources(t *testing.T) {
	p := NewAssetProfile("ETH")
	p.AddSource(SourceNewsSentiment)
	p.AddSource(SourceCoinFlow)
	p.AddSource(SourceNewsSentiment)

	assert.Len(t, p.Sources, 3)
	assert.Equal(t, []string{SourceCoinFlow, SourceNewsSentiment}, p.UniqueSources())
}

func TestAssetProfile_Clone(t *testing.T) {
	p := NewAssetProfile("SOL")
	p.NewsSent = Float64Ptr(0.5)
	p.AddSource(SourceNewsSentiment)

	c := p.Clone()
	*c.NewsSent = -1
	c.Sources[0] = "mutated"

	assert.Equal(t, 0.5, *p.NewsSent)
	assert.Equal(t, SourceNewsSentiment, p.Sources[0])
	assert.Nil(t, (*AssetProfile)(nil).Clone())
}

func TestScoreBreakdown_Vector(t *testing.T) {
	v := FeatureVector{1, 2, 3, 4, 5, 6}
	b := NewScoreBreakdown(v, ModeStaticWeights)

	assert.Equal(t, v, b.Vector())
	assert.Equal(t, ModeStaticWeights, b.Mode)

	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_mode":"static-weights"`)
}

func TestIndex_Top(t *testing.T) {
	a := NewAssetProfile("BTC")
	b := NewAssetProfile("ETH")
	ix := NewIndex("run-1", time.Unix(100, 0), []*AssetProfile{a, b})

	assert.Equal(t, 2, ix.Len())
	assert.Len(t, ix.Top(0), 1)
	assert.Len(t, ix.Top(-3), 1)
	assert.Len(t, ix.Top(10), 2)
	assert.Equal(t, "BTC", ix.Top(1)[0].Asset)

	got, ok := ix.Get("ETH")
	require.True(t, ok)
	assert.Same(t, b, got)

	top := ix.Top(1)
	top[0].Asset = "mutated"
	assert.Equal(t, "BTC", ix.Entries()[0].Asset)
}

func TestIndex_Nil(t *testing.T) {
	var ix *Index
	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, ix.Top(5))
	_, ok := ix.Get("BTC")
	assert.False(t, ok)
}

func TestExplanation_MarshalJSON(t *testing.T) {
	miss, err := json.Marshal(Explanation{Coin: "DOGE"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"coin":"DOGE","found":false}`, string(miss))

	hit, err := json.Marshal(Explanation{Coin: "BTC", Found: true, Why: "no strong signals", Sources: []string{}})
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(hit, &decoded))
	assert.Equal(t, true, decoded["found"])
	assert.Equal(t, "no strong signals", decoded["why"])
	assert.Contains(t, decoded, "evidence")
}

func TestNewSnapshot(t *testing.T) {
	p := NewAssetProfile("BTC")
	p.Score = 0.1
	updated := time.Unix(1700000000, 500000000)
	snap := NewSnapshot(NewIndex("run-9", updated, []*AssetProfile{p}))

	assert.Equal(t, "run-9", snap.RunID)
	assert.InDelta(t, 1700000000.5, snap.TS, 1e-6)
	assert.Contains(t, snap.Profiles, "BTC")
	assert.WithinDuration(t, updated, snap.Time(), time.Millisecond)
}
