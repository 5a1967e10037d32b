package models

import (
	"encoding/json"
	"time"
)

// Index is one published leaderboard. It is never mutated after publication.
type Index struct {
	RunID     string
	UpdatedAt time.Time
	entries   []*AssetProfile
	byAsset   map[string]*AssetProfile
}

// NewIndex wraps profiles that are already in leaderboard order.
func NewIndex(runID string, updatedAt time.Time, ordered []*AssetProfile) *Index {
	byAsset := make(map[string]*AssetProfile, len(ordered))
	for _, p := range ordered {
		byAsset[p.Asset] = p
	}
	return &Index{
		RunID:     runID,
		UpdatedAt: updatedAt,
		entries:   ordered,
		byAsset:   byAsset,
	}
}

// Len returns the number of indexed assets.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

// Get looks up an asset by canonical id.
func (ix *Index) Get(asset string) (*AssetProfile, bool) {
	if ix == nil {
		return nil, false
	}
	p, ok := ix.byAsset[asset]
	return p, ok
}

// Entries returns the profiles in leaderboard order. Callers must not modify them.
func (ix *Index) Entries() []*AssetProfile {
	if ix == nil {
		return nil
	}
	return ix.entries
}

// Top returns copies of the first k entries; k below 1 is treated as 1.
func (ix *Index) Top(k int) []*AssetProfile {
	if ix == nil {
		return []*AssetProfile{}
	}
	if k < 1 {
		k = 1
	}
	if k > len(ix.entries) {
		k = len(ix.entries)
	}
	out := make([]*AssetProfile, 0, k)
	for _, p := range ix.entries[:k] {
		out = append(out, p.Clone())
	}
	return out
}

// SourceStatus reports how one input source fared in a build.
type SourceStatus struct {
	Source string `json:"source"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BuildResult summarizes a successful build. UpdatedAt is unix seconds.
type BuildResult struct {
	CoinsIndexed int            `json:"coins_indexed"`
	UpdatedAt    float64        `json:"updated_at"`
	RunID        string         `json:"run_id"`
	Mode         string         `json:"mode"`
	Sources      []SourceStatus `json:"sources"`
	ArtifactDir  string         `json:"artifact_dir,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// Explanation is the human-readable view of one asset's score.
type Explanation struct {
	Coin       string        `json:"coin"`
	Found      bool          `json:"found"`
	Score      float64       `json:"score"`
	Why        string        `json:"why"`
	Mode       string        `json:"mode"`
	Evidence   int           `json:"evidence"`
	Confidence float64       `json:"confidence"`
	Sources    []string      `json:"sources"`
	Raw        *AssetProfile `json:"raw"`
}

// MarshalJSON emits only the query and the miss flag when nothing matched.
func (e Explanation) MarshalJSON() ([]byte, error) {
	if !e.Found {
		return json.Marshal(struct {
			Coin  string `json:"coin"`
			Found bool   `json:"found"`
		}{e.Coin, false})
	}
	type alias Explanation
	return json.Marshal(alias(e))
}
