package models

import (
	"time"
)

// Snapshot is one line of the append-only snapshot log.
// TS is fractional unix seconds and is stored untruncated; label generation
// truncates it to whole seconds when it looks up prices.
type Snapshot struct {
	TS       float64                  `json:"ts"`
	RunID    string                   `json:"run_id"`
	Profiles map[string]*AssetProfile `json:"profiles"`
}

// NewSnapshot captures the entries of a published index.
func NewSnapshot(ix *Index) Snapshot {
	profiles := make(map[string]*AssetProfile, ix.Len())
	for _, p := range ix.Entries() {
		profiles[p.Asset] = p
	}
	return Snapshot{
		TS:       UnixSeconds(ix.UpdatedAt),
		RunID:    ix.RunID,
		Profiles: profiles,
	}
}

// Time converts TS back to a time.Time.
func (s Snapshot) Time() time.Time {
	return FromUnixSeconds(s.TS)
}

// UnixSeconds converts t into fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds, to float precision.
func FromUnixSeconds(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// LabeledRow is one supervised training example produced from a snapshot.
type LabeledRow struct {
	TS       float64          `json:"ts"`
	RunID    string           `json:"run_id,omitempty"`
	Coin     string           `json:"coin"`
	Features FeatureVector    `json:"features"`
	Mask     [NumFeatures]int `json:"mask"`
	Score    float64          `json:"score"`
	Label    *float64         `json:"label"`
}
