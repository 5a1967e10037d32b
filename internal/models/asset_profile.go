package models

import (
	"sort"
)

// Feature slot names, in vector order
const (
	FeatureNewsSent    = "news_sent"
	FeatureGeneralSent = "general_sent"
	FeatureFocusSent   = "focus_sent"
	FeatureFlowZ       = "flow_z"
	FeatureMentionsZ   = "mentions_z"
	FeatureTwitterSent = "twitter_sent"
)

// NumFeatures is the length of every feature vector and presence mask.
const NumFeatures = 6

// FeatureNames lists the feature slots in vector order.
var FeatureNames = [NumFeatures]string{
	FeatureNewsSent,
	FeatureGeneralSent,
	FeatureFocusSent,
	FeatureFlowZ,
	FeatureMentionsZ,
	FeatureTwitterSent,
}

// Scoring modes recorded in ScoreBreakdown.Mode
const (
	ModeStaticWeights = "static-weights"
	ModeDynamicModel  = "dynamic-model"
)

// Provenance tags appended to AssetProfile.Sources
const (
	SourceCoinFlow         = "coin_flow"
	SourceFocusSentiment   = "focus_sentiment"
	SourceCoinFinder       = "coin_finder"
	SourceGeneralSentiment = "general_sentiment"
	SourceNewsSentiment    = "news_sentiment"
	SourceTwitterSentiment = "twitter_sentiment"
)

// FeatureVector holds the six scoring inputs; absent slots are 0.
type FeatureVector [NumFeatures]float64

// PresenceMask marks which feature slots carry real evidence.
type PresenceMask [NumFeatures]bool

// Count returns the number of present slots.
func (m PresenceMask) Count() int {
	n := 0
	for _, present := range m {
		if present {
			n++
		}
	}
	return n
}

// Ints returns the mask as 0/1 values.
func (m PresenceMask) Ints() [NumFeatures]int {
	var out [NumFeatures]int
	for i, present := range m {
		if present {
			out[i] = 1
		}
	}
	return out
}

// ScoreBreakdown is the per-feature detail behind a score.
type ScoreBreakdown struct {
	NewsSent    float64 `json:"news_sent"`
	GeneralSent float64 `json:"general_sent"`
	FocusSent   float64 `json:"focus_sent"`
	FlowZ       float64 `json:"flow_z"`
	MentionsZ   float64 `json:"mentions_z"`
	TwitterSent float64 `json:"twitter_sent"`
	Mode        string  `json:"_mode"`
}

// NewScoreBreakdown builds a breakdown from a feature vector.
func NewScoreBreakdown(v FeatureVector, mode string) ScoreBreakdown {
	return ScoreBreakdown{
		NewsSent:    v[0],
		GeneralSent: v[1],
		FocusSent:   v[2],
		FlowZ:       v[3],
		MentionsZ:   v[4],
		TwitterSent: v[5],
		Mode:        mode,
	}
}

// Vector returns the breakdown values in slot order.
func (b ScoreBreakdown) Vector() FeatureVector {
	return FeatureVector{b.NewsSent, b.GeneralSent, b.FocusSent, b.FlowZ, b.MentionsZ, b.TwitterSent}
}

// AssetProfile accumulates all evidence for one canonical asset during a build.
// Sentiment fields are nil when no source contributed.
type AssetProfile struct {
	Asset       string   `json:"coin"`
	NewsSent    *float64 `json:"news_sent"`
	GeneralSent *float64 `json:"general_sent"`
	FocusSent   *float64 `json:"focus_sent"`
	Flow        float64  `json:"flow"`
	HasFlow     bool     `json:"has_flow"`
	Mentions    float64  `json:"mentions"`
	HasMentions bool     `json:"has_mentions"`
	TwitterPos  int      `json:"twitter_pos"`
	TwitterNeg  int      `json:"twitter_neg"`
	TwitterSent *float64 `json:"twitter_sent"`
	Sources     []string `json:"sources"`

	Score          float64        `json:"score"`
	ScoreBreakdown ScoreBreakdown `json:"score_breakdown"`
	Evidence       int            `json:"evidence"`
	Confidence     float64        `json:"confidence"`
}

// NewAssetProfile creates an empty profile for asset.
func NewAssetProfile(asset string) *AssetProfile {
	return &AssetProfile{Asset: asset, Sources: []string{}}
}

// AddSource appends a provenance tag. Duplicates are kept.
func (p *AssetProfile) AddSource(tag string) {
	p.Sources = append(p.Sources, tag)
}

// UniqueSources returns the sorted, de-duplicated provenance tags.
func (p *AssetProfile) UniqueSources() []string {
	seen := make(map[string]struct{}, len(p.Sources))
	out := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Mask reports which feature slots carry evidence.
func (p *AssetProfile) Mask() PresenceMask {
	return PresenceMask{
		p.NewsSent != nil,
		p.GeneralSent != nil,
		p.FocusSent != nil,
		p.HasFlow,
		p.HasMentions,
		p.TwitterSent != nil,
	}
}

// Clone returns a deep copy so published profiles can be handed to callers.
func (p *AssetProfile) Clone() *AssetProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.NewsSent = cloneFloat(p.NewsSent)
	c.GeneralSent = cloneFloat(p.GeneralSent)
	c.FocusSent = cloneFloat(p.FocusSent)
	c.TwitterSent = cloneFloat(p.TwitterSent)
	c.Sources = append([]string(nil), p.Sources...)
	if c.Sources == nil {
		c.Sources = []string{}
	}
	return &c
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}
