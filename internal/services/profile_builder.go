package services

import (
	"math"
	"sort"
	"strings"

	"github.com/irfndi/coin-rag/internal/canon"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/sources"
	"github.com/sirupsen/logrus"
)

// Sentiment labels emitted by the upstream classifiers
const (
	LabelPositive = "POSITIVE"
	LabelNegative = "NEGATIVE"
	LabelNeutral  = "NEUTRAL"
)

// LabelScore maps a sentiment label to +1, -1 or 0. Unknown labels are neutral.
func LabelScore(label string) float64 {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case LabelPositive:
		return 1
	case LabelNegative:
		return -1
	default:
		return 0
	}
}

// ProfileBuilder folds loaded sources into fresh per-asset profiles.
type ProfileBuilder struct {
	canon  *canon.Canonicalizer
	logger *logrus.Logger
}

// NewProfileBuilder creates a builder resolving tokens with c.
func NewProfileBuilder(c *canon.Canonicalizer, logger *logrus.Logger) *ProfileBuilder {
	if c == nil {
		c = canon.Default()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ProfileBuilder{canon: c, logger: logger}
}

// profileSet creates profiles lazily on first contribution.
type profileSet map[string]*models.AssetProfile

func (ps profileSet) get(asset string) *models.AssetProfile {
	p, ok := ps[asset]
	if !ok {
		p = models.NewAssetProfile(asset)
		ps[asset] = p
	}
	return p
}

// Build folds b into a new profile set. Unresolved tokens and non-finite values are dropped.
func (b *ProfileBuilder) Build(bundle sources.Bundle) map[string]*models.AssetProfile {
	ps := make(profileSet)

	b.foldFlow(ps, bundle.Flow)
	b.foldFocus(ps, bundle.Focus)
	b.foldMentions(ps, bundle.Mentions)
	b.foldLabeled(ps, bundle.General, models.SourceGeneralSentiment, func(p *models.AssetProfile, v float64) {
		p.GeneralSent = models.Float64Ptr(v)
	})
	b.foldLabeled(ps, bundle.News, models.SourceNewsSentiment, func(p *models.AssetProfile, v float64) {
		p.NewsSent = models.Float64Ptr(v)
	})
	b.foldEngagement(ps, bundle.Engagement)

	return ps
}

// flow totals add up across tokens resolving to the same asset
func (b *ProfileBuilder) foldFlow(ps profileSet, flow map[string]float64) {
	for _, token := range sortedKeys(flow) {
		v := flow[token]
		asset, ok := b.canon.Canonicalize(token)
		if !ok {
			continue
		}
		if !finite(v) {
			b.dropped(models.SourceCoinFlow, token)
			continue
		}
		p := ps.get(asset)
		p.Flow += v
		p.HasFlow = true
		p.AddSource(models.SourceCoinFlow)
	}
}

// focus sentiment overwrites
func (b *ProfileBuilder) foldFocus(ps profileSet, focus map[string]float64) {
	for _, token := range sortedKeys(focus) {
		v := focus[token]
		asset, ok := b.canon.Canonicalize(token)
		if !ok {
			continue
		}
		if !finite(v) {
			b.dropped(models.SourceFocusSentiment, token)
			continue
		}
		p := ps.get(asset)
		p.FocusSent = models.Float64Ptr(v)
		p.AddSource(models.SourceFocusSentiment)
	}
}

func (b *ProfileBuilder) foldMentions(ps profileSet, groups map[string]map[string]float64) {
	totals := make(map[string]float64)
	for _, group := range sortedKeys(groups) {
		words := groups[group]
		for _, word := range sortedKeys(words) {
			cnt := words[word]
			asset, ok := b.canon.Canonicalize(word)
			if !ok {
				continue
			}
			if !finite(cnt) {
				b.dropped(models.SourceCoinFinder, word)
				continue
			}
			totals[asset] += cnt
		}
	}
	for _, asset := range sortedKeys(totals) {
		p := ps.get(asset)
		p.Mentions += totals[asset]
		p.HasMentions = true
		p.AddSource(models.SourceCoinFinder)
	}
}

func (b *ProfileBuilder) foldLabeled(ps profileSet, items []sources.LabeledText, tag string, set func(*models.AssetProfile, float64)) {
	scores := make(map[string][]float64)
	for _, item := range items {
		score := LabelScore(item.Label)
		for _, asset := range b.canon.ExtractAssets(item.Text) {
			scores[asset] = append(scores[asset], score)
		}
	}
	for _, asset := range sortedKeys(scores) {
		list := scores[asset]
		if len(list) == 0 {
			continue
		}
		sum := 0.0
		for _, s := range list {
			sum += s
		}
		p := ps.get(asset)
		set(p, sum/float64(len(list)))
		p.AddSource(tag)
	}
}

func (b *ProfileBuilder) foldEngagement(ps profileSet, rows []sources.Engagement) {
	for _, row := range rows {
		asset, ok := b.canon.Canonicalize(row.Query)
		if !ok {
			continue
		}
		p := ps.get(asset)
		p.TwitterPos += row.Positive
		p.TwitterNeg += row.Negative
		p.AddSource(models.SourceTwitterSentiment)
	}
}

func (b *ProfileBuilder) dropped(source, token string) {
	b.logger.WithFields(logrus.Fields{
		"source": source,
		"token":  token,
	}).Warn("Dropped non-finite value")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
