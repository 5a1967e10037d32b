// Package sources reads the JSON artifacts produced by the upstream pipelines.
// Every loader is defensive: a missing or malformed file yields an empty payload
// and a Result describing why, never an error that aborts the build.
package sources

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/sirupsen/logrus"
)

// Status of one source load
type Status string

const (
	StatusOK     Status = "ok"
	StatusAbsent Status = "absent"
	StatusFailed Status = "failed"
)

// Result describes how one source load went.
type Result struct {
	Source  string
	Path    string
	Status  Status
	Records int
	Skipped int
	Err     error
}

// OK reports whether the source loaded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// SourceStatus converts the result into its reportable form.
func (r Result) SourceStatus() models.SourceStatus {
	s := models.SourceStatus{Source: r.Source, Status: string(r.Status)}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// LabeledText is one news or general sentiment item.
type LabeledText struct {
	Text  string
	Label string
}

// Engagement is one cached tally row keyed by search query.
type Engagement struct {
	Query    string
	Positive int
	Negative int
}

// Bundle is everything read for one build.
type Bundle struct {
	Flow       map[string]float64
	Focus      map[string]float64
	Mentions   map[string]map[string]float64
	General    []LabeledText
	News       []LabeledText
	Engagement []Engagement
	Results    []Result
}

// Loader resolves artifact file names under a data directory.
type Loader struct {
	dir    string
	files  config.FilesConfig
	logger *logrus.Logger
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, files config.FilesConfig, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loader{dir: dir, files: files, logger: logger}
}

// LoadAll reads every source in fold order.
func (l *Loader) LoadAll() Bundle {
	var b Bundle
	var r Result

	b.Flow, r = l.LoadFlow()
	b.Results = append(b.Results, r)
	b.Focus, r = l.LoadFocus()
	b.Results = append(b.Results, r)
	b.Mentions, r = l.LoadMentions()
	b.Results = append(b.Results, r)
	b.General, r = l.LoadGeneral()
	b.Results = append(b.Results, r)
	b.News, r = l.LoadNews()
	b.Results = append(b.Results, r)
	b.Engagement, r = l.LoadEngagement()
	b.Results = append(b.Results, r)

	return b
}

// LoadFlow reads {"aggregated_flows": {token: number}}.
func (l *Loader) LoadFlow() (map[string]float64, Result) {
	var doc struct {
		AggregatedFlows map[string]json.RawMessage `json:"aggregated_flows"`
	}
	res := l.readJSON(models.SourceCoinFlow, l.files.CoinFlow, &doc)
	out := make(map[string]float64)
	if !res.OK() {
		return out, res
	}
	for token, raw := range doc.AggregatedFlows {
		v, ok := parseNumber(raw)
		if !ok {
			res.Skipped++
			continue
		}
		out[token] = v
	}
	res.Records = len(out)
	return out, l.finish(res)
}

// LoadFocus reads {"average_sentiment": {token: number}}.
func (l *Loader) LoadFocus() (map[string]float64, Result) {
	var doc struct {
		AverageSentiment map[string]json.RawMessage `json:"average_sentiment"`
	}
	res := l.readJSON(models.SourceFocusSentiment, l.files.FocusSentiment, &doc)
	out := make(map[string]float64)
	if !res.OK() {
		return out, res
	}
	for token, raw := range doc.AverageSentiment {
		v, ok := parseNumber(raw)
		if !ok {
			res.Skipped++
			continue
		}
		out[token] = v
	}
	res.Records = len(out)
	return out, l.finish(res)
}

// LoadMentions reads {"coin_keywords_filtered": {group: {word: count}}}.
func (l *Loader) LoadMentions() (map[string]map[string]float64, Result) {
	var doc struct {
		CoinKeywordsFiltered map[string]json.RawMessage `json:"coin_keywords_filtered"`
	}
	res := l.readJSON(models.SourceCoinFinder, l.files.CoinFinder, &doc)
	out := make(map[string]map[string]float64)
	if !res.OK() {
		return out, res
	}
	for group, raw := range doc.CoinKeywordsFiltered {
		var counts map[string]json.RawMessage
		if err := json.Unmarshal(raw, &counts); err != nil || counts == nil {
			res.Skipped++
			continue
		}
		words := make(map[string]float64, len(counts))
		for word, rawCount := range counts {
			v, ok := parseNumber(rawCount)
			if !ok {
				res.Skipped++
				continue
			}
			words[word] = v
			res.Records++
		}
		out[group] = words
	}
	return out, l.finish(res)
}

// LoadGeneral reads [{"text": ..., "sentiment": ...}].
func (l *Loader) LoadGeneral() ([]LabeledText, Result) {
	return l.loadLabeled(models.SourceGeneralSentiment, l.files.GeneralSentiment, "sentiment")
}

// LoadNews reads [{"text": ..., "dominant_sentiment": ...}].
func (l *Loader) LoadNews() ([]LabeledText, Result) {
	return l.loadLabeled(models.SourceNewsSentiment, l.files.NewsSentiment, "dominant_sentiment")
}

// LoadEngagement reads [{"query": ..., "positive": n, "negative": n}].
func (l *Loader) LoadEngagement() ([]Engagement, Result) {
	var rows []json.RawMessage
	res := l.readJSON(models.SourceTwitterSentiment, l.files.TwitterCache, &rows)
	out := make([]Engagement, 0, len(rows))
	if !res.OK() {
		return out, res
	}
	for _, raw := range rows {
		var row map[string]json.RawMessage
		if err := json.Unmarshal(raw, &row); err != nil || row == nil {
			res.Skipped++
			continue
		}
		query, _ := parseString(row["query"])
		pos, okPos := parseCount(row["positive"])
		neg, okNeg := parseCount(row["negative"])
		if query == "" || !okPos || !okNeg {
			res.Skipped++
			continue
		}
		out = append(out, Engagement{Query: query, Positive: pos, Negative: neg})
	}
	res.Records = len(out)
	return out, l.finish(res)
}

func (l *Loader) loadLabeled(source, name, labelKey string) ([]LabeledText, Result) {
	var items []json.RawMessage
	res := l.readJSON(source, name, &items)
	out := make([]LabeledText, 0, len(items))
	if !res.OK() {
		return out, res
	}
	for _, raw := range items {
		var item map[string]json.RawMessage
		if err := json.Unmarshal(raw, &item); err != nil || item == nil {
			res.Skipped++
			continue
		}
		text, _ := parseString(item["text"])
		label, _ := parseString(item[labelKey])
		out = append(out, LabeledText{Text: text, Label: label})
	}
	res.Records = len(out)
	return out, l.finish(res)
}

// readJSON decodes the named file into dst, classifying failures.
func (l *Loader) readJSON(source, name string, dst interface{}) Result {
	res := Result{Source: source, Path: filepath.Join(l.dir, name), Status: StatusOK}
	if name == "" {
		res.Status = StatusAbsent
		res.Err = errors.New("no file configured")
		return l.finish(res)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Status = StatusAbsent
		} else {
			res.Status = StatusFailed
		}
		res.Err = err
		return l.finish(res)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("invalid JSON in %s: %w", name, err)
		return l.finish(res)
	}
	return res
}

func (l *Loader) finish(res Result) Result {
	fields := logrus.Fields{
		"source":  res.Source,
		"path":    res.Path,
		"status":  res.Status,
		"records": res.Records,
		"skipped": res.Skipped,
	}
	switch res.Status {
	case StatusOK:
		if res.Skipped > 0 {
			l.logger.WithFields(fields).Warn("Source loaded with skipped entries")
		} else {
			l.logger.WithFields(fields).Debug("Source loaded")
		}
	case StatusAbsent:
		l.logger.WithFields(fields).Info("Source absent")
	default:
		l.logger.WithFields(fields).WithError(res.Err).Warn("Source failed to load")
	}
	return res
}

// parseNumber accepts finite JSON numbers only.
func parseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseCount accepts a non-negative number, truncated to an int. A missing field counts as 0.
func parseCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, true
	}
	v, ok := parseNumber(raw)
	if !ok || v < 0 || v > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}

func parseString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
