package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/artifacts"
	"github.com/irfndi/coin-rag/internal/canon"
	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/irfndi/coin-rag/internal/metrics"
	"github.com/irfndi/coin-rag/internal/ml"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/sources"
	"github.com/irfndi/coin-rag/internal/telemetry"
	"github.com/irfndi/coin-rag/internal/utils"
)

// noSignals is the explanation text when every component is zero.
const noSignals = "no strong signals"

// IndexMirror receives every published index after the build lock is released.
// Mirror failures are logged and reported as warnings only.
type IndexMirror interface {
	Name() string
	Publish(ctx context.Context, ix *models.Index) error
}

// Option customizes a RagService.
type Option func(*RagService)

// WithModelLoader sets the learned-model loader. The default never loads a model.
func WithModelLoader(l ml.Loader) Option {
	return func(s *RagService) { s.modelLoader = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(s *RagService) { s.metrics = mc }
}

// WithTracer sets the build tracer.
func WithTracer(t *telemetry.BuildTracer) Option {
	return func(s *RagService) { s.tracer = t }
}

// WithMirrors adds remote index mirrors.
func WithMirrors(mirrors ...IndexMirror) Option {
	return func(s *RagService) { s.mirrors = append(s.mirrors, mirrors...) }
}

// WithCanonicalizer overrides the alias table.
func WithCanonicalizer(c *canon.Canonicalizer) Option {
	return func(s *RagService) { s.canon = c }
}

// WithMirrorRetry sets how often a failed mirror publish is retried. The default is once.
func WithMirrorRetry(policy RetryPolicy) Option {
	return func(s *RagService) { s.mirrorRetry = policy }
}

// WithEventLogger reports completed builds as structured events.
func WithEventLogger(l *logging.StandardLogger) Option {
	return func(s *RagService) { s.events = l }
}

// WithReadOnly disables the snapshot log and run artifacts. Builds still publish in memory.
func WithReadOnly() Option {
	return func(s *RagService) { s.readOnly = true }
}

// WithClock overrides the build clock.
func WithClock(now func() time.Time) Option {
	return func(s *RagService) { s.now = now }
}

// RagService builds the asset index and answers queries against the last published one.
// Builds are serialized; queries never block on a build.
type RagService struct {
	config      *config.Config
	logger      *logrus.Logger
	canon       *canon.Canonicalizer
	loader      *sources.Loader
	builder     *ProfileBuilder
	scorer      *Scorer
	writer      *artifacts.Writer
	sequences   *artifacts.SequenceReader
	modelLoader ml.Loader
	metrics     *metrics.MetricsCollector
	tracer      *telemetry.BuildTracer
	mirrors     []IndexMirror
	mirrorRetry RetryPolicy
	events      *logging.StandardLogger
	readOnly    bool
	now         func() time.Time

	buildMu    sync.Mutex
	index      atomic.Pointer[models.Index]
	generation uint64
	modelOnce  sync.Once
	predictor  ml.Predictor

	// mirrorMu orders mirror publishes; mirrored is the last generation sent.
	mirrorMu sync.Mutex
	mirrored uint64
}

// NewRagService wires a service from configuration. The alias file, when set, is loaded here.
func NewRagService(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*RagService, error) {
	if cfg == nil {
		return nil, utils.NewValidationError("config is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &RagService{
		config:      cfg,
		logger:      logger,
		modelLoader: ml.NullLoader{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.canon == nil {
		if cfg.RAG.AliasFile != "" {
			c, err := canon.LoadAliasFile(cfg.RAG.AliasFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load alias file: %w", err)
			}
			s.canon = c
		} else {
			s.canon = canon.Default()
		}
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewBuildTracer()
	}

	s.loader = sources.NewLoader(cfg.RAG.DataDir, cfg.RAG.Files, logger)
	s.builder = NewProfileBuilder(s.canon, logger)
	s.scorer = NewScorer(cfg.RAG.Weights, cfg.RAG.WinsorP, s.metrics, logger)
	if s.readOnly {
		s.writer = artifacts.NewWriter("", "", logger)
	} else {
		s.writer = artifacts.NewWriter(cfg.RAG.ArtifactsDir, cfg.RAG.SnapshotPath, logger)
	}
	s.sequences = artifacts.NewSequenceReader(cfg.RAG.SnapshotPath)

	return s, nil
}

// loadModel tries the model loader exactly once per service lifetime.
func (s *RagService) loadModel() ml.Predictor {
	s.modelOnce.Do(func() {
		modelCfg := ml.ConfigFrom(s.config.Model, s.config.RAG.RecentSequenceLen)
		p, err := s.safeLoad(modelCfg)
		if err != nil || p == nil {
			s.metrics.RecordModelFallback("unavailable")
			s.logger.WithError(err).Info("Scoring model unavailable, using static weights")
			return
		}
		s.predictor = ml.NewSafePredictor(p, modelCfg.BreakerTrips, modelCfg.BreakerTimeout, s.logger)
		s.logger.WithField("path", modelCfg.Path).Info("Scoring model loaded")
	})
	return s.predictor
}

func (s *RagService) safeLoad(cfg ml.Config) (p ml.Predictor, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	return s.modelLoader.Load(cfg)
}

// Build runs one full pass: load, fold, normalize, score, publish, write artifacts.
// Only an invariant violation fails the build; nothing is published then.
func (s *RagService) Build(ctx context.Context) (*models.BuildResult, error) {
	start := time.Now()
	runID := uuid.New().String()

	ctx, span := s.tracer.StartBuild(ctx, runID)
	defer span.End()

	ix, gen, result, err := s.buildLocked(ctx, runID)
	s.metrics.RecordBuild(time.Since(start), ix.Len(), err)
	s.tracer.RecordBuildResult(span, ix.Len(), err)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"run_id": runID,
		}).WithError(err).Error("Index build failed")
		telemetry.CaptureError(err, map[string]string{"run_id": runID})
		return nil, err
	}

	result.Warnings = append(result.Warnings, s.mirror(ctx, ix, gen)...)

	s.logger.WithFields(logrus.Fields{
		"run_id":        runID,
		"coins_indexed": result.CoinsIndexed,
		"mode":          result.Mode,
		"duration_ms":   time.Since(start).Milliseconds(),
	}).Info("Index published")
	if s.events != nil {
		s.events.LogBuild(runID, result.CoinsIndexed, time.Since(start).Milliseconds(), result.Mode)
	}

	return result, nil
}

// mirror sends ix to every remote mirror outside the build lock. Publishes are
// serialized and an index older than the last mirrored one is skipped, so a slow
// build can never overwrite a newer one remotely.
func (s *RagService) mirror(ctx context.Context, ix *models.Index, gen uint64) []string {
	if len(s.mirrors) == 0 {
		return nil
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if gen <= s.mirrored {
		s.logger.WithFields(logrus.Fields{
			"run_id":     ix.RunID,
			"generation": gen,
			"mirrored":   s.mirrored,
		}).Debug("Skipping mirror of superseded index")
		return nil
	}
	s.mirrored = gen

	var warnings []string
	for _, m := range s.mirrors {
		attempts, err := Retry(ctx, s.mirrorRetry, func(ctx context.Context) error {
			return m.Publish(ctx, ix)
		})
		if err != nil {
			s.metrics.RecordArtifactFailure(m.Name())
			s.logger.WithFields(logrus.Fields{
				"mirror":   m.Name(),
				"run_id":   ix.RunID,
				"attempts": attempts,
			}).WithError(err).Warn("Index mirror failed")
			warnings = append(warnings, fmt.Sprintf("%s: %v", m.Name(), err))
		}
	}
	return warnings
}

func (s *RagService) buildLocked(ctx context.Context, runID string) (*models.Index, uint64, *models.BuildResult, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	predictor := s.loadModel()

	_, loadSpan := s.tracer.StartStage(ctx, "load")
	bundle := s.loader.LoadAll()
	statuses := make([]models.SourceStatus, 0, len(bundle.Results))
	for _, r := range bundle.Results {
		s.metrics.RecordSource(r.Source, string(r.Status))
		s.tracer.RecordSource(loadSpan, r.Source, string(r.Status))
		statuses = append(statuses, r.SourceStatus())
	}
	loadSpan.End()

	_, scoreSpan := s.tracer.StartStage(ctx, "score")
	profiles := s.builder.Build(bundle)
	var recent RecentFunc
	if predictor != nil && s.config.RAG.RecentSequenceLen > 0 {
		recent = func(asset string) []models.FeatureVector {
			return s.sequences.Recent(asset, s.config.RAG.RecentSequenceLen)
		}
	}
	ordered, mode := s.scorer.Score(profiles, predictor, recent)
	scoreSpan.End()

	if err := ValidateLeaderboard(ordered); err != nil {
		return nil, 0, nil, err
	}

	ix := models.NewIndex(runID, s.now(), ordered)
	s.index.Store(ix)
	s.generation++
	gen := s.generation

	_, artifactSpan := s.tracer.StartStage(ctx, "artifacts")
	report := s.writer.Write(ix)
	for _, f := range report.Failures {
		s.metrics.RecordArtifactFailure(f.Artifact)
	}
	artifactSpan.End()

	return ix, gen, &models.BuildResult{
		CoinsIndexed: ix.Len(),
		UpdatedAt:    models.UnixSeconds(ix.UpdatedAt),
		RunID:        runID,
		Mode:         mode,
		Sources:      statuses,
		ArtifactDir:  report.RunDir,
		Warnings:     report.Messages(),
	}, nil
}

// ValidateLeaderboard checks the invariants a publishable index must hold.
func ValidateLeaderboard(ordered []*models.AssetProfile) error {
	seen := make(map[string]struct{}, len(ordered))
	for i, p := range ordered {
		if p == nil || p.Asset == "" {
			return utils.NewInvariantErrorf("", "empty profile at position %d", i)
		}
		if _, dup := seen[p.Asset]; dup {
			return utils.NewInvariantErrorf(p.Asset, "duplicate asset in leaderboard")
		}
		seen[p.Asset] = struct{}{}

		if !finite(p.Score) {
			return utils.NewInvariantErrorf(p.Asset, "non-finite score %v", p.Score)
		}
		for j, v := range p.ScoreBreakdown.Vector() {
			if !finite(v) {
				return utils.NewInvariantErrorf(p.Asset, "non-finite %s", models.FeatureNames[j])
			}
		}
		if p.Evidence < 0 || p.Evidence > models.NumFeatures || p.Evidence != p.Mask().Count() {
			return utils.NewInvariantErrorf(p.Asset, "evidence %d out of range", p.Evidence)
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return utils.NewInvariantErrorf(p.Asset, "confidence %v outside [0,1]", p.Confidence)
		}
		if i > 0 && ordered[i-1].Score < p.Score {
			return utils.NewInvariantErrorf(p.Asset, "leaderboard out of order at position %d", i)
		}
	}
	return nil
}

// Current returns the published index, or nil before the first build.
func (s *RagService) Current() *models.Index {
	return s.index.Load()
}

// Restore publishes an index built elsewhere, such as one read back from a mirror.
// It is validated like a fresh build and is not written to artifacts or mirrors.
func (s *RagService) Restore(ix *models.Index) error {
	if ix == nil {
		return utils.NewValidationError("index is required")
	}
	if err := ValidateLeaderboard(ix.Entries()); err != nil {
		return err
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	s.index.Store(ix)
	s.generation++
	return nil
}

// Explain describes one asset's score. The query is matched exactly, then as an
// alias, then by substring in leaderboard order. A miss is reported, not returned as an error.
func (s *RagService) Explain(query string) models.Explanation {
	ix := s.index.Load()
	q := strings.ToUpper(strings.TrimSpace(query))
	miss := models.Explanation{Coin: query, Found: false}
	if q == "" || ix.Len() == 0 {
		s.metrics.RecordExplain(metrics.ExplainMissed)
		return miss
	}

	p, ok := ix.Get(q)
	kind := metrics.ExplainExact
	if !ok {
		if asset, aliased := s.canon.Canonicalize(q); aliased {
			p, ok = ix.Get(asset)
		}
	}
	if !ok {
		kind = metrics.ExplainFuzzy
		for _, candidate := range ix.Entries() {
			if strings.Contains(candidate.Asset, q) || strings.Contains(q, candidate.Asset) {
				p, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		s.metrics.RecordExplain(metrics.ExplainMissed)
		return miss
	}
	s.metrics.RecordExplain(kind)

	return models.Explanation{
		Coin:       p.Asset,
		Found:      true,
		Score:      p.Score,
		Why:        Why(p.ScoreBreakdown),
		Mode:       p.ScoreBreakdown.Mode,
		Evidence:   p.Evidence,
		Confidence: p.Confidence,
		Sources:    p.UniqueSources(),
		Raw:        p.Clone(),
	}
}

// Why lists the non-zero components as name=+0.00, or "no strong signals".
func Why(b models.ScoreBreakdown) string {
	v := b.Vector()
	parts := make([]string, 0, models.NumFeatures)
	for i, name := range models.FeatureNames {
		if v[i] != 0 {
			parts = append(parts, fmt.Sprintf("%s=%+.2f", name, v[i]))
		}
	}
	if len(parts) == 0 {
		return noSignals
	}
	return strings.Join(parts, ", ")
}

// Close releases the loaded model, if any.
func (s *RagService) Close() error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if c, ok := s.predictor.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
