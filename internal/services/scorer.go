package services

import (
	"math"
	"sort"

	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/metrics"
	"github.com/irfndi/coin-rag/internal/ml"
	"github.com/irfndi/coin-rag/internal/models"
	"github.com/irfndi/coin-rag/internal/normalize"
	"github.com/sirupsen/logrus"
)

const (
	// shrinkagePrior pulls low-volume engagement tallies toward neutral.
	shrinkagePrior = 2

	evidenceWeight  = 0.15
	agreementWeight = 0.05

	// ModeMixed is reported when some assets fell back to static weights.
	ModeMixed = "mixed"
)

// ShrinkageRatio maps positive/negative tallies into [-1, 1] with a Laplace-style
// prior. It returns nil when there are no tallies.
func ShrinkageRatio(pos, neg, prior int) *float64 {
	total := pos + neg
	if total <= 0 {
		return nil
	}
	pHat := float64(pos+prior) / float64(total+2*prior)
	return models.Float64Ptr(2*pHat - 1)
}

// Confidence is min(1, 0.15*evidence + 0.05*agree).
func Confidence(evidence, agree int) float64 {
	return math.Min(1.0, evidenceWeight*float64(evidence)+agreementWeight*float64(agree))
}

// Agreement counts the sentiment slots that are non-zero and share the sign of score.
// A zero score agrees with nothing.
func Agreement(v models.FeatureVector, score float64) int {
	if score == 0 {
		return 0
	}
	agree := 0
	for _, x := range []float64{v[0], v[1], v[2], v[5]} {
		if x != 0 && math.Signbit(x) == math.Signbit(score) {
			agree++
		}
	}
	return agree
}

// StaticScore is the weighted sum of the feature vector.
func StaticScore(v models.FeatureVector, w config.WeightsConfig) float64 {
	return w.NewsSent*v[0] +
		w.GeneralSent*v[1] +
		w.FocusSent*v[2] +
		w.Flow*v[3] +
		w.Mentions*v[4] +
		w.TwitterSent*v[5]
}

// RecentFunc supplies an asset's past feature vectors, oldest first.
type RecentFunc func(asset string) []models.FeatureVector

// Scorer turns folded profiles into a ranked leaderboard.
type Scorer struct {
	weights config.WeightsConfig
	winsorP float64
	metrics *metrics.MetricsCollector
	logger  *logrus.Logger
}

// NewScorer creates a scorer with static weights w.
func NewScorer(w config.WeightsConfig, winsorP float64, mc *metrics.MetricsCollector, logger *logrus.Logger) *Scorer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scorer{weights: w, winsorP: winsorP, metrics: mc, logger: logger}
}

// Score normalizes flow and mentions over the current population, scores every
// profile with predictor (or static weights when it is nil or fails) and returns
// the profiles in leaderboard order along with the overall scoring mode.
func (s *Scorer) Score(profiles map[string]*models.AssetProfile, predictor ml.Predictor, recent RecentFunc) ([]*models.AssetProfile, string) {
	flow := make(map[string]float64)
	mentions := make(map[string]float64)
	for asset, p := range profiles {
		if p.HasFlow {
			flow[asset] = p.Flow
		}
		if p.HasMentions {
			mentions[asset] = p.Mentions
		}
	}
	flowZ := normalize.RobustZ(flow, s.winsorP)
	mentionsZ := normalize.RobustZ(mentions, s.winsorP)

	ordered := make([]*models.AssetProfile, 0, len(profiles))
	modelScored, staticScored := 0, 0

	for _, asset := range sortedKeys(profiles) {
		p := profiles[asset]
		p.TwitterSent = ShrinkageRatio(p.TwitterPos, p.TwitterNeg, shrinkagePrior)

		var features models.FeatureVector
		features[0] = valueOrZero(p.NewsSent)
		features[1] = valueOrZero(p.GeneralSent)
		features[2] = valueOrZero(p.FocusSent)
		features[3] = flowZ[asset]
		features[4] = mentionsZ[asset]
		features[5] = valueOrZero(p.TwitterSent)

		mask := p.Mask()
		p.Evidence = mask.Count()

		score, mode := s.scoreOne(asset, features, mask, predictor, recent)
		if mode == models.ModeDynamicModel {
			modelScored++
		} else {
			staticScored++
		}

		p.Score = roundTo(score, 4)
		p.ScoreBreakdown = models.NewScoreBreakdown(features, mode)
		p.Confidence = roundTo(Confidence(p.Evidence, Agreement(features, p.Score)), 3)
		ordered = append(ordered, p)
	}

	SortLeaderboard(ordered)

	switch {
	case modelScored > 0 && staticScored > 0:
		return ordered, ModeMixed
	case modelScored > 0:
		return ordered, models.ModeDynamicModel
	default:
		return ordered, models.ModeStaticWeights
	}
}

func (s *Scorer) scoreOne(asset string, features models.FeatureVector, mask models.PresenceMask, predictor ml.Predictor, recent RecentFunc) (float64, string) {
	if predictor != nil {
		var seq []models.FeatureVector
		if recent != nil {
			seq = recent(asset)
		}
		v, err := predictor.Predict(features, mask, seq)
		if err == nil && finite(v) {
			return v, models.ModeDynamicModel
		}
		s.metrics.RecordModelFallback("predict_error")
		s.logger.WithFields(logrus.Fields{
			"asset": asset,
		}).WithError(err).Debug("Model prediction failed, using static weights")
	}
	return StaticScore(features, s.weights), models.ModeStaticWeights
}

// SortLeaderboard orders by score desc, confidence desc, then asset id asc.
func SortLeaderboard(profiles []*models.AssetProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Asset < b.Asset
	})
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
