// Package ml holds the optional learned-scoring hook.
package ml

import (
	"errors"
	"time"

	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/models"
)

// ErrUnavailable means no model is configured or it could not be loaded.
var ErrUnavailable = errors.New("scoring model unavailable")

// Config selects and tunes the model.
type Config struct {
	Enabled        bool
	Path           string
	LibraryPath    string
	InputName      string
	OutputName     string
	SequenceLen    int
	BreakerTrips   uint32
	BreakerTimeout time.Duration
}

// ConfigFrom adapts the application config.
func ConfigFrom(cfg config.ModelConfig, sequenceLen int) Config {
	return Config{
		Enabled:        cfg.Enabled,
		Path:           cfg.Path,
		LibraryPath:    cfg.LibraryPath,
		InputName:      cfg.InputName,
		OutputName:     cfg.OutputName,
		SequenceLen:    sequenceLen,
		BreakerTrips:   cfg.Breaker.ConsecutiveFailures,
		BreakerTimeout: config.Duration(cfg.Breaker.OpenTimeout, 60*time.Second),
	}
}

// Predictor scores one asset from its features, presence mask and
// up to SequenceLen past feature vectors (oldest first).
type Predictor interface {
	Predict(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector) (float64, error)
}

// Loader produces a Predictor, or ErrUnavailable.
type Loader interface {
	Load(cfg Config) (Predictor, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(cfg Config) (Predictor, error)

// Load implements Loader.
func (f LoaderFunc) Load(cfg Config) (Predictor, error) {
	return f(cfg)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector) (float64, error)

// Predict implements Predictor.
func (f PredictorFunc) Predict(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector) (float64, error) {
	return f(features, mask, recent)
}

// NullLoader never yields a model.
type NullLoader struct{}

// Load implements Loader.
func (NullLoader) Load(Config) (Predictor, error) {
	return nil, ErrUnavailable
}
