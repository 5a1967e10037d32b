package ml

import (
	"fmt"
	"math"
	"time"

	"github.com/irfndi/coin-rag/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// SafePredictor guards a Predictor: panics become errors, non-finite
// outputs are rejected, and repeated failures open a circuit breaker so
// a broken model stops being called for a while.
type SafePredictor struct {
	inner  Predictor
	cb     *gobreaker.CircuitBreaker
	logger *logrus.Logger
}

// NewSafePredictor wraps inner. trips is the number of consecutive failures that opens the breaker.
func NewSafePredictor(inner Predictor, trips uint32, openTimeout time.Duration, logger *logrus.Logger) *SafePredictor {
	if trips == 0 {
		trips = 3
	}
	if logger == nil {
		logger = logrus.New()
	}

	st := gobreaker.Settings{Name: "rag-model"}
	st.Timeout = openTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= trips
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.WithFields(logrus.Fields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("Model circuit breaker state changed")
	}

	return &SafePredictor{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
	}
}

// Predict implements Predictor.
func (s *SafePredictor) Predict(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector) (float64, error) {
	out, err := s.cb.Execute(func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("model panicked: %v", r)
			}
		}()
		v, err := s.inner.Predict(features, mask, recent)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("model returned non-finite score %v", v)
		}
		return v, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

// State exposes the breaker state.
func (s *SafePredictor) State() gobreaker.State {
	return s.cb.State()
}

// Close closes the wrapped predictor when it holds resources.
func (s *SafePredictor) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
