package ml

import (
	"fmt"
	"os"
	"sync"

	"github.com/irfndi/coin-rag/internal/models"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

var envOnce sync.Once
var envErr error

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			onnxruntime.SetSharedLibraryPath(libraryPath)
		}
		if onnxruntime.IsInitialized() {
			return
		}
		envErr = onnxruntime.InitializeEnvironment()
	})
	return envErr
}

// ONNXLoader loads a scoring model exported to ONNX.
type ONNXLoader struct{}

// Load implements Loader. A disabled config or a missing model file is ErrUnavailable.
func (ONNXLoader) Load(cfg Config) (Predictor, error) {
	if !cfg.Enabled || cfg.Path == "" {
		return nil, ErrUnavailable
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := onnxruntime.NewDynamicAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to load ONNX model: %w", err)
	}

	return &ONNXPredictor{
		session:     session,
		sequenceLen: cfg.SequenceLen,
	}, nil
}

// ONNXPredictor runs a model taking one float32 row of
// features(6) + mask(6) + sequenceLen*6 left-padded history, and returning one score.
type ONNXPredictor struct {
	mu          sync.Mutex
	session     *onnxruntime.DynamicAdvancedSession
	sequenceLen int
}

// InputWidth is the model's expected row width.
func (p *ONNXPredictor) InputWidth() int {
	return InputWidth(p.sequenceLen)
}

// InputWidth returns the row width for a history of sequenceLen vectors.
func InputWidth(sequenceLen int) int {
	return 2*models.NumFeatures + sequenceLen*models.NumFeatures
}

// EncodeInput lays out one model input row.
// The most recent sequenceLen history vectors are kept, padded with zeros at the front.
func EncodeInput(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector, sequenceLen int) []float32 {
	row := make([]float32, InputWidth(sequenceLen))
	for i, v := range features {
		row[i] = float32(v)
	}
	for i, present := range mask {
		if present {
			row[models.NumFeatures+i] = 1
		}
	}
	if sequenceLen <= 0 {
		return row
	}
	if len(recent) > sequenceLen {
		recent = recent[len(recent)-sequenceLen:]
	}
	offset := 2*models.NumFeatures + (sequenceLen-len(recent))*models.NumFeatures
	for _, vec := range recent {
		for i, v := range vec {
			row[offset+i] = float32(v)
		}
		offset += models.NumFeatures
	}
	return row
}

// Predict implements Predictor.
func (p *ONNXPredictor) Predict(features models.FeatureVector, mask models.PresenceMask, recent []models.FeatureVector) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return 0, fmt.Errorf("model session is closed")
	}

	row := EncodeInput(features, mask, recent, p.sequenceLen)
	input, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(len(row))), row)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	result := make([]float32, 1)
	output, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, 1), result)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.session.Run([]onnxruntime.Value{input}, []onnxruntime.Value{output}); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	return float64(output.GetData()[0]), nil
}

// Close releases the session.
func (p *ONNXPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	p.session = nil
	return err
}
