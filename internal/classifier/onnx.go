package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/gender-api/internal/imageprocessor"
)

// Tensor layouts accepted by the ONNX backend.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// ModelMetadata describes the ONNX model's input and output contract.
type ModelMetadata struct {
	Classes      []string `json:"classes"`
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Layout       string   `json:"layout"`
	ApplySoftmax bool     `json:"apply_softmax"`
}

// LoadModelMetadata reads and validates a metadata JSON file.
func LoadModelMetadata(path string) (*ModelMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta ModelMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.normalize(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *ModelMetadata) normalize() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	m.Layout = strings.ToLower(m.Layout)
	if m.Layout == "" {
		m.Layout = LayoutNHWC
	}

	if len(m.Classes) != len(Labels) {
		return fmt.Errorf("metadata lists %d classes, want %d", len(m.Classes), len(Labels))
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if !ValidLabel(c) || seen[c] {
			return fmt.Errorf("metadata classes %v must be exactly %v", m.Classes, Labels)
		}
		seen[c] = true
	}

	var want []int64
	switch m.Layout {
	case LayoutNHWC:
		want = []int64{1, imageprocessor.InputSize, imageprocessor.InputSize, imageprocessor.InputChannels}
	case LayoutNCHW:
		want = []int64{1, imageprocessor.InputChannels, imageprocessor.InputSize, imageprocessor.InputSize}
	default:
		return fmt.Errorf("unknown tensor layout %q", m.Layout)
	}
	if len(m.InputShape) == 0 {
		m.InputShape = want
	}
	if !equalShape(m.InputShape, want) {
		return fmt.Errorf("input shape %v does not match %s layout %v", m.InputShape, m.Layout, want)
	}

	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	if elements(m.OutputShape) != int64(len(m.Classes)) {
		return fmt.Errorf("output shape %v does not hold %d scores", m.OutputShape, len(m.Classes))
	}
	return nil
}

// ONNXClassifier runs a local ONNX model through onnxruntime. Each call owns
// its input and output tensors, so concurrent calls share nothing but the
// session.
type ONNXClassifier struct {
	session  *ort.DynamicAdvancedSession
	metadata *ModelMetadata
	logger   *zap.Logger
}

var ortInit sync.Once

// NewONNXClassifier initializes the runtime environment and loads the model.
func NewONNXClassifier(modelPath, metadataPath, libraryPath string, logger *zap.Logger) (*ONNXClassifier, error) {
	meta, err := LoadModelMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	var initErr error
	ortInit.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", initErr)
	}
	if !ort.IsInitialized() {
		return nil, errors.New("ONNX environment is not initialized")
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("onnx model loaded",
		zap.String("model", modelPath),
		zap.Strings("classes", meta.Classes),
		zap.String("layout", meta.Layout))

	return &ONNXClassifier{session: session, metadata: meta, logger: logger}, nil
}

func (c *ONNXClassifier) Classify(ctx context.Context, input *imageprocessor.Tensor) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil || len(input.Data) != int(elements(c.metadata.InputShape)) {
		return nil, errors.New("onnx: input tensor has unexpected size")
	}

	data := input.Data
	if c.metadata.Layout == LayoutNCHW {
		data = toCHW(input)
		defer clear(data)
	}

	in, err := ort.NewTensor(ort.NewShape(c.metadata.InputShape...), data)
	if err != nil {
		return nil, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(c.metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("onnx: create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := c.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return pickLabel(c.metadata.Classes, out.GetData(), c.metadata.ApplySoftmax)
}

func (c *ONNXClassifier) Name() string { return "onnx" }

func (c *ONNXClassifier) Available(context.Context) bool { return c.session != nil }

// Close releases the session and the runtime environment.
func (c *ONNXClassifier) Close() {
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			c.logger.Warn("failed to destroy onnx session", zap.Error(err))
		}
		c.session = nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		c.logger.Warn("failed to destroy onnx environment", zap.Error(err))
	}
}

// pickLabel takes the argmax over scores. Without softmax the scores must
// already be probabilities.
func pickLabel(classes []string, scores []float32, softmax bool) (*Result, error) {
	if len(scores) != len(classes) || len(scores) == 0 {
		return nil, fmt.Errorf("model returned %d scores for %d classes", len(scores), len(classes))
	}

	probs := make([]float64, len(scores))
	for i, s := range scores {
		probs[i] = float64(s)
	}
	if softmax {
		maxScore := probs[0]
		for _, p := range probs[1:] {
			maxScore = math.Max(maxScore, p)
		}
		var sum float64
		for i, p := range probs {
			probs[i] = math.Exp(p - maxScore)
			sum += probs[i]
		}
		for i := range probs {
			probs[i] /= sum
		}
	}

	best := 0
	for i, p := range probs {
		if math.IsNaN(p) {
			return nil, errors.New("model returned NaN score")
		}
		if p > probs[best] {
			best = i
		}
	}

	result := &Result{Label: Label(classes[best]), Confidence: probs[best]}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func toCHW(t *imageprocessor.Tensor) []float32 {
	plane := t.Height * t.Width
	out := make([]float32, len(t.Data))
	for i := 0; i < plane; i++ {
		for ch := 0; ch < t.Channels; ch++ {
			out[ch*plane+i] = t.Data[i*t.Channels+ch]
		}
	}
	return out
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func elements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
