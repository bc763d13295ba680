package classifier

import (
	"context"
	"math"
	"math/rand"

	"github.com/example/gender-api/internal/imageprocessor"
)

// Stub confidence range.
const (
	StubMinConfidence = 0.70
	StubMaxConfidence = 0.95
)

// StubClassifier returns a uniformly random label with a confidence drawn
// from [0.70, 0.95]. It carries no predictive value.
type StubClassifier struct {
	float64 func() float64
}

// NewStubClassifier uses the process-wide random source, which is safe for
// concurrent use.
func NewStubClassifier() *StubClassifier {
	return &StubClassifier{float64: rand.Float64}
}

// NewStubClassifierWithSource draws from src, which must return values in
// [0,1) and be safe for the caller's concurrency.
func NewStubClassifierWithSource(src func() float64) *StubClassifier {
	return &StubClassifier{float64: src}
}

func (s *StubClassifier) Classify(ctx context.Context, input *imageprocessor.Tensor) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	label := LabelMale
	if s.float64() >= 0.5 {
		label = LabelFemale
	}
	confidence := StubMinConfidence + s.float64()*(StubMaxConfidence-StubMinConfidence)

	return &Result{
		Label:      label,
		Confidence: math.Round(confidence*100) / 100,
	}, nil
}

func (s *StubClassifier) Name() string { return "stub" }

func (s *StubClassifier) Available(context.Context) bool { return false }
