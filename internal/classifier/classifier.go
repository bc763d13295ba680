// Package classifier maps preprocessed image tensors to a gender label.
package classifier

import (
	"context"
	"fmt"
	"math"

	"github.com/example/gender-api/internal/imageprocessor"
)

// Label is one of the closed set of classification outcomes.
type Label string

const (
	LabelMale   Label = "male"
	LabelFemale Label = "female"
)

// Labels lists every valid label in a stable order.
var Labels = []Label{LabelMale, LabelFemale}

// Result is the only artifact allowed to outlive a request.
type Result struct {
	Label      Label
	Confidence float64
}

// Validate enforces the output contract shared by every backend.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("classifier returned no result")
	}
	if !ValidLabel(string(r.Label)) {
		return fmt.Errorf("classifier returned unknown label %q", r.Label)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("classifier returned confidence %v outside [0,1]", r.Confidence)
	}
	return nil
}

// ValidLabel reports whether s names a known label.
func ValidLabel(s string) bool {
	for _, l := range Labels {
		if string(l) == s {
			return true
		}
	}
	return false
}

// Classifier is implemented by every inference backend. Implementations must
// not retain the input tensor after Classify returns.
type Classifier interface {
	Classify(ctx context.Context, input *imageprocessor.Tensor) (*Result, error)
	// Name identifies the backend in logs and stored results.
	Name() string
	// Available reports whether real inference (not the stub) is serving.
	Available(ctx context.Context) bool
}
