package classifier

import (
	"context"
	"os"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/gender-api/internal/imageprocessor"
)

// Both tensor types handed to DynamicAdvancedSession.Run must satisfy the
// runtime's tensor interface.
var _ ort.ArbitraryTensor = (*ort.Tensor[float32])(nil)

// TestONNXClassifierRun needs a real runtime and model:
//
//	ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so \
//	ONNX_TEST_MODEL=models/gender.onnx \
//	ONNX_TEST_METADATA=models/model_metadata.json go test ./internal/classifier
func TestONNXClassifierRun(t *testing.T) {
	libPath := os.Getenv("ONNXRUNTIME_LIB")
	modelPath := os.Getenv("ONNX_TEST_MODEL")
	metadataPath := os.Getenv("ONNX_TEST_METADATA")
	if libPath == "" || modelPath == "" || metadataPath == "" {
		t.Skip("ONNXRUNTIME_LIB, ONNX_TEST_MODEL and ONNX_TEST_METADATA must be set")
	}

	clf, err := NewONNXClassifier(modelPath, metadataPath, libPath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to load model: %v", err)
	}
	defer clf.Close()

	if !clf.Available(context.Background()) {
		t.Fatal("expected a loaded model to be available")
	}

	size := imageprocessor.InputSize * imageprocessor.InputSize * imageprocessor.InputChannels
	input := &imageprocessor.Tensor{
		Data:     make([]float32, size),
		Height:   imageprocessor.InputSize,
		Width:    imageprocessor.InputSize,
		Channels: imageprocessor.InputChannels,
	}
	for i := range input.Data {
		input.Data[i] = float32(i%255) / 255
	}

	result, err := clf.Classify(context.Background(), input)
	if err != nil {
		t.Fatalf("inference failed: %v", err)
	}
	if err := result.Validate(); err != nil {
		t.Fatalf("result breaks the contract: %v", err)
	}

	if _, err := clf.Classify(context.Background(), &imageprocessor.Tensor{Data: make([]float32, 3)}); err == nil {
		t.Fatal("expected an error for a mis-sized tensor")
	}
}
