package grpcclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/gender-api/internal/classifier"
	"github.com/example/gender-api/internal/imageprocessor"
	"github.com/example/gender-api/internal/logging"
)

const (
	// ServiceName is the gRPC service the remote model server registers.
	ServiceName = "genderclassifier.v1.Classifier"
	// ClassifyMethod takes a BytesValue holding the little-endian float32 HWC
	// tensor and returns a Struct with "label" and "confidence".
	ClassifyMethod = "/" + ServiceName + "/Classify"

	healthProbeTimeout = 2 * time.Second
)

// DialClassifier returns a remote classifier backed by a lazily connected
// gRPC client; connection problems surface on Classify and Available.
func DialClassifier(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteClassifier, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteClassifier(conn, timeout, logger), conn, nil
}

// RemoteClassifier delegates inference to a model server over gRPC.
type RemoteClassifier struct {
	conn    grpc.ClientConnInterface
	health  healthpb.HealthClient
	timeout time.Duration
	logger  *zap.Logger
}

func NewRemoteClassifier(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *RemoteClassifier {
	return &RemoteClassifier{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: timeout,
		logger:  logger.Named("grpc_classifier"),
	}
}

func (g *RemoteClassifier) Classify(ctx context.Context, input *imageprocessor.Tensor) (*classifier.Result, error) {
	if input == nil || len(input.Data) == 0 {
		return nil, errors.New("grpcclient: empty input tensor")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	payload := encodeTensor(input.Data)
	defer clear(payload)

	req := wrapperspb.Bytes(payload)
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	return decodeResult(resp)
}

func (g *RemoteClassifier) Name() string { return "grpc" }

// Available runs the standard gRPC health check against the classifier service.
func (g *RemoteClassifier) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		g.logger.Debug("classifier health check failed", zap.Error(err))
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func encodeTensor(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeTensor is the server-side inverse of the request encoding.
func DecodeTensor(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("tensor payload length %d is not a multiple of 4", len(payload))
	}
	out := make([]float32, len(payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return out, nil
}

func decodeResult(resp *structpb.Struct) (*classifier.Result, error) {
	fields := resp.GetFields()
	label, ok := fields["label"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, errors.New("grpcclient: response is missing a string label")
	}
	confidence, ok := fields["confidence"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, errors.New("grpcclient: response is missing a numeric confidence")
	}

	result := &classifier.Result{
		Label:      classifier.Label(label.StringValue),
		Confidence: confidence.NumberValue,
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}
