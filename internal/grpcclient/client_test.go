package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/gender-api/internal/classifier"
	"github.com/example/gender-api/internal/imageprocessor"
	"github.com/example/gender-api/internal/logging"
)

type fakeModelServer struct {
	label      string
	confidence float64
	err        error
	gotValues  int
}

func (f *fakeModelServer) classify(_ context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if f.err != nil {
		return nil, f.err
	}
	values, err := DecodeTensor(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.gotValues = len(values)
	return structpb.NewStruct(map[string]interface{}{
		"label":      f.label,
		"confidence": f.confidence,
	})
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Classify",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeModelServer).classify(ctx, in)
		},
	}},
}

func startModelServer(t *testing.T, model *fakeModelServer) (*RemoteClassifier, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&classifierServiceDesc, model)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	remote, conn, err := DialClassifier(context.Background(), "bufnet", time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return remote, hs
}

func testTensor() *imageprocessor.Tensor {
	data := make([]float32, 12)
	for i := range data {
		data[i] = float32(i) / 12
	}
	return &imageprocessor.Tensor{Data: data, Height: 2, Width: 2, Channels: 3}
}

func TestRemoteClassifierClassify(t *testing.T) {
	model := &fakeModelServer{label: "female", confidence: 0.83}
	remote, _ := startModelServer(t, model)

	res, err := remote.Classify(context.Background(), testTensor())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Label != classifier.LabelFemale || res.Confidence != 0.83 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if model.gotValues != 12 {
		t.Fatalf("expected server to receive 12 values, got %d", model.gotValues)
	}
}

func TestRemoteClassifierRejectsContractViolations(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModelServer
	}{
		{name: "unknown label", model: &fakeModelServer{label: "unknown", confidence: 0.5}},
		{name: "confidence out of range", model: &fakeModelServer{label: "male", confidence: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote, _ := startModelServer(t, tt.model)
			if _, err := remote.Classify(context.Background(), testTensor()); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRemoteClassifierWrapsTransportErrors(t *testing.T) {
	remote, _ := startModelServer(t, &fakeModelServer{err: status.Error(codes.Unavailable, "model warming up")})

	_, err := remote.Classify(context.Background(), testTensor())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "grpcclient.classify" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestRemoteClassifierAvailableFollowsHealth(t *testing.T) {
	remote, hs := startModelServer(t, &fakeModelServer{label: "male", confidence: 0.9})

	if !remote.Available(context.Background()) {
		t.Fatal("expected classifier to be available")
	}

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if remote.Available(context.Background()) {
		t.Fatal("expected classifier to be unavailable")
	}
}

func TestRemoteClassifierRejectsEmptyTensor(t *testing.T) {
	remote := NewRemoteClassifier(nil, time.Second, zap.NewNop())
	if _, err := remote.Classify(context.Background(), &imageprocessor.Tensor{}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestTensorEncodingRoundTrip(t *testing.T) {
	in := []float32{0, 0.25, 1, 0.5}
	out, err := DecodeTensor(encodeTensor(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("DecodeTensor() = %v, want %v", out, in)
		}
	}
	if _, err := DecodeTensor([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned payload")
	}
}
