package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/gender-api/internal/classifier"
	"github.com/example/gender-api/internal/imageprocessor"
	"github.com/example/gender-api/internal/logging"
	"github.com/example/gender-api/internal/repository"
)

var (
	// ErrHistoryDisabled is returned by lookups when no result store is configured.
	ErrHistoryDisabled = errors.New("result history is disabled")
	// ErrResultNotFound is returned when no stored result matches.
	ErrResultNotFound = errors.New("result not found")
)

const recordTimeout = 2 * time.Second

// InputError marks a failure caused by client-supplied data. Its message is
// safe to return to the caller.
type InputError struct {
	Message string
	Err     error
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return e.Err }

// NewInputError builds an InputError without an underlying cause.
func NewInputError(message string) *InputError {
	return &InputError{Message: message}
}

// ImageDecoder turns a base64 payload into an in-memory image.
type ImageDecoder interface {
	DecodeBase64(payload string) (*imageprocessor.DecodedImage, error)
}

// ImagePreprocessor converts a decoded image into classifier input.
type ImagePreprocessor interface {
	Preprocess(img *imageprocessor.DecodedImage) (*imageprocessor.Tensor, error)
}

// ClassificationRepository defines the persistence operations needed by the use case.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindResult(ctx context.Context, userID, requestID string) (*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ClassifyRequest is one inbound classification.
type ClassifyRequest struct {
	RequestID string
	UserID    string
	Image     string
}

// Classification is the outcome returned to the caller.
type Classification struct {
	RequestID  string
	Gender     classifier.Label
	Confidence float64
	Backend    string
}

// ClassificationUseCase runs decode, preprocess and classify for one request
// and records the result when a store is configured.
type ClassificationUseCase struct {
	decoder      ImageDecoder
	preprocessor ImagePreprocessor
	classifier   classifier.Classifier
	repo         ClassificationRepository
	cache        Cache
	cacheTTL     time.Duration
	logger       *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures optional collaborators.
type Option func(*ClassificationUseCase)

// WithRepository enables durable result history.
func WithRepository(repo ClassificationRepository) Option {
	return func(uc *ClassificationUseCase) { uc.repo = repo }
}

// WithCache enables the short-lived result cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *ClassificationUseCase) {
		uc.cache = cache
		uc.cacheTTL = ttl
	}
}

// NewClassificationUseCase constructs a new use case instance.
func NewClassificationUseCase(decoder ImageDecoder, preprocessor ImagePreprocessor, clf classifier.Classifier, logger *zap.Logger, opts ...Option) *ClassificationUseCase {
	uc := &ClassificationUseCase{
		decoder:        decoder,
		preprocessor:   preprocessor,
		classifier:     clf,
		cacheTTL:       5 * time.Minute,
		logger:         logger.Named("classification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Classify decodes, preprocesses and classifies the submitted image. Client
// data problems come back as *InputError; anything else is internal.
func (uc *ClassificationUseCase) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", req.RequestID)

	result, err := uc.runPipeline(ctx, req.RequestID, req.Image, opLogger)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	opLogger.Debug("classification complete",
		zap.String("gender", string(result.Label)),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("total", latency))

	uc.record(ctx, req, result, latency, opLogger)

	return &Classification{
		RequestID:  req.RequestID,
		Gender:     result.Label,
		Confidence: result.Confidence,
		Backend:    uc.classifier.Name(),
	}, nil
}

// runPipeline owns the decoded image and tensor; both are released on every
// return path, including a recovered panic.
func (uc *ClassificationUseCase) runPipeline(ctx context.Context, requestID, payload string, opLogger *zap.Logger) (result *classifier.Result, err error) {
	var (
		img    *imageprocessor.DecodedImage
		tensor *imageprocessor.Tensor
	)
	defer func() {
		tensor.Release()
		img.Release()
	}()
	defer func() {
		if r := recover(); r != nil {
			opLogger.Error("classification pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = nil
			err = logging.NewOperationError("usecase.classify", requestID, fmt.Errorf("panic: %v", r))
		}
	}()

	stage := time.Now()
	img, err = uc.decoder.DecodeBase64(payload)
	if err != nil {
		var decodeErr *imageprocessor.DecodeError
		if errors.As(err, &decodeErr) {
			opLogger.Info("rejected image payload", zap.Error(err))
			return nil, &InputError{Message: decodeErr.Error(), Err: err}
		}
		wrapped := logging.NewOperationError("usecase.decode", requestID, err)
		opLogger.Error("image decode failed", zap.Error(wrapped))
		return nil, wrapped
	}
	opLogger.Debug("image decoded", zap.String("format", img.Format), zap.Duration("elapsed", time.Since(stage)))

	stage = time.Now()
	tensor, err = uc.preprocessor.Preprocess(img)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.preprocess", requestID, err)
		opLogger.Error("image preprocessing failed", zap.Error(wrapped))
		return nil, wrapped
	}
	// The raster is no longer needed once the tensor exists.
	img.Release()
	opLogger.Debug("image preprocessed", zap.Duration("elapsed", time.Since(stage)))

	stage = time.Now()
	result, err = uc.classifier.Classify(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify_tensor", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped), zap.String("backend", uc.classifier.Name()))
		return nil, wrapped
	}
	if err := result.Validate(); err != nil {
		wrapped := logging.NewOperationError("usecase.validate_result", requestID, err)
		opLogger.Error("classifier broke its output contract", zap.Error(wrapped), zap.String("backend", uc.classifier.Name()))
		return nil, wrapped
	}
	opLogger.Debug("tensor classified", zap.Duration("elapsed", time.Since(stage)))

	return result, nil
}

// record stores the result only. Failures are logged and never change the
// caller's response.
func (uc *ClassificationUseCase) record(ctx context.Context, req ClassifyRequest, result *classifier.Result, latency time.Duration, opLogger *zap.Logger) {
	if uc.repo == nil && uc.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	log := &repository.ClassificationLog{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		Gender:     string(result.Label),
		Confidence: result.Confidence,
		Backend:    uc.classifier.Name(),
		LatencyMs:  float64(latency.Microseconds()) / 1000,
		CreatedAt:  time.Now().UTC(),
	}

	if uc.repo != nil {
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist classification result", zap.Error(err))
		}
	}
	if uc.cache != nil {
		if err := uc.cacheResult(ctx, log); err != nil {
			opLogger.Warn("failed to cache classification result", zap.Error(err))
		}
	}
}

// GetResult returns a recorded classification owned by userID, from the
// cache when possible and from the repository otherwise.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ClassificationLog, error) {
	if uc.repo == nil && uc.cache == nil {
		return nil, ErrHistoryDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		log, err := uc.cachedResult(ctx, userID, requestID)
		switch {
		case err == nil && log.UserID == userID:
			return log, nil
		case err == nil:
			opLogger.Warn("cached result owner mismatch, reading repository")
		case !errors.Is(err, errCacheMiss):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindResult(ctx, userID, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if log.UserID != userID {
		return nil, ErrResultNotFound
	}
	return log, nil
}

// Available reports whether the configured backend performs real inference.
func (uc *ClassificationUseCase) Available(ctx context.Context) bool {
	return uc.classifier.Available(ctx)
}

// Backend names the configured classifier backend.
func (uc *ClassificationUseCase) Backend() string {
	return uc.classifier.Name()
}
