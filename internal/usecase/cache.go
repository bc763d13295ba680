package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/gender-api/internal/logging"
	"github.com/example/gender-api/internal/repository"
)

var errCacheMiss = errors.New("cache miss")

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedClassification struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Gender     string    `json:"gender"`
	Confidence float64   `json:"confidence"`
	Backend    string    `json:"backend"`
	LatencyMs  float64   `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// resultCacheKey scopes entries by owner so a reused request ID can never
// replace another user's result.
func resultCacheKey(userID, requestID string) string {
	return fmt.Sprintf("classification:%s:%s", userID, requestID)
}

func (uc *ClassificationUseCase) cacheResult(ctx context.Context, log *repository.ClassificationLog) error {
	serialized, err := json.Marshal(cachedClassification{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		Gender:     log.Gender,
		Confidence: log.Confidence,
		Backend:    log.Backend,
		LatencyMs:  log.LatencyMs,
		CreatedAt:  log.CreatedAt,
	})
	if err != nil {
		return logging.NewOperationError("cache.serialize.result", log.RequestID, err)
	}

	return uc.withRedisRetry(ctx, log.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(log.UserID, log.RequestID), string(serialized), uc.cacheTTL)
	})
}

// cachedResult returns errCacheMiss when the key is absent.
func (uc *ClassificationUseCase) cachedResult(ctx context.Context, userID, requestID string) (*repository.ClassificationLog, error) {
	var raw string
	err := uc.withRedisRetry(ctx, requestID, "cache.get.result", func() error {
		value, err := uc.cache.Get(ctx, resultCacheKey(userID, requestID))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, errCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var payload cachedClassification
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, logging.NewOperationError("cache.decode.result", requestID, err)
	}
	return &repository.ClassificationLog{
		RequestID:  requestID,
		UserID:     payload.UserID,
		Gender:     payload.Gender,
		Confidence: payload.Confidence,
		Backend:    payload.Backend,
		LatencyMs:  payload.LatencyMs,
		CreatedAt:  payload.CreatedAt,
	}, nil
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !repository.IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
