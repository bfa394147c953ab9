package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/openfund/payment-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("reward already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// IdempotencyConfig controls the Redis keys guarding reward generation.
// The short-lived lock prevents two consumers working the same donation
// at once; the processed marker survives long enough to absorb stream
// redeliveries.
type IdempotencyConfig struct {
	LockTTL      time.Duration
	ProcessedTTL time.Duration
	MaxRetries   int

	LockKeyPrefix      string
	RetryKeyPrefix     string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		LockKeyPrefix:      "reward:lock:",
		RetryKeyPrefix:     "reward:retry:",
		ProcessedKeyPrefix: "reward:done:",
	}
}

type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

// ProcessingContext is the token for one held lock.
type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
}

// AcquireProcessingLock checks the processed marker and retry budget and
// takes the per-donation lock via SETNX.
func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, key string) (*ProcessingContext, error) {
	exists, err := s.redis.Exist(s.config.ProcessedKeyPrefix + key)
	if err != nil {
		// A failed check must not block the pipeline, worst case is a
		// duplicate attempt that the database layer absorbs.
		logger.Warn("failed to check processed marker", "key", key, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.retryCount(key)
	if err != nil {
		logger.Warn("failed to read retry counter", "key", key, "error", err)
	}
	if retryCount >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retryCount)
	}

	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	acquired, err := s.redis.SetNX(s.config.LockKeyPrefix+key, lockValue, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &ProcessingContext{
		Key:          key,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
	}, nil
}

// MarkSuccess sets the long-term processed marker and clears the lock
// and retry counter.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(s.config.ProcessedKeyPrefix+pc.Key, []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("failed to set processed marker: %w", err)
	}

	if err := s.redis.Del(s.config.LockKeyPrefix + pc.Key); err != nil {
		logger.Warn("failed to clean up lock", "key", pc.Key, "error", err)
	}
	if err := s.redis.Del(s.config.RetryKeyPrefix + pc.Key); err != nil {
		logger.Warn("failed to clean up retry counter", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false
	return nil
}

// MarkFailure bumps the retry counter and releases the lock so another
// delivery can take over.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	retryValue := []byte(fmt.Sprintf("%d", pc.RetryCount+1))
	if err := s.redis.Set(s.config.RetryKeyPrefix+pc.Key, retryValue, s.config.ProcessedTTL); err != nil {
		logger.Error("failed to increment retry counter", "key", pc.Key, "error", err)
	}

	if err := s.redis.Del(s.config.LockKeyPrefix + pc.Key); err != nil {
		logger.Warn("failed to remove lock", "key", pc.Key, "error", err)
	}
	pc.lockAcquired = false

	logger.Warn("reward processing failed, will retry",
		"key", pc.Key,
		"retry_count", pc.RetryCount+1,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return nil
}

// ReleaseLock drops the lock without touching markers or counters.
func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if err := s.redis.Del(s.config.LockKeyPrefix + pc.Key); err != nil {
		logger.Warn("failed to release lock", "key", pc.Key, "error", err)
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := s.redis.Exist(s.config.ProcessedKeyPrefix + key)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (s *IdempotencyService) retryCount(key string) (int, error) {
	raw, err := s.redis.Get(s.config.RetryKeyPrefix + key)
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	fmt.Sscanf(string(raw), "%d", &count)
	return count, nil
}
