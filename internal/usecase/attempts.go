package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/livecapture/internal/capture"
	"github.com/example/livecapture/internal/logging"
	"github.com/example/livecapture/internal/repository"
	"github.com/example/livecapture/internal/verifier"
)

// AttemptRepository defines the persistence operations needed by the use
// case.
type AttemptRepository interface {
	SaveLog(ctx context.Context, log *repository.AttemptLog) error
	FindByAttemptID(ctx context.Context, attemptID string) (*repository.AttemptLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// CaptureMachine is the capture flow as seen from the control API.
type CaptureMachine interface {
	Start(ctx context.Context, identifier string, method verifier.Method) (string, error)
	Confirm() error
	Reset()
	Snapshot() capture.Snapshot
}

// AttemptUseCase owns the process's single capture machine and records
// every terminal verdict in the cache and the database.
type AttemptUseCase struct {
	machine        CaptureMachine
	repo           AttemptRepository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	persistTimeout time.Duration
}

type cachedResult struct {
	AttemptID     string    `json:"attempt_id"`
	Identifier    string    `json:"identifier"`
	Method        string    `json:"method"`
	SessionID     string    `json:"session_id"`
	IsLive        bool      `json:"is_live"`
	Confidence    float64   `json:"confidence"`
	FaceImageRef  string    `json:"face_image_ref"`
	FailureReason string    `json:"failure_reason"`
	ErrorCode     string    `json:"error_code"`
	FrameCount    int       `json:"frame_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewAttemptUseCase constructs a new use case instance.
func NewAttemptUseCase(machine CaptureMachine, repo AttemptRepository, cache Cache, logger *zap.Logger) *AttemptUseCase {
	return &AttemptUseCase{
		machine:        machine,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("attempt_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		persistTimeout: 10 * time.Second,
	}
}

// StartAttempt begins a capture attempt for the identifier.
func (uc *AttemptUseCase) StartAttempt(ctx context.Context, identifier string, method verifier.Method) (string, error) {
	return uc.machine.Start(ctx, identifier, method)
}

// ConfirmAttempt forwards the user's confirmation to the machine.
func (uc *AttemptUseCase) ConfirmAttempt() error {
	return uc.machine.Confirm()
}

// ResetAttempt discards the in-flight attempt, if any.
func (uc *AttemptUseCase) ResetAttempt() {
	uc.machine.Reset()
}

// CurrentAttempt returns the machine snapshot for the control API.
func (uc *AttemptUseCase) CurrentAttempt() capture.Snapshot {
	return uc.machine.Snapshot()
}

// HandleResult is the machine's terminal-result hook: it persists the
// verdict and caches it for fast result lookups. Runs detached from any
// HTTP request.
func (uc *AttemptUseCase) HandleResult(attemptID string, result *verifier.Result, frameCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), uc.persistTimeout)
	defer cancel()

	opLogger := logging.WithOperation(uc.logger, "usecase.handle_result", attemptID)

	log := &repository.AttemptLog{
		AttemptID:     attemptID,
		Identifier:    result.Identifier,
		Method:        string(result.Method),
		SessionID:     result.SessionID,
		IsLive:        result.IsLive,
		Confidence:    result.Confidence,
		FaceImageRef:  result.FaceImageRef,
		FailureReason: result.FailureReason,
		ErrorCode:     result.ErrorCode,
		FrameCount:    frameCount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist attempt log", zap.Error(err))
	}

	cached := cachedResult{
		AttemptID:     log.AttemptID,
		Identifier:    log.Identifier,
		Method:        log.Method,
		SessionID:     log.SessionID,
		IsLive:        log.IsLive,
		Confidence:    log.Confidence,
		FaceImageRef:  log.FaceImageRef,
		FailureReason: log.FailureReason,
		ErrorCode:     log.ErrorCode,
		FrameCount:    log.FrameCount,
		CreatedAt:     log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize attempt result", zap.Error(err))
		return
	}

	if err := uc.withRedisRetry(ctx, attemptID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(attemptID), string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Error("failed to cache attempt result", zap.Error(err))
	}
}

// GetResult retrieves a cached verdict or loads it from persistence.
func (uc *AttemptUseCase) GetResult(ctx context.Context, attemptID string) (*repository.AttemptLog, error) {
	if cached, err := uc.withRedisGet(ctx, attemptID, "cache.get.result", resultCacheKey(attemptID)); err == nil {
		var payload cachedResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", attemptID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.AttemptLog{
				AttemptID:     payload.AttemptID,
				Identifier:    payload.Identifier,
				Method:        payload.Method,
				SessionID:     payload.SessionID,
				IsLive:        payload.IsLive,
				Confidence:    payload.Confidence,
				FaceImageRef:  payload.FaceImageRef,
				FailureReason: payload.FailureReason,
				ErrorCode:     payload.ErrorCode,
				FrameCount:    payload.FrameCount,
				CreatedAt:     payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", attemptID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByAttemptID(ctx, attemptID)
}

func resultCacheKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s", attemptID)
}

func (uc *AttemptUseCase) withRedisRetry(ctx context.Context, attemptID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, attemptID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, attemptID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, attemptID, ctx.Err())
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

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, attemptID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, attemptID, err)
}

func (uc *AttemptUseCase) withRedisGet(ctx context.Context, attemptID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, attemptID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
