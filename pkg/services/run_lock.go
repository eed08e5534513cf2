package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLocker guarantees at most one active generation run per project.
// Acquire reports false when another run holds the lock; callers reject rather than queue.
type RunLocker interface {
	Acquire(ctx context.Context, projectID, runID uuid.UUID) (bool, error)
	// Refresh extends the lock while the run makes progress.
	Refresh(ctx context.Context, projectID, runID uuid.UUID) error
	// Release is a no-op when runID no longer holds the lock.
	Release(ctx context.Context, projectID, runID uuid.UUID) error
	Locked(ctx context.Context, projectID uuid.UUID) (bool, error)
}

// ============================================================================
// In-process locker
// ============================================================================

type memoryRunLocker struct {
	mu    sync.Mutex
	holds map[uuid.UUID]uuid.UUID
}

// NewMemoryRunLocker creates a RunLocker for a single server process.
func NewMemoryRunLocker() RunLocker {
	return &memoryRunLocker{holds: make(map[uuid.UUID]uuid.UUID)}
}

func (l *memoryRunLocker) Acquire(ctx context.Context, projectID, runID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holds[projectID]; held {
		return false, nil
	}
	l.holds[projectID] = runID
	return true, nil
}

func (l *memoryRunLocker) Refresh(ctx context.Context, projectID, runID uuid.UUID) error {
	return nil
}

func (l *memoryRunLocker) Release(ctx context.Context, projectID, runID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holds[projectID] == runID {
		delete(l.holds, projectID)
	}
	return nil
}

func (l *memoryRunLocker) Locked(ctx context.Context, projectID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, held := l.holds[projectID]
	return held, nil
}

// ============================================================================
// Redis locker
// ============================================================================

// DefaultRunLockTTL bounds how long a crashed process can block a project.
const DefaultRunLockTTL = 10 * time.Minute

const runLockKeyPrefix = "ekaya-decks:run-lock:"

// Compare-and-act scripts so a run never touches a lock another run now holds.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type redisRunLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRunLocker creates a RunLocker shared by every process using the same Redis.
// A zero ttl uses DefaultRunLockTTL.
func NewRedisRunLocker(client redis.UniversalClient, ttl time.Duration) RunLocker {
	if ttl <= 0 {
		ttl = DefaultRunLockTTL
	}
	return &redisRunLocker{client: client, ttl: ttl}
}

func runLockKey(projectID uuid.UUID) string {
	return runLockKeyPrefix + projectID.String()
}

func (l *redisRunLocker) Acquire(ctx context.Context, projectID, runID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockKey(projectID), runID.String(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

func (l *redisRunLocker) Refresh(ctx context.Context, projectID, runID uuid.UUID) error {
	err := refreshScript.Run(ctx, l.client, []string{runLockKey(projectID)},
		runID.String(), l.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh run lock: %w", err)
	}
	return nil
}

func (l *redisRunLocker) Release(ctx context.Context, projectID, runID uuid.UUID) error {
	err := releaseScript.Run(ctx, l.client, []string{runLockKey(projectID)}, runID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (l *redisRunLocker) Locked(ctx context.Context, projectID uuid.UUID) (bool, error) {
	n, err := l.client.Exists(ctx, runLockKey(projectID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check run lock: %w", err)
	}
	return n > 0, nil
}
