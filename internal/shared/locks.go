package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SubmissionLockKey builds redis keys for per-load submission critical
// sections.
func SubmissionLockKey(tenantID, loadID int64) string {
	return fmt.Sprintf("billing:tenant:%d:load:%d:submit", tenantID, loadID)
}

// SubmissionLocks gates concurrent invoice submissions for the same load
// with a redis SETNX lease. The lease expires on its own, so a crashed
// submission never wedges the load.
type SubmissionLocks struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSubmissionLocks constructs the lock helper.
func NewSubmissionLocks(client *redis.Client, ttl time.Duration) *SubmissionLocks {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SubmissionLocks{client: client, ttl: ttl}
}

// Acquire takes the per-load lease. The returned release function only
// deletes the key while this holder still owns it.
func (l *SubmissionLocks) Acquire(ctx context.Context, tenantID, loadID int64) (release func(), acquired bool, err error) {
	key := SubmissionLockKey(tenantID, loadID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("shared: submission lock: %w", err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release = func() {
		// Best effort; the TTL reclaims the lease if redis is unreachable.
		current, err := l.client.Get(context.Background(), key).Result()
		if err != nil || current != token {
			return
		}
		_ = l.client.Del(context.Background(), key).Err()
	}
	return release, true, nil
}
