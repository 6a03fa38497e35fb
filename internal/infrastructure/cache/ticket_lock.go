package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TicketLock is the atomic create-if-absent primitive backing ticket
// deduplication. The key lives exactly as long as the dedup window, so the
// same (finding-type, site) pair can ticket again once the window passes.
type TicketLock struct {
	client *redis.Client
}

func NewTicketLock(client *redis.Client) *TicketLock {
	return &TicketLock{client: client}
}

// AcquireTicketKey returns true if the caller won the key. Losing the race
// means a ticket for the key already exists or is being created.
func (l *TicketLock) AcquireTicketKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring ticket key: %w", err)
	}
	return acquired, nil
}

// Release drops the key early, for tests and manual intervention paths.
func (l *TicketLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("releasing ticket key: %w", err)
	}
	return nil
}
