package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

const lockPrefix = "coin-resolver:lock:"

// TryLock acquires a cluster-wide lock using the Redlock algorithm. ok is
// false when another replica holds it. The returned release is safe to call
// once the job is done; a lock that already expired is not an error.
func (c *Client) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lockPrefix + name

	expiry, err := c.lockManager.Lock(ctx, key, ttl)
	if err != nil {
		// Lock not acquired - another replica has it
		logger.Debug("lock already held elsewhere", zap.String("lock_name", key))
		return nil, false, nil
	}
	if expiry <= 0 {
		return nil, false, fmt.Errorf("failed to acquire lock: invalid expiry %v", expiry)
	}

	logger.Debug("lock acquired",
		zap.String("lock_name", key),
		zap.Duration("ttl", ttl),
		zap.Duration("expiry", expiry),
	)

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.lockManager.UnLock(unlockCtx, key); err != nil {
			logger.Warn("failed to release lock (may have already expired)",
				zap.String("lock_name", key),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
