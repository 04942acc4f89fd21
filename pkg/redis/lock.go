package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld 锁已被其他实例持有
var ErrLockHeld = errors.New("lock already held")

// LockOptions redsync 互斥锁参数
type LockOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultLockOptions 只尝试一次：拿不到锁说明另一个实例正在执行
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     30 * time.Second,
		Tries:      1,
		RetryDelay: 100 * time.Millisecond,
	}
}

// LockManager 基于 redsync 的分布式锁
type LockManager struct {
	rs     *redsync.Redsync
	opts   LockOptions
	logger *zap.Logger
}

func NewLockManager(rdb *redis.Client, opts LockOptions, logger *zap.Logger) *LockManager {
	return &LockManager{
		rs:     redsync.New(goredis.NewPool(rdb)),
		opts:   opts,
		logger: logger,
	}
}

// WithLock 持有锁期间执行 fn。锁被占用时返回 ErrLockHeld。
func (m *LockManager) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	mutex := m.rs.NewMutex(
		"lock:"+name,
		redsync.WithExpiry(m.opts.Expiry),
		redsync.WithTries(m.opts.Tries),
		redsync.WithRetryDelay(m.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	defer func() {
		// 使用独立的 context，保证 ctx 取消后仍然释放锁
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			m.logger.Warn("Failed to release lock",
				zap.String("lock", name),
				zap.Bool("ok", ok),
				zap.Error(err),
			)
		}
	}()

	return fn(ctx)
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) ||
		errors.As(err, &taken) ||
		strings.Contains(err.Error(), "lock already taken")
}
