// Package lock provides the cross-process pass lock used by scheduler workers.
package lock

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/unlock.lua
var unlockScript string

// RedisLock is a single-key lease. The key expires on its own if the holder
// dies, and only the holder's token can delete it.
type RedisLock struct {
	cmd redis.Cmdable
	key string
	ttl time.Duration
}

func NewRedisLock(cmd redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{cmd: cmd, key: key, ttl: ttl}
}

// TryLock acquires the lease without waiting. ok is false when another
// holder has it.
func (l *RedisLock) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.cmd.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		if err := l.cmd.Eval(ctx, unlockScript, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", l.key, err)
		}
		return nil
	}
	return unlock, true, nil
}
