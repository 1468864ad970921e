package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Снимаем блокировку, только если она всё ещё наша.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker - блокировка на SETNX с TTL: один инстанс выполняет шаг, остальные пропускают.
type Locker struct {
	rdb   redis.UniversalClient
	owner string
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb, owner: uuid.NewString()}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, l.owner, ttl).Result()
}

func (l *Locker) Unlock(ctx context.Context, key string) error {
	return unlockScript.Run(ctx, l.rdb, []string{key}, l.owner).Err()
}
