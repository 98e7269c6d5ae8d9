package patterns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Locker serializes read-modify-write cycles per pattern key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache key prefix for pattern locks
const lockKeyPrefix = "contentloop:pattern-lock:%s"

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis,
// for deployments where several runs may overlap.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	log    logrus.FieldLogger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 50 * time.Millisecond, log: log}
}

// DialRedis parses url and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := fmt.Sprintf(lockKeyPrefix, key)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return func() { l.release(k, token) }, nil
		}

		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release deletes the lock k if it still holds token. A failure is logged;
// the lock then lingers until its TTL expires.
func (l *RedisLocker) release(k, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlockScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"key": k, "ttl": l.ttl}).
			Warn("Failed to release pattern lock")
	}
}
