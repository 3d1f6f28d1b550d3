package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRedisTTL     = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	defaultMaxWait      = 5 * time.Second
	defaultKeyPrefix    = "reconciler:lock:"
)

// unlockScript удаляет ключ, только если значение совпадает с токеном владельца.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store — минимальный набор операций Redis, нужный блокировке.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	// CompareAndDelete атомарно удаляет key, если его значение равно value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisOptions настраивает распределённую блокировку.
type RedisOptions struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *log.Entry
}

// Redis — блокировка через SET NX PX с токеном владельца в значении ключа.
// TTL страхует от упавшего держателя.
type Redis struct {
	store Store
	opts  RedisOptions
}

// NewRedis создаёт распределённый Locker поверх Store.
func NewRedis(store Store, opts RedisOptions) (*Redis, error) {
	if store == nil {
		return nil, errors.New("redis store required for lock")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "order-lock")
	}
	return &Redis{store: store, opts: opts}, nil
}

// Lock опрашивает Redis с постоянным интервалом, пока ключ не освободится,
// не истечёт MaxWait или не отменится ctx. Ошибки SetNX тоже повторяются
// в пределах MaxWait; если Redis так и не ответил, возвращается последняя ошибка.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := r.opts.Prefix + key
	owner := uuid.NewString()

	backoff := retry.WithMaxDuration(r.opts.MaxWait, retry.NewConstant(r.opts.PollInterval))
	errBusy := errors.New("lock busy")

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := r.store.SetNX(ctx, fullKey, owner, r.opts.TTL)
		if err != nil {
			r.opts.Logger.WithError(err).WithField("key", fullKey).Debug("setnx failed, retrying")
			return retry.RetryableError(fmt.Errorf("setnx: %w", err))
		}
		if !ok {
			return retry.RetryableError(errBusy)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(fullKey, owner) })
	}, nil
}

// release удаляет ключ, только если им всё ещё владеет этот вызов.
func (r *Redis) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	deleted, err := r.store.CompareAndDelete(ctx, key, owner)
	if err != nil {
		r.opts.Logger.WithError(err).WithField("key", key).Warn("release lock failed")
		return
	}
	if !deleted {
		r.opts.Logger.WithField("key", key).Warn("lock expired before release")
	}
}

// RedisStore адаптирует *redis.Client к Store.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore оборачивает клиент go-redis.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	deleted, err := unlockScript.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// Ping проверяет соединение для readiness.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Locker = (*Redis)(nil)
