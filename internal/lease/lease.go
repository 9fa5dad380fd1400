package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lease is held by another owner")

// Lease is a held lock bounded by a TTL. Renew extends the bound for a
// holder still in possession; Release ends it early. Both fail safe
// when the lease already expired and changed hands.
type Lease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release() error
}

// Locker hands out bounded leases on string keys. Acquisition fails
// fast with ErrNotAcquired when another holder owns the key rather
// than blocking.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lua scripts comparing the stored token so a lease that expired and was
// re-acquired by another instance is never renewed or released by the
// stale holder.
var (
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisLocker implements a bounded-lease distributed lock: acquire with
// TTL, renew or fail, release on completion.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// Acquire takes the lease for key with the given TTL. The returned
// lease is token-checked: renewing or releasing after the lease expired
// and changed hands fails without touching the new holder's key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLease{rdb: l.rdb, key: key, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Renew(ctx context.Context, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotAcquired
	}
	return nil
}

func (l *redisLease) Release() error {
	_, err := releaseScript.Run(context.Background(), l.rdb, []string{l.key}, l.token).Result()
	return err
}

// LocalLocker is an in-process Locker for single-instance deployments
// and tests. Leases expire by TTL like the distributed variant.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]*localLease
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]*localLease)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.leases[key]; held && time.Now().Before(cur.expiry) {
		return nil, ErrNotAcquired
	}
	held := &localLease{locker: l, key: key, expiry: time.Now().Add(ttl)}
	l.leases[key] = held
	return held, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	expiry time.Time
}

func (s *localLease) Renew(_ context.Context, ttl time.Duration) error {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	if s.locker.leases[s.key] != s {
		return ErrNotAcquired
	}
	s.expiry = time.Now().Add(ttl)
	return nil
}

func (s *localLease) Release() error {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	if s.locker.leases[s.key] == s {
		delete(s.locker.leases, s.key)
	}
	return nil
}
