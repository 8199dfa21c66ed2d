package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key value NX PX ttl
//   - NX gives mutual exclusion, the TTL frees the key if the holder dies.
//   - value identifies the holder so Unlock never deletes someone else's lock.
//
// Release: a Lua script compares the value and deletes atomically.
//
// Wallet balances are serialized per wallet id. Several wallets are always
// locked in ascending id order so two transfers A->B and B->A cannot deadlock.
// ============================================================================

var (
	ErrLockFailed  = errors.New("acquire distributed lock failed")
	ErrLockExpired = errors.New("lock expired before release")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client redis.UniversalClient, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock is a single non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return fmt.Errorf("%w: %s", ErrLockFailed, l.key)
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockExpired, l.key)
	}
	return nil
}

// ============================================================================
// Wallet locks
// ============================================================================

// Locker serializes read-modify-write of wallet balances.
type Locker interface {
	LockWallets(ctx context.Context, owner string, walletIDs ...int64) (Release, error)
}

// Release frees every lock taken by one LockWallets call.
type Release func(ctx context.Context) error

type Options struct {
	TTL           time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

type RedisLocker struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisLocker(client redis.UniversalClient, opts Options) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 100
	}
	return &RedisLocker{client: client, opts: opts}
}

func WalletLockKey(walletID int64) string {
	return fmt.Sprintf("wallet:lock:%d", walletID)
}

// LockWallets takes the per-wallet locks in ascending id order. Duplicates and
// zero ids are ignored. On failure, locks already held are released.
// Each call holds its locks under owner plus a fresh token, so a late
// release never frees a lock that expired and was taken again.
func (r *RedisLocker) LockWallets(ctx context.Context, owner string, walletIDs ...int64) (Release, error) {
	ids := normalize(walletIDs)
	held := make([]*DistributedLock, 0, len(ids))
	token := LockToken(owner)

	release := func(ctx context.Context) error {
		var errs []error
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, id := range ids {
		l := NewDistributedLock(r.client, WalletLockKey(id), token, r.opts.TTL)
		if err := l.Lock(ctx, r.opts.RetryInterval, r.opts.MaxRetries); err != nil {
			_ = release(context.WithoutCancel(ctx))
			return nil, err
		}
		held = append(held, l)
	}

	return release, nil
}

// LockToken is the lock value for one acquisition by owner.
func LockToken(owner string) string {
	return owner + ":" + uuid.NewString()
}

func normalize(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
