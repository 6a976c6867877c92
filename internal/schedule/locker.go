package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a named lease shared by every scheduler instance. TryLock
// returns false while another holder owns an unexpired lease.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// LeaseStore persists leases; *queue.SQLite implements it
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// LeaseLocker locks through a LeaseStore under a random holder id
type LeaseLocker struct {
	leases LeaseStore
	holder string
}

// NewLeaseLocker creates a locker with a fresh holder id
func NewLeaseLocker(leases LeaseStore) *LeaseLocker {
	return &LeaseLocker{leases: leases, holder: uuid.NewString()}
}

func (l *LeaseLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.leases.TryAcquireLease(ctx, name, l.holder, ttl)
}

func (l *LeaseLocker) Unlock(ctx context.Context, name string) error {
	return l.leases.ReleaseLease(ctx, name, l.holder)
}

// releaseScript deletes the key only if the caller still holds it
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker locks with SET NX PX
type RedisLocker struct {
	client *redis.Client
	holder string
}

// NewRedisLocker creates a locker with a fresh holder id
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, holder: uuid.NewString()}
}

func (l *RedisLocker) key(name string) string {
	return "profile_refresh:lock:" + name
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lock %s: %w", name, err)
	}
	return ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.holder).Err(); err != nil {
		return fmt.Errorf("failed to release redis lock %s: %w", name, err)
	}
	return nil
}

// LocalLocker keeps leases in process memory, for single-instance setups
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewLocalLocker creates an empty locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, held := l.leases[name]; held && now.Before(expires) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}
