package payment

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a processed event id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// Deduper remembers the ids of events that were applied.
type Deduper interface {
	// Seen reports whether id was marked and has not expired.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark records id as applied.
	Mark(ctx context.Context, id string) error
}

var _ Deduper = (*RedisDeduper)(nil)

// RedisDeduper keeps applied ids in Redis so every replica of the consumer
// shares them.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper returns a RedisDeduper storing keys "<prefix><id>".
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Seen checks whether the key for id exists.
func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+id).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check %s", id)
	}
	return n > 0, nil
}

// Mark sets the key for id with the configured TTL.
func (d *RedisDeduper) Mark(ctx context.Context, id string) error {
	if err := d.client.Set(ctx, d.prefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return errors.Wrapf(err, "mark %s", id)
	}
	return nil
}

var _ Deduper = (*MemoryDeduper)(nil)

// MemoryDeduper keeps applied ids in process memory.
type MemoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	marks map[string]time.Time
}

// NewMemoryDeduper returns a MemoryDeduper whose marks expire after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{ttl: ttl, now: time.Now, marks: make(map[string]time.Time)}
}

// Seen reports whether id was marked less than ttl ago.
func (d *MemoryDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.marks[id]
	if !ok {
		return false, nil
	}
	if !d.now().Before(exp) {
		delete(d.marks, id)
		return false, nil
	}
	return true, nil
}

// Mark records id and drops expired marks.
func (d *MemoryDeduper) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.marks {
		if !now.Before(exp) {
			delete(d.marks, k)
		}
	}
	d.marks[id] = now.Add(d.ttl)
	return nil
}
