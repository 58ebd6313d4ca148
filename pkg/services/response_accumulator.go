package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultAccumulatorTTL bounds how long a partial reply is kept without updates.
const DefaultAccumulatorTTL = 10 * time.Minute

const accumulatorKeyPrefix = "knowted:webhook_chat:reply:"

// ResponseAccumulator collects partial replies keyed by chat session.
// Every entry expires after the store's TTL unless appended to again.
type ResponseAccumulator interface {
	// Append adds text to the entry for key, creating it if needed, and
	// refreshes its expiry.
	Append(ctx context.Context, key, text string) error
	// Get returns the accumulated text and whether an entry exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Complete returns the accumulated text and removes the entry.
	Complete(ctx context.Context, key string) (string, error)
	Close() error
}

type accumulatorEntry struct {
	text      string
	expiresAt time.Time
}

type memoryAccumulator struct {
	mu      sync.Mutex
	entries map[string]*accumulatorEntry
	ttl     time.Duration
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryAccumulator creates an in-process accumulator. A background
// janitor evicts expired entries until Close is called.
func NewMemoryAccumulator(ttl time.Duration) ResponseAccumulator {
	return newMemoryAccumulator(ttl, time.Now)
}

func newMemoryAccumulator(ttl time.Duration, now func() time.Time) *memoryAccumulator {
	if ttl <= 0 {
		ttl = DefaultAccumulatorTTL
	}
	a := &memoryAccumulator{
		entries: make(map[string]*accumulatorEntry),
		ttl:     ttl,
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.janitor(janitorInterval(ttl))
	return a
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (a *memoryAccumulator) Append(_ context.Context, key, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	entry, ok := a.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &accumulatorEntry{}
		a.entries[key] = entry
	}
	entry.text += text
	entry.expiresAt = now.Add(a.ttl)
	return nil
}

func (a *memoryAccumulator) Get(_ context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[key]
	if !ok || a.now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.text, true, nil
}

func (a *memoryAccumulator) Complete(_ context.Context, key string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries[key]
	if !ok {
		return "", nil
	}
	delete(a.entries, key)
	if a.now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.text, nil
}

func (a *memoryAccumulator) Close() error {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
	})
	return nil
}

func (a *memoryAccumulator) janitor(interval time.Duration) {
	defer close(a.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.evictExpired()
		}
	}
}

func (a *memoryAccumulator) evictExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	evicted := 0
	for key, entry := range a.entries {
		if now.After(entry.expiresAt) {
			delete(a.entries, key)
			evicted++
		}
	}
	return evicted
}

type redisAccumulator struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAccumulator creates an accumulator shared by every gateway instance
// connected to rdb. Expiry is delegated to Redis. Close does not close rdb.
func NewRedisAccumulator(rdb *redis.Client, ttl time.Duration) ResponseAccumulator {
	if ttl <= 0 {
		ttl = DefaultAccumulatorTTL
	}
	return &redisAccumulator{rdb: rdb, ttl: ttl}
}

func (a *redisAccumulator) Append(ctx context.Context, key, text string) error {
	k := accumulatorKeyPrefix + key
	_, err := a.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Append(ctx, k, text)
		pipe.Expire(ctx, k, a.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append reply: %w", err)
	}
	return nil
}

func (a *redisAccumulator) Get(ctx context.Context, key string) (string, bool, error) {
	text, err := a.rdb.Get(ctx, accumulatorKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read reply: %w", err)
	}
	return text, true, nil
}

func (a *redisAccumulator) Complete(ctx context.Context, key string) (string, error) {
	text, err := a.rdb.GetDel(ctx, accumulatorKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to complete reply: %w", err)
	}
	return text, nil
}

func (a *redisAccumulator) Close() error {
	return nil
}

var (
	_ ResponseAccumulator = (*memoryAccumulator)(nil)
	_ ResponseAccumulator = (*redisAccumulator)(nil)
)
