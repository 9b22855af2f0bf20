package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"tasklist/domain"
)

var errStaleSnapshot = errors.New("cache generation moved")

type backend interface {
	Load(ctx context.Context) ([]domain.Task, error)
	Save(ctx context.Context, tasks []domain.Task) error
	Update(ctx context.Context, fn func([]domain.Task) ([]domain.Task, error)) ([]domain.Task, error)
}

// Cache wraps a store with a Redis read-through cache for Load. Writes go to
// the base store and evict the cached collection, so a cached read is at most
// ttl old only when the file is edited behind the service's back.
//
// Every eviction bumps a generation counter in Redis. Load only caches what
// it read when the counter has not moved since, so a slow read cannot put a
// snapshot back after a newer write evicted it, even across processes.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	key    string
	genKey string
}

// NewCache creates a caching wrapper for base. name identifies the collection
// in Redis, usually the backing file path.
func NewCache(base backend, client *redis.Client, name string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:   base,
		redis:  client,
		ttl:    ttl,
		key:    tasksCacheKey(name),
		genKey: tasksCacheKey(name) + ":gen",
	}
}

func (c *Cache) Load(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx); ok {
		return tasks, nil
	}

	gen, ok := c.generation(ctx)
	tasks, err := c.base.Load(ctx)
	if err != nil {
		return nil, err
	}

	if ok {
		c.store(ctx, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) Save(ctx context.Context, tasks []domain.Task) error {
	defer c.evict(ctx)
	return c.base.Save(ctx, tasks)
}

func (c *Cache) Update(ctx context.Context, fn func([]domain.Task) ([]domain.Task, error)) ([]domain.Task, error) {
	defer c.evict(ctx)
	return c.base.Update(ctx, fn)
}

func (c *Cache) loadFromCache(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the file without failing.
			_ = c.redis.Del(ctx, c.key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	return tasks, true
}

// generation reports the current write generation, or false when nothing
// should be cached.
func (c *Cache) generation(ctx context.Context) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, c.genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

// store caches tasks read at generation gen. The write is dropped when an
// eviction happened in between.
func (c *Cache) store(ctx context.Context, gen int64, tasks []domain.Task) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, c.genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, data, c.ttl)
			return nil
		})
		return err
	}, c.genKey)
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	// The request context may already be cancelled; eviction must still happen.
	ctx = context.WithoutCancel(ctx)
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
}

func tasksCacheKey(name string) string {
	return "tasks:" + filepath.Clean(name)
}
