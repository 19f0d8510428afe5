package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskroom/domain"
	"taskroom/internal/consts"
)

type backend interface {
	FetchTasks(ctx context.Context, room string) ([]domain.Task, error)
	GetTask(ctx context.Context, room, id string) (domain.Task, error)
	CreateTask(ctx context.Context, room string, draft domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, room, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, room, id string) error
	FetchUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Cache wraps a Storage instance with Redis-backed caching for room fetches.
// Mutations write through to the backend and evict the room's cached
// collection so the next fetch sees the authoritative state.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, room string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, room); ok {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, room)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, room, tasks)
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, room, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, room, id)
}

func (c *Cache) CreateTask(ctx context.Context, room string, draft domain.Task) (domain.Task, error) {
	task, err := c.base.CreateTask(ctx, room, draft)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, room)
	return task, nil
}

func (c *Cache) UpdateTask(ctx context.Context, room, id string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, room, id, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, room)
	return task, nil
}

func (c *Cache) DeleteTask(ctx context.Context, room, id string) error {
	if err := c.base.DeleteTask(ctx, room, id); err != nil {
		return err
	}
	c.evict(ctx, room)
	return nil
}

func (c *Cache) FetchUsers(ctx context.Context) ([]domain.User, error) {
	return c.base.FetchUsers(ctx)
}

func (c *Cache) GetUser(ctx context.Context, id string) (domain.User, error) {
	return c.base.GetUser(ctx, id)
}

func (c *Cache) loadTasks(ctx context.Context, room string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(room)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(room)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(room)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, room string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(room), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, room string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(room)).Err()
}

func tasksCacheKey(room string) string {
	return consts.TasksKeyPrefix + room
}
