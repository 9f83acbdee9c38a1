package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aicpusched/internal/bufpool"
)

// RedisDriver carries Mbuf handles over Redis lists. It is used when the
// scheduler runs on a host and the producers live in other processes.
// Attachment is tracked in a Redis set so every scheduler instance sees it.
type RedisDriver struct {
	client  *redis.Client
	prefix  string
	depth   int64
	timeout time.Duration
}

// NewRedisDriver wraps an existing client. depth <= 0 means unbounded.
func NewRedisDriver(client *redis.Client, prefix string, depth int64) *RedisDriver {
	if prefix == "" {
		prefix = "aicpusd"
	}
	return &RedisDriver{client: client, prefix: prefix, depth: depth, timeout: 2 * time.Second}
}

func (d *RedisDriver) listKey(queueID uint32) string {
	return d.prefix + ":queue:" + strconv.FormatUint(uint64(queueID), 10)
}

func (d *RedisDriver) attachedKey() string { return d.prefix + ":attached" }

func (d *RedisDriver) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.timeout)
}

func (d *RedisDriver) Attach(queueID uint32) error {
	ctx, cancel := d.ctx()
	defer cancel()
	if err := d.client.SAdd(ctx, d.attachedKey(), queueID).Err(); err != nil {
		return fmt.Errorf("attach queue %d: %w", queueID, err)
	}
	return nil
}

func (d *RedisDriver) Detach(queueID uint32) error {
	ctx, cancel := d.ctx()
	defer cancel()
	if err := d.client.SRem(ctx, d.attachedKey(), queueID).Err(); err != nil {
		return fmt.Errorf("detach queue %d: %w", queueID, err)
	}
	return nil
}

func (d *RedisDriver) Enqueue(queueID uint32, m bufpool.Mbuf) error {
	ctx, cancel := d.ctx()
	defer cancel()
	key := d.listKey(queueID)
	if d.depth > 0 {
		n, err := d.client.LLen(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("enqueue queue %d: %w", queueID, err)
		}
		if n >= d.depth {
			return fmt.Errorf("%w: queue %d", ErrFull, queueID)
		}
	}
	if err := d.client.RPush(ctx, key, uint64(m)).Err(); err != nil {
		return fmt.Errorf("enqueue queue %d: %w", queueID, err)
	}
	return nil
}

func (d *RedisDriver) Dequeue(queueID uint32) (bufpool.Mbuf, error) {
	ctx, cancel := d.ctx()
	defer cancel()
	ok, err := d.client.SIsMember(ctx, d.attachedKey(), queueID).Result()
	if err != nil {
		return bufpool.Nil, fmt.Errorf("dequeue queue %d: %w", queueID, err)
	}
	if !ok {
		return bufpool.Nil, fmt.Errorf("%w: queue %d", ErrNotAttached, queueID)
	}
	v, err := d.client.LPop(ctx, d.listKey(queueID)).Result()
	if errors.Is(err, redis.Nil) {
		return bufpool.Nil, ErrEmpty
	}
	if err != nil {
		return bufpool.Nil, fmt.Errorf("dequeue queue %d: %w", queueID, err)
	}
	h, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return bufpool.Nil, fmt.Errorf("dequeue queue %d: bad handle %q: %w", queueID, v, err)
	}
	return bufpool.Mbuf(h), nil
}
