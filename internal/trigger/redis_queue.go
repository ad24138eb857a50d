package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/pkg/logger"
)

// DefaultRedisQueue 为默认的 Redis list 键名。
const DefaultRedisQueue = "caretaker:triggers"

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现触发队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将触发消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, t Trigger) error {
	payload, err := Encode(t)
	if err != nil {
		return xerrors.Wrap(CodeTriggerPublish, err, "encode trigger")
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(CodeTriggerPublish, err, fmt.Sprintf("push to %s", q.queue))
	}
	return nil
}

// Consume 通过 BRPOP 逐条获取消息。处理失败的消息直接丢弃。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	log := logger.Named("trigger.redis")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("pop from %s: %w", q.queue, err)
		}
		if len(values) != 2 {
			continue
		}
		t, err := Decode([]byte(values[1]))
		if err != nil {
			log.Warn("dropping malformed trigger", slog.Any("error", err))
			continue
		}
		_ = handler(ctx, t)
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
