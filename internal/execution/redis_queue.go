package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "DeFlow/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现执行队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 基于已有客户端创建队列。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "deflow:executions"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将执行 ID 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, executionID string) error {
	if err := q.client.LPush(ctx, q.queue, executionID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布执行失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取执行 ID。处理失败的记录不会重新投递，
// 账本的 Claim 语义保证同一执行不会被处理两次。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				values, err := q.client.BRPop(gctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						return err
					}
					return fmt.Errorf("Redis 取执行失败: %w", err)
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(gctx, values[1])
			}
		})
	}
	return group.Wait()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
