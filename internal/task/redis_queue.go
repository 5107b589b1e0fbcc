package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address       string
	Password      string
	DB            int
	Queue         string
	BlockWait     time.Duration
	MaxDeliveries int
}

// RedisQueue 使用 Redis list 实现 AI 任务队列：LPUSH 入队，BRPOP 出队。
// 投递次数记录在 <queue>:deliveries 哈希中，多个进程共享同一计数。
type RedisQueue struct {
	client        redis.UniversalClient
	queue         string
	deliveriesKey string
	wait          time.Duration
	maxDeliveries int
	log           *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列。
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
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端，cfg 中的连接参数被忽略。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		queue:         cfg.Queue,
		wait:          cfg.BlockWait,
		maxDeliveries: cfg.MaxDeliveries,
		log:           logger.Named("task.queue.redis"),
	}
	if q.queue == "" {
		q.queue = "openmcp:aitasks"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	if q.maxDeliveries <= 0 {
		q.maxDeliveries = DefaultMaxDeliveries
	}
	q.deliveriesKey = q.queue + ":deliveries"
	return q
}

// Publish 将任务 ID 推入 Redis 列表。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个协程阻塞读取队列，任一协程遇到连接错误即返回。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed):
					errCh <- err
					return
				case err != nil:
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				q.settle(ctx, values[1], handler(ctx, values[1]))
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// settle 更新投递计数。重新投递的任务排到队列末尾，避免一直占用队首。
func (q *RedisQueue) settle(ctx context.Context, taskID string, handlerErr error) {
	deliveries, err := q.client.HIncrBy(ctx, q.deliveriesKey, taskID, 1).Result()
	if err != nil {
		q.log.Warn("更新投递次数失败", slog.String("task_id", taskID), slog.Any("error", err))
		deliveries = int64(q.maxDeliveries)
	}
	redeliver := shouldRedeliver(handlerErr, int(deliveries), q.maxDeliveries)
	if handlerErr != nil {
		q.log.Warn("处理任务失败", slog.String("task_id", taskID), slog.Int64("deliveries", deliveries),
			slog.Bool("redeliver", redeliver), slog.Any("error", handlerErr))
	}
	if !redeliver {
		q.client.HDel(ctx, q.deliveriesKey, taskID)
		return
	}
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		q.log.Error("任务重新入队失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
