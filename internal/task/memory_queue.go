package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// MemoryQueue 基于带缓冲 channel 的进程内队列，适用于单进程部署与测试。
type MemoryQueue struct {
	ch            chan string
	mu            sync.RWMutex
	closed        bool
	maxDeliveries int
	deliveries    map[string]int
	countMu       sync.Mutex
	log           *slog.Logger
}

// NewMemoryQueue 创建一个内存队列。maxDeliveries 不大于 0 时使用 DefaultMaxDeliveries。
func NewMemoryQueue(size int, maxDeliveries ...int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	q := &MemoryQueue{
		ch:            make(chan string, size),
		maxDeliveries: DefaultMaxDeliveries,
		deliveries:    make(map[string]int),
		log:           logger.Named("task.queue.memory"),
	}
	if len(maxDeliveries) > 0 && maxDeliveries[0] > 0 {
		q.maxDeliveries = maxDeliveries[0]
	}
	return q
}

// Publish 将 AI 任务 ID 投递到队列，队列已满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费队列，直到 ctx 结束或队列关闭且取空。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID, ok := <-q.ch:
					if !ok {
						return
					}
					q.settle(taskID, handler(ctx, taskID))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// settle 记录投递次数，可重试的失败在次数未满时放回队列；队列已满则放弃。
func (q *MemoryQueue) settle(taskID string, err error) {
	q.countMu.Lock()
	q.deliveries[taskID]++
	deliveries := q.deliveries[taskID]
	redeliver := shouldRedeliver(err, deliveries, q.maxDeliveries)
	if !redeliver {
		delete(q.deliveries, taskID)
	}
	q.countMu.Unlock()

	if err != nil {
		q.log.Warn("处理任务失败", slog.String("task_id", taskID), slog.Int("deliveries", deliveries),
			slog.Bool("redeliver", redeliver), slog.Any("error", err))
	}
	if !redeliver {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- taskID:
	default:
		q.log.Error("队列已满，放弃重新投递", slog.String("task_id", taskID))
	}
}

// Close 关闭队列，消费协程在取完剩余消息后退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
