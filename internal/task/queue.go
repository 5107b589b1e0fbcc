package task

import (
	"context"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// DefaultMaxDeliveries 是一个任务 ID 在可重试失败后最多被投递的总次数。
const DefaultMaxDeliveries = 3

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
// 处理器返回可重试错误时任务会被重新投递，直到达到最大投递次数。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// shouldRedeliver 根据处理结果与已投递次数判断是否重新入队。
func shouldRedeliver(err error, deliveries, maxDeliveries int) bool {
	if err == nil || !xerrors.RetryableError(err) {
		return false
	}
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return deliveries < maxDeliveries
}
