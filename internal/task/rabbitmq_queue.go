package task

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// deliveriesHeader 记录消息已被投递的次数，随重新发布的消息一起传递。
const deliveriesHeader = "x-openmcp-deliveries"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL                string
	Queue              string
	Prefetch           int
	Durable            bool
	AutoDelete         bool
	DeadLetterExchange string
	MaxDeliveries      int
}

// RabbitMQQueue 使用 RabbitMQ 实现 AI 任务队列，消费端手动确认。
type RabbitMQQueue struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	queue         string
	maxDeliveries int
	log           *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。配置了 DeadLetterExchange 时，
// 放弃的消息会被路由到该交换机。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue, maxDeliveries: cfg.MaxDeliveries, log: logger.Named("task.queue.rabbitmq")}
	if q.queue == "" {
		q.queue = "openmcp.aitasks"
	}
	if q.maxDeliveries <= 0 {
		q.maxDeliveries = DefaultMaxDeliveries
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	fail := func(err error, msg string) (*RabbitMQQueue, error) {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, msg)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fail(err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail(err, "设置 RabbitMQ QOS 失败")
		}
	}
	var args amqp.Table
	if cfg.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, args); err != nil {
		return fail(err, "声明 RabbitMQ 队列失败")
	}
	q.conn, q.ch = conn, ch
	return q, nil
}

// Publish 将任务 ID 投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	return q.publish(ctx, taskID, 0)
}

func (q *RabbitMQQueue) publish(ctx context.Context, taskID string, deliveries int) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(taskID),
	}
	if deliveries > 0 {
		msg.Headers = amqp.Table{deliveriesHeader: int32(deliveries)}
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 使用手动确认模式消费队列。需要重新投递的消息带着递增后的计数重新发布，
// 原消息随后确认；放弃的消息 Nack 且不重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.settle(ctx, msg, handler(ctx, string(msg.Body)))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) settle(ctx context.Context, msg amqp.Delivery, handlerErr error) {
	if handlerErr == nil {
		_ = msg.Ack(false)
		return
	}
	taskID := string(msg.Body)
	deliveries := deliveryCount(msg.Headers) + 1
	redeliver := shouldRedeliver(handlerErr, deliveries, q.maxDeliveries)
	q.log.Warn("处理任务失败", slog.String("task_id", taskID), slog.Int("deliveries", deliveries),
		slog.Bool("redeliver", redeliver), slog.Any("error", handlerErr))
	if redeliver {
		if err := q.publish(ctx, taskID, deliveries); err == nil {
			_ = msg.Ack(false)
			return
		}
		q.log.Error("任务重新发布失败，交还给 broker", slog.String("task_id", taskID))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Nack(false, false)
}

// deliveryCount 读取消息头中的投递次数，兼容 broker 解码出的各种整数类型。
func deliveryCount(headers amqp.Table) int {
	switch v := headers[deliveriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
