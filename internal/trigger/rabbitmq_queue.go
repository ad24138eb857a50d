package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/pkg/logger"
)

// DefaultRabbitMQQueue 为默认的队列名。
const DefaultRabbitMQQueue = "caretaker.triggers"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现触发队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	// 单个工作协程，每次只取一条。
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set rabbitmq qos: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue %s: %w", queue, err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将触发消息投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, t Trigger) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue not initialised")
	}
	payload, err := Encode(t)
	if err != nil {
		return xerrors.Wrap(CodeTriggerPublish, err, "encode trigger")
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   t.ID,
		Timestamp:   t.RequestedAt,
		Body:        payload,
	})
	if err != nil {
		return xerrors.Wrap(CodeTriggerPublish, err, fmt.Sprintf("publish to %s", q.queue))
	}
	return nil
}

// Consume 使用手动确认模式逐条消费。无论处理结果如何都会确认，失败不重投。
func (q *RabbitMQQueue) Consume(ctx context.Context, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq queue not initialised")
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", q.queue, err)
	}

	log := logger.Named("trigger.rabbitmq")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			t, err := Decode(msg.Body)
			if err != nil {
				log.Warn("dropping malformed trigger", slog.Any("error", err))
			} else {
				_ = handler(ctx, t)
			}
			if err := msg.Ack(false); err != nil {
				log.Warn("ack failed", slog.Any("error", err))
			}
		}
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
