package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述告警队列的连接参数。
type AMQPConfig struct {
	URL     string
	Queue   string
	Durable bool
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier 将告警事件以 JSON 投递到 RabbitMQ 队列。
type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    publisher
	queue string
}

// NewAMQPNotifier 连接 RabbitMQ 并声明告警队列。
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "opensafe.alerts"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, queue: queue}, nil
}

// Channel 返回 AMQP 渠道。
func (n *AMQPNotifier) Channel() Channel { return ChannelAMQP }

// Notify 投递事件，事件 ID 作为 MessageId。
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 告警通道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Code),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
