package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 fanout 交换机参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher 把状态投递到 fanout 交换机，路由键为智能体 ID。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agent.status"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 返回渠道名。
func (p *RabbitMQPublisher) Name() string { return "rabbitmq" }

// Publish 将消息投递到交换机。
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化广播消息失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, msg.Payload.AgentID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Type:         msg.Event,
		Body:         encoded,
	})
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
