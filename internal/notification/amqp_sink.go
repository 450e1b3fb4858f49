package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maintflow/internal/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher amqp.Channel 的发布能力
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink 把通知发布到 RabbitMQ topic 交换机，路由键为 notification.<type>
type AMQPSink struct {
	pub      Publisher
	exchange string
	logger   *zap.Logger
	closer   func() error
}

// NewAMQPSink 使用已有通道创建通知出口
func NewAMQPSink(pub Publisher, exchange string, logger *zap.Logger) *AMQPSink {
	return &AMQPSink{pub: pub, exchange: exchange, logger: logger}
}

// DialAMQPSink 连接 RabbitMQ 并声明交换机
func DialAMQPSink(url, exchange string, logger *zap.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ 通道失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("声明交换机失败: %w", err)
	}

	s := NewAMQPSink(ch, exchange, logger)
	s.closer = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	logger.Info("RabbitMQ 通知出口已就绪", zap.String("exchange", exchange))
	return s, nil
}

func (s *AMQPSink) Send(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	err = s.pub.PublishWithContext(ctx, s.exchange, "notification."+req.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         req.Type,
		Body:         body,
	})
	if err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("amqp", "error").Inc()
		return fmt.Errorf("发布通知失败: %w", err)
	}
	metrics.NotificationsSentTotal.WithLabelValues("amqp", "ok").Inc()
	return nil
}

// Close 关闭连接（仅 DialAMQPSink 创建的实例）
func (s *AMQPSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
