package main

import (
	"fmt"

	"maintflow/internal/config"
	"maintflow/internal/infra"
	"maintflow/internal/logger"
	"maintflow/internal/notification"

	"github.com/hibiken/asynq"
)

// newSink 按 notification.driver 选择通知出口，返回的 close 函数总是可调用
func newSink(cfg *config.Config) (notification.Sink, func(), error) {
	log := logger.Named("notification")
	nc := cfg.Notification

	switch nc.Driver {
	case "asynq":
		client := asynq.NewClient(infra.AsynqConnOpt(&cfg.Redis))
		return notification.NewAsynqSink(client, nc.Queue, log), func() { _ = client.Close() }, nil
	case "amqp":
		s, err := notification.DialAMQPSink(nc.AMQPURL, nc.Exchange, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "log", "":
		return notification.NewLogSink(log), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("不支持的通知驱动: %s", nc.Driver)
	}
}
