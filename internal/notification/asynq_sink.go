package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maintflow/internal/metrics"
	"maintflow/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskEnqueuer asynq.Client 的投递能力
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink 把通知作为 asynq 任务交给通知子系统
type AsynqSink struct {
	client TaskEnqueuer
	queue  string
	logger *zap.Logger
}

// NewAsynqSink 创建 asynq 通知出口
func NewAsynqSink(client TaskEnqueuer, queue string, logger *zap.Logger) *AsynqSink {
	if queue == "" {
		queue = "notifications"
	}
	return &AsynqSink{client: client, queue: queue, logger: logger}
}

func (s *AsynqSink) Send(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeNotificationDeliver, payload)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("asynq", "error").Inc()
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	metrics.NotificationsSentTotal.WithLabelValues("asynq", "ok").Inc()
	s.logger.Debug("通知任务已投递",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("user_id", req.UserID),
	)
	return nil
}
