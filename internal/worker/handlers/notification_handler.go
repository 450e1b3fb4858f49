package handlers

import (
	"context"
	"errors"

	"maintflow/internal/jobs"
	"maintflow/internal/notification"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
)

type NotificationHandler struct {
	sink   notification.Sink
	logger *zap.Logger
}

func NewNotificationHandler(sink notification.Sink, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		sink:   sink,
		logger: logger,
	}
}

// HandleNotificationSend 把通知交给通知出口；投递失败由任务队列重试
func (h *NotificationHandler) HandleNotificationSend(ctx context.Context, job *jobs.Job) (*jobs.NewJob, error) {
	var p tasks.NotificationSendPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}

	req := &notification.Request{
		UserID:  p.UserID,
		Type:    p.Type,
		Title:   p.Title,
		Message: p.Message,
		RelatedEntity: notification.RelatedEntity{
			Type: p.RelatedEntity.Type,
			ID:   p.RelatedEntity.ID,
		},
		Metadata: p.Metadata,
	}

	if err := h.sink.Send(ctx, req); err != nil {
		if errors.Is(err, notification.ErrInvalidRequest) {
			return nil, jobs.Permanent(err)
		}
		h.logger.Warn("通知投递失败，等待重试",
			zap.Uint("job_id", job.ID),
			zap.String("user_id", p.UserID),
			zap.Error(err),
		)
		return nil, err
	}
	return nil, nil
}
