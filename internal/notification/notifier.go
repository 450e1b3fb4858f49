package notification

import (
	"context"
	"errors"
	"fmt"

	"maintflow/internal/metrics"

	"go.uber.org/zap"
)

// Sink 通知出口；投递成功即返回，送达由通知子系统负责
type Sink interface {
	Send(ctx context.Context, req *Request) error
}

// Request 通知请求
type Request struct {
	UserID        string         `json:"user_id"`
	Type          string         `json:"type"` // work_order_escalated 等
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	RelatedEntity RelatedEntity  `json:"related_entity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RelatedEntity 通知关联的业务对象
type RelatedEntity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// 通知类型
const (
	TypeWorkOrderEscalated  = "work_order_escalated"
	TypeWorkOrderReassigned = "work_order_reassigned"
)

var ErrInvalidRequest = errors.New("通知请求无效")

// Validate 校验必填字段
func (r *Request) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: 缺少接收人", ErrInvalidRequest)
	}
	if r.Type == "" || r.Title == "" {
		return fmt.Errorf("%w: 缺少类型或标题", ErrInvalidRequest)
	}
	return nil
}

// LogSink 只写日志，用于本地开发
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.logger.Info("通知已记录",
		zap.String("user_id", req.UserID),
		zap.String("type", req.Type),
		zap.String("title", req.Title),
		zap.String("entity_type", req.RelatedEntity.Type),
		zap.String("entity_id", req.RelatedEntity.ID),
	)
	metrics.NotificationsSentTotal.WithLabelValues("log", "ok").Inc()
	return nil
}
