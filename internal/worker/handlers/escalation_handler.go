package handlers

import (
	"context"
	"time"

	"maintflow/internal/common"
	"maintflow/internal/escalation"
	"maintflow/internal/jobs"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
)

// EscalationScanner 升级扫描抽象，便于注入 mock
type EscalationScanner interface {
	Scan(ctx context.Context, now time.Time) ([]escalation.Action, error)
}

type EscalationHandler struct {
	scanner EscalationScanner
	clock   common.Clock
	logger  *zap.Logger
}

func NewEscalationHandler(scanner EscalationScanner, clock common.Clock, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{
		scanner: scanner,
		clock:   clock,
		logger:  logger,
	}
}

// HandleEscalationCheck 执行一次升级扫描；扫描不产生后继任务，由调度器周期投递
func (h *EscalationHandler) HandleEscalationCheck(ctx context.Context, job *jobs.Job) (*jobs.NewJob, error) {
	var p tasks.EscalationCheckPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}

	actions, err := h.scanner.Scan(ctx, h.clock.Now())
	if err != nil {
		h.logger.Error("升级扫描失败", zap.String("trigger", p.Trigger), zap.Error(err))
		return nil, err
	}

	h.logger.Info("升级扫描任务完成",
		zap.Uint("job_id", job.ID),
		zap.String("trigger", p.Trigger),
		zap.Int("escalated", len(actions)),
	)
	return nil, nil
}
