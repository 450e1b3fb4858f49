package handlers

import (
	"context"
	"errors"
	"time"

	"maintflow/internal/common"
	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"
	"maintflow/internal/pm"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
)

// PmGenerator PM 生成抽象，便于注入 mock
type PmGenerator interface {
	Generate(ctx context.Context, templateID string, now time.Time) (*pm.Result, error)
	ScanTemplates(ctx context.Context, now time.Time) ([]pm.Result, error)
}

type PmHandler struct {
	generator PmGenerator
	clock     common.Clock
	logger    *zap.Logger
}

func NewPmHandler(generator PmGenerator, clock common.Clock, logger *zap.Logger) *PmHandler {
	return &PmHandler{
		generator: generator,
		clock:     clock,
		logger:    logger,
	}
}

// HandlePmGeneration 评估单个模板并返回下一周期的后继任务
// 载荷未指定模板时评估全部启用模板，不产生后继
func (h *PmHandler) HandlePmGeneration(ctx context.Context, job *jobs.Job) (*jobs.NewJob, error) {
	var p tasks.PmGenerationPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	now := h.clock.Now()

	if p.TemplateID == "" {
		results, err := h.generator.ScanTemplates(ctx, now)
		if err != nil {
			return nil, err
		}
		h.logger.Info("PM 模板扫描完成", zap.Int("templates", len(results)))
		return nil, nil
	}

	res, err := h.generator.Generate(ctx, p.TemplateID, now)
	if errors.Is(err, maintenance.ErrNotFound) || errors.Is(err, pm.ErrInvalidFrequency) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	if res.Inactive {
		h.logger.Info("PM 模板已停用，任务链结束", zap.String("template_id", p.TemplateID))
		return nil, nil
	}

	return &jobs.NewJob{
		Type:        tasks.TypePmGeneration,
		Payload:     tasks.PmGenerationPayload{TemplateID: p.TemplateID},
		ScheduledAt: res.NextDue,
		DedupKey:    tasks.PmDedupKey(p.TemplateID),
	}, nil
}
