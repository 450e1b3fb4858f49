// Package admin 面向管理后台的只读观测与手动触发操作
package admin

import (
	"context"
	"fmt"

	"maintflow/internal/common"
	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
)

// Service 管理服务
type Service struct {
	runner *jobs.Runner
	repo   *maintenance.Repository
	logger *zap.Logger
}

func NewService(runner *jobs.Runner, repo *maintenance.Repository, logger *zap.Logger) *Service {
	return &Service{
		runner: runner,
		repo:   repo,
		logger: logger,
	}
}

// EnqueueScan 手动触发升级扫描；已有扫描在排队或执行时返回该任务，created=false
func (s *Service) EnqueueScan(ctx context.Context) (*jobs.Job, bool, error) {
	job, created, err := s.runner.EnqueueUnique(ctx, jobs.NewJob{
		Type:     tasks.TypeEscalationCheck,
		Payload:  tasks.EscalationCheckPayload{Trigger: "manual"},
		DedupKey: tasks.EscalationDedupKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("投递升级扫描失败: %w", err)
	}
	s.logger.Info("手动触发升级扫描", zap.Uint("job_id", job.ID), zap.Bool("created", created))
	return job, created, nil
}

// GetJobStatus 查询任务
func (s *Service) GetJobStatus(ctx context.Context, id uint) (*jobs.Job, error) {
	return s.runner.Store().Get(ctx, id)
}

// ListActiveEscalations 已升级且未完成的工单，warehouseID 为空时返回全部仓库
func (s *Service) ListActiveEscalations(ctx context.Context, warehouseID string, req common.PaginationRequest) ([]maintenance.WorkOrder, int64, error) {
	return s.repo.ListActiveEscalations(ctx, warehouseID, req)
}

// ListFailedJobs 最终失败的任务，按失败时间倒序
func (s *Service) ListFailedJobs(ctx context.Context, req common.PaginationRequest) ([]jobs.Job, int64, error) {
	return s.runner.Store().ListFailed(ctx, req)
}

// QueueStats 按类型与状态统计任务数
func (s *Service) QueueStats(ctx context.Context) ([]jobs.StatusCount, error) {
	return s.runner.Store().CountByStatus(ctx)
}

// EscalationHistory 工单的升级记录
func (s *Service) EscalationHistory(ctx context.Context, workOrderID string) ([]maintenance.EscalationHistory, error) {
	if _, err := s.repo.GetWorkOrder(ctx, workOrderID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, workOrderID)
}
