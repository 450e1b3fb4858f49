package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maintflow/internal/common"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 任务存储；所有状态变更都是条件写
type Store interface {
	// Insert 写入新任务，去重键被占用时返回 ErrDuplicate
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uint) (*Job, error)
	// FindLive 按去重键查找 pending/processing 任务
	FindLive(ctx context.Context, dedupKey string) (*Job, error)
	// ListDue 到期的 pending 任务，按 scheduled_at、id 升序
	ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Claim 仅当任务仍为 pending 且 scheduled_at <= dueBy 时领取成功，claimed_at 记为 claimedAt
	Claim(ctx context.Context, id uint, token, worker string, dueBy, claimedAt time.Time) (bool, error)
	// Complete 标记完成并在同一事务内写入后继任务
	Complete(ctx context.Context, job *Job, now time.Time, successor *Job) error
	Retry(ctx context.Context, job *Job, errMsg string, nextAt, now time.Time) error
	// Release 交还领取并退回本次尝试次数，任务立即可再次领取
	Release(ctx context.Context, job *Job, now time.Time) error
	Fail(ctx context.Context, job *Job, errMsg string, now time.Time) error
	// ListStale 领取时间早于 before 仍未结束的任务
	ListStale(ctx context.Context, before time.Time, limit int) ([]Job, error)
	ListFailed(ctx context.Context, req common.PaginationRequest) ([]Job, int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}

// StatusCount 按类型与状态统计
type StatusCount struct {
	JobType string `json:"jobType"`
	Status  Status `json:"status"`
	Count   int64  `json:"count"`
}

// GormStore 基于 GORM 的任务存储
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithTx 绑定到外部事务，用于与业务写入同事务投递任务
func (s *GormStore) WithTx(tx *gorm.DB) *GormStore {
	return &GormStore{db: tx}
}

func insertJob(ctx context.Context, db *gorm.DB, job *Job) error {
	// DO NOTHING 避免唯一冲突中断 postgres 事务
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		if common.IsUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return fmt.Errorf("写入任务失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *GormStore) Insert(ctx context.Context, job *Job) error {
	return insertJob(ctx, s.db, job)
}

func (s *GormStore) Get(ctx context.Context, id uint) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).First(&j, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &j, nil
}

func (s *GormStore) FindLive(ctx context.Context, dedupKey string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).
		Where("dedup_key = ? AND status IN ?", dedupKey, []string{string(StatusPending), string(StatusProcessing)}).
		Take(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("按去重键查询任务失败: %w", err)
	}
	return &j, nil
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var out []Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", StatusPending, now.UTC()).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询到期任务失败: %w", err)
	}
	return out, nil
}

func (s *GormStore) Claim(ctx context.Context, id uint, token, worker string, dueBy, claimedAt time.Time) (bool, error) {
	claimedAt = claimedAt.UTC()
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND scheduled_at <= ?", id, StatusPending, dueBy.UTC()).
		Updates(map[string]any{
			"status":      StatusProcessing,
			"attempts":    gorm.Expr("attempts + 1"),
			"claimed_at":  claimedAt,
			"claimed_by":  worker,
			"claim_token": token,
			"updated_at":  claimedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("领取任务失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// guarded 仅更新仍由 job.ClaimToken 持有的 processing 任务
func guarded(db *gorm.DB, job *Job) *gorm.DB {
	return db.Model(&Job{}).Where("id = ? AND status = ? AND claim_token = ?", job.ID, StatusProcessing, job.ClaimToken)
}

func (s *GormStore) Complete(ctx context.Context, job *Job, now time.Time, successor *Job) error {
	now = now.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := guarded(tx, job).Updates(map[string]any{
			"status":       StatusCompleted,
			"processed_at": now,
			"dedup_key":    nil,
			"error":        "",
			"updated_at":   now,
		})
		if res.Error != nil {
			return fmt.Errorf("更新任务完成状态失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrClaimLost
		}
		if successor == nil {
			return nil
		}
		err := insertJob(ctx, tx, successor)
		if errors.Is(err, ErrDuplicate) {
			// 已有存活的同键任务，链条不会中断
			return nil
		}
		return err
	})
}

func (s *GormStore) Retry(ctx context.Context, job *Job, errMsg string, nextAt, now time.Time) error {
	res := guarded(s.db.WithContext(ctx), job).Updates(map[string]any{
		"status":       StatusPending,
		"scheduled_at": nextAt.UTC(),
		"error":        errMsg,
		"claimed_at":   nil,
		"claimed_by":   "",
		"claim_token":  "",
		"updated_at":   now.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("更新任务重试状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *GormStore) Release(ctx context.Context, job *Job, now time.Time) error {
	now = now.UTC()
	res := guarded(s.db.WithContext(ctx), job).Updates(map[string]any{
		"status":       StatusPending,
		"attempts":     gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
		"scheduled_at": now,
		"claimed_at":   nil,
		"claimed_by":   "",
		"claim_token":  "",
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("交还任务领取失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *GormStore) Fail(ctx context.Context, job *Job, errMsg string, now time.Time) error {
	now = now.UTC()
	res := guarded(s.db.WithContext(ctx), job).Updates(map[string]any{
		"status":     StatusFailed,
		"failed_at":  now,
		"error":      errMsg,
		"dedup_key":  nil,
		"updated_at": now,
	})
	if res.Error != nil {
		return fmt.Errorf("更新任务失败状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *GormStore) ListStale(ctx context.Context, before time.Time, limit int) ([]Job, error) {
	var out []Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", StatusProcessing, before.UTC()).
		Order("claimed_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询超时任务失败: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListFailed(ctx context.Context, req common.PaginationRequest) ([]Job, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("status = ?", StatusFailed).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计失败任务失败: %w", err)
	}
	var out []Job
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusFailed).
		Order("failed_at DESC, id DESC").
		Scopes(common.Paginate(req)).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询失败任务失败: %w", err)
	}
	return out, total, nil
}

func (s *GormStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var out []StatusCount
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("job_type, status, COUNT(*) AS count").
		Group("job_type, status").
		Order("job_type, status").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("统计任务状态失败: %w", err)
	}
	return out, nil
}
