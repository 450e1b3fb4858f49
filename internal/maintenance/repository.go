package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maintflow/internal/common"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository 工单、模板、规则与升级历史的存储访问
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB 返回底层连接（事务内为事务句柄）
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Transaction 在事务中执行 fn，fn 收到绑定事务的 Repository
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

func inactiveStatusValues() []string {
	out := make([]string, 0, len(InactiveStatuses))
	for _, s := range InactiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("查询%s失败: %w", what, err)
}

// ---- PM 模板 ----

// GetTemplate 按 ID 获取模板
func (r *Repository) GetTemplate(ctx context.Context, id string) (*PmTemplate, error) {
	var t PmTemplate
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "PM 模板 "+id)
	}
	return &t, nil
}

// ListActiveTemplates 列出所有启用的模板
func (r *Repository) ListActiveTemplates(ctx context.Context) ([]PmTemplate, error) {
	var out []PmTemplate
	err := r.db.WithContext(ctx).Scopes(common.ActiveOnly()).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询启用模板失败: %w", err)
	}
	return out, nil
}

// LatestTemplateWorkOrder 模板最近生成的工单，没有时返回 nil
func (r *Repository) LatestTemplateWorkOrder(ctx context.Context, templateID string) (*WorkOrder, error) {
	var wo WorkOrder
	err := r.db.WithContext(ctx).
		Where("pm_template_id = ?", templateID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Take(&wo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询模板最近工单失败: %w", err)
	}
	return &wo, nil
}

// ---- 工单 ----

// CreateWorkOrder 创建工单及检查项；PmOccurrenceKey 冲突返回 ErrDuplicate
func (r *Repository) CreateWorkOrder(ctx context.Context, wo *WorkOrder) error {
	if err := wo.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Create(wo).Error
	if common.IsUniqueViolation(err) {
		return fmt.Errorf("工单 %s: %w", wo.Title, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("创建工单失败: %w", err)
	}
	return nil
}

// GetWorkOrder 获取工单（含检查项）
func (r *Repository) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	var wo WorkOrder
	err := r.db.WithContext(ctx).
		Preload("ChecklistItems", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		First(&wo, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "工单 "+id)
	}
	return &wo, nil
}

// ListOpenWorkOrders 按 ID 键集分页列出未完成工单
func (r *Repository) ListOpenWorkOrders(ctx context.Context, afterID string, limit int) ([]WorkOrder, error) {
	var out []WorkOrder
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", inactiveStatusValues()).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询未完成工单失败: %w", err)
	}
	return out, nil
}

// EscalationUpdate 一次升级对工单的修改
type EscalationUpdate struct {
	At       time.Time
	AssignTo string // 非空时改派
}

// ApplyEscalation 条件更新：仅当等级仍为 fromLevel 且工单未完成时生效
// 返回 false 表示被并发扫描抢先或工单已关闭
func (r *Repository) ApplyEscalation(ctx context.Context, id string, fromLevel int, upd EscalationUpdate) (bool, error) {
	updates := map[string]any{
		"escalation_level":  gorm.Expr("escalation_level + 1"),
		"escalated":         true,
		"last_escalated_at": upd.At,
		"updated_at":        upd.At,
	}
	if upd.AssignTo != "" {
		updates["assigned_to"] = upd.AssignTo
	}
	res := r.db.WithContext(ctx).Model(&WorkOrder{}).
		Where("id = ? AND escalation_level = ? AND status NOT IN ?", id, fromLevel, inactiveStatusValues()).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("更新工单升级状态失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListActiveEscalations 已升级且仍未完成的工单，warehouseID 为空时不过滤
func (r *Repository) ListActiveEscalations(ctx context.Context, warehouseID string, req common.PaginationRequest) ([]WorkOrder, int64, error) {
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&WorkOrder{}).
			Scopes(common.ByWarehouse(warehouseID)).
			Where("escalated = ? AND status NOT IN ?", true, inactiveStatusValues())
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计升级工单失败: %w", err)
	}
	var out []WorkOrder
	err := base().Scopes(common.Paginate(req)).
		Order("escalation_level DESC, last_escalated_at DESC, id").
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询升级工单失败: %w", err)
	}
	return out, total, nil
}

// ---- 升级规则与历史 ----

// ListActiveRules 列出所有启用的升级规则
func (r *Repository) ListActiveRules(ctx context.Context) ([]EscalationRule, error) {
	var out []EscalationRule
	err := r.db.WithContext(ctx).Scopes(common.ActiveOnly()).Order("timeout_hours, id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询升级规则失败: %w", err)
	}
	return out, nil
}

// AppendHistory 追加一条升级历史
func (r *Repository) AppendHistory(ctx context.Context, h *EscalationHistory) error {
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("写入升级历史失败: %w", err)
	}
	return nil
}

// ListHistory 工单的升级历史，按时间顺序
func (r *Repository) ListHistory(ctx context.Context, workOrderID string) ([]EscalationHistory, error) {
	var out []EscalationHistory
	err := r.db.WithContext(ctx).
		Where("work_order_id = ?", workOrderID).
		Order("escalation_level, id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询升级历史失败: %w", err)
	}
	return out, nil
}

// ---- 仓库 ----

// GetWarehouse 按 ID 获取仓库
func (r *Repository) GetWarehouse(ctx context.Context, id string) (*Warehouse, error) {
	var w Warehouse
	if err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "仓库 "+id)
	}
	return &w, nil
}

// ---- 初始化数据 ----

func upsert(ctx context.Context, db *gorm.DB, v any) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(v).Error
}

// UpsertWarehouse 按 ID 插入或覆盖仓库
func (r *Repository) UpsertWarehouse(ctx context.Context, w *Warehouse) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return upsert(ctx, r.db, w)
}

// UpsertTemplate 按 ID 插入或覆盖模板
func (r *Repository) UpsertTemplate(ctx context.Context, t *PmTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return upsert(ctx, r.db, t)
}

// UpsertRule 按 ID 插入或覆盖升级规则
func (r *Repository) UpsertRule(ctx context.Context, rule *EscalationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return upsert(ctx, r.db, rule)
}
