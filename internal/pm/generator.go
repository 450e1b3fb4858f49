package pm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maintflow/internal/logger"
	"maintflow/internal/maintenance"
	"maintflow/internal/metrics"

	"go.uber.org/zap"
)

// Result 单个模板的评估结果
type Result struct {
	TemplateID string
	WorkOrder  *maintenance.WorkOrder // 本次生成的工单，未触发时为 nil
	NextDue    time.Time              // 下一次到期时间，模板停用时为零值
	Inactive   bool
}

// Generator 根据 PM 模板生成预防性维护工单
type Generator struct {
	repo   *maintenance.Repository
	logger *zap.Logger
}

type Option func(*Generator)

func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGenerator(repo *maintenance.Repository, opts ...Option) *Generator {
	g := &Generator{
		repo:   repo,
		logger: logger.Named("pm"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// nextDue 以模板最近一张工单（没有时为模板自身）的创建时间为基准加一个周期
func (g *Generator) nextDue(ctx context.Context, t *maintenance.PmTemplate) (time.Time, error) {
	base := t.CreatedAt
	latest, err := g.repo.LatestTemplateWorkOrder(ctx, t.ID)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		base = latest.CreatedAt
	}
	return AddPeriod(base.UTC(), t.Frequency)
}

// Generate 按 ID 加载模板并评估
func (g *Generator) Generate(ctx context.Context, templateID string, now time.Time) (*Result, error) {
	t, err := g.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return g.EvaluateTemplate(ctx, t, now)
}

// EvaluateTemplate 到期则生成一张工单，否则只返回下一次到期时间
func (g *Generator) EvaluateTemplate(ctx context.Context, t *maintenance.PmTemplate, now time.Time) (*Result, error) {
	now = now.UTC()
	res := &Result{TemplateID: t.ID}
	if !t.Active {
		res.Inactive = true
		return res, nil
	}

	due, err := g.nextDue(ctx, t)
	if err != nil {
		return nil, err
	}
	if now.Before(due) {
		res.NextDue = due
		return res, nil
	}

	// 同一周期只会成功一次：PmOccurrenceKey 唯一
	wo := buildWorkOrder(t, due, now)
	err = g.repo.CreateWorkOrder(ctx, wo)
	if errors.Is(err, maintenance.ErrDuplicate) {
		g.logger.Info("并发生成已完成，跳过", zap.String("template_id", t.ID), zap.Time("next_due", due))
		return g.settled(ctx, t, res)
	}
	if err != nil {
		return nil, err
	}

	// 逾期的周期立即补发，之后从 now 重新计算
	next, err := AddPeriod(now, t.Frequency)
	if err != nil {
		return nil, err
	}
	metrics.PmWorkOrdersGeneratedTotal.WithLabelValues(string(t.Frequency)).Inc()
	g.logger.Info("PM 工单已生成",
		zap.String("template_id", t.ID),
		zap.String("work_order_id", wo.ID),
		zap.Time("due", due),
		zap.Time("next_due", next),
	)
	res.WorkOrder = wo
	res.NextDue = next
	return res, nil
}

// settled 已有人生成本周期工单时，以最新工单重新计算下一次到期
func (g *Generator) settled(ctx context.Context, t *maintenance.PmTemplate, res *Result) (*Result, error) {
	next, err := g.nextDue(ctx, t)
	if err != nil {
		return nil, err
	}
	res.NextDue = next
	return res, nil
}

// ScanTemplates 评估全部启用模板，单个模板失败只记录日志
func (g *Generator) ScanTemplates(ctx context.Context, now time.Time) ([]Result, error) {
	templates, err := g.repo.ListActiveTemplates(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(templates))
	for i := range templates {
		t := &templates[i]
		res, err := g.EvaluateTemplate(ctx, t, now)
		if err != nil {
			g.logger.Error("模板评估失败", zap.String("template_id", t.ID), zap.Error(err))
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func buildWorkOrder(t *maintenance.PmTemplate, due, now time.Time) *maintenance.WorkOrder {
	priority := t.DefaultPriority
	if priority == "" {
		priority = maintenance.PriorityMedium
	}
	id := t.ID
	key := fmt.Sprintf("%s:%s", t.ID, due.UTC().Format(time.RFC3339))

	var dueDate *time.Time
	if d, err := AddPeriod(now, t.Frequency); err == nil {
		dueDate = &d
	}

	descriptions := []string(t.ChecklistItems)
	if len(descriptions) == 0 {
		descriptions = []string{fmt.Sprintf("%s %s", t.Action, t.Component)}
	}
	items := make([]maintenance.WorkOrderChecklistItem, 0, len(descriptions))
	for i, d := range descriptions {
		items = append(items, maintenance.WorkOrderChecklistItem{Sequence: i + 1, Description: d})
	}

	return &maintenance.WorkOrder{
		Title:           fmt.Sprintf("[PM] %s", t.Name),
		Description:     fmt.Sprintf("%s / %s: %s", t.Model, t.Component, t.Action),
		Type:            maintenance.TypePreventive,
		Status:          maintenance.StatusNew,
		Priority:        priority,
		WarehouseID:     t.WarehouseID,
		PmTemplateID:    &id,
		PmOccurrenceKey: &key,
		DueDate:         dueDate,
		CreatedAt:       now,
		UpdatedAt:       now,
		ChecklistItems:  items,
	}
}
