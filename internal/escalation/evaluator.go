// Package escalation 按超时规则扫描未完成工单并执行升级
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maintflow/internal/jobs"
	"maintflow/internal/logger"
	"maintflow/internal/maintenance"
	"maintflow/internal/metrics"
	"maintflow/internal/notification"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
)

var ErrNoRecipient = errors.New("无法确定升级接收人")

// errSuperseded 条件更新未命中：并发扫描已处理或工单已完成
var errSuperseded = errors.New("工单状态已变化")

// Action 一次已提交的升级
type Action struct {
	WorkOrderID string                       `json:"workOrderId"`
	RuleID      string                       `json:"ruleId"`
	Action      maintenance.EscalationAction `json:"action"`
	Level       int                          `json:"level"`
	From        string                       `json:"from,omitempty"`
	To          string                       `json:"to"`
	JobID       uint                         `json:"jobId"`
}

// Evaluator 升级评估器
type Evaluator struct {
	repo        *maintenance.Repository
	jobs        *jobs.GormStore
	pageSize    int
	maxAttempts int
	logger      *zap.Logger
}

type Option func(*Evaluator)

func WithPageSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithNotificationMaxAttempts 通知任务的最大尝试次数
func WithNotificationMaxAttempts(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEvaluator(repo *maintenance.Repository, store *jobs.GormStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		repo:        repo,
		jobs:        store,
		pageSize:    200,
		maxAttempts: 5,
		logger:      logger.Named("escalation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MatchRule 选出适用于工单的规则：超时最短者优先，再按规则 ID
func MatchRule(rules []maintenance.EscalationRule, wo *maintenance.WorkOrder) *maintenance.EscalationRule {
	var best *maintenance.EscalationRule
	for i := range rules {
		r := &rules[i]
		if !r.Active || r.WorkOrderType != wo.Type || r.Priority != wo.Priority {
			continue
		}
		if r.WarehouseID != "" && r.WarehouseID != wo.WarehouseID {
			continue
		}
		if best == nil || r.TimeoutHours < best.TimeoutHours ||
			(r.TimeoutHours == best.TimeoutHours && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// Due 工单距上次升级（或创建）是否已超过规则时限
func Due(wo *maintenance.WorkOrder, rule *maintenance.EscalationRule, now time.Time) bool {
	since := wo.CreatedAt
	if wo.LastEscalatedAt != nil && wo.LastEscalatedAt.After(since) {
		since = *wo.LastEscalatedAt
	}
	return now.Sub(since) >= rule.Timeout()
}

type scan struct {
	now        time.Time
	rules      []maintenance.EscalationRule
	warehouses map[string]*maintenance.Warehouse
	seen       map[string]struct{}
}

// Scan 扫描全部未完成工单，返回本次执行的升级
// 单个工单失败只记录日志，不影响其余工单
func (e *Evaluator) Scan(ctx context.Context, now time.Time) ([]Action, error) {
	start := time.Now()
	defer func() { metrics.EscalationScanDuration.Observe(time.Since(start).Seconds()) }()

	rules, err := e.repo.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		e.logger.Debug("没有启用的升级规则")
		return nil, nil
	}

	s := &scan{
		now:        now.UTC(),
		rules:      rules,
		warehouses: make(map[string]*maintenance.Warehouse),
		seen:       make(map[string]struct{}),
	}

	var (
		actions []Action
		failed  int
		afterID string
	)
	for {
		page, err := e.repo.ListOpenWorkOrders(ctx, afterID, e.pageSize)
		if err != nil {
			return actions, err
		}
		for i := range page {
			wo := &page[i]
			afterID = wo.ID

			act, err := e.evaluate(ctx, s, wo)
			if err != nil {
				failed++
				metrics.EscalationFailuresTotal.Inc()
				e.logger.Error("工单升级失败",
					zap.String("work_order_id", wo.ID),
					zap.Error(err),
				)
				continue
			}
			if act != nil {
				actions = append(actions, *act)
			}
		}
		if len(page) < e.pageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return actions, err
		}
	}

	e.logger.Info("升级扫描完成",
		zap.Int("escalated", len(actions)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return actions, nil
}

func (e *Evaluator) evaluate(ctx context.Context, s *scan, wo *maintenance.WorkOrder) (*Action, error) {
	if _, ok := s.seen[wo.ID]; ok {
		return nil, nil
	}
	rule := MatchRule(s.rules, wo)
	if rule == nil || !Due(wo, rule, s.now) {
		return nil, nil
	}

	to, err := e.recipient(ctx, s, rule, wo)
	if err != nil {
		return nil, err
	}

	act, err := e.escalate(ctx, wo, rule, to, s.now)
	if errors.Is(err, errSuperseded) {
		e.logger.Debug("工单已被其他扫描处理", zap.String("work_order_id", wo.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.seen[wo.ID] = struct{}{}
	metrics.EscalationsTotal.WithLabelValues(string(act.Action)).Inc()
	return act, nil
}

// recipient 规则指定接收人优先，否则按动作取仓库主管或经理
func (e *Evaluator) recipient(ctx context.Context, s *scan, rule *maintenance.EscalationRule, wo *maintenance.WorkOrder) (string, error) {
	if rule.EscalateTo != "" {
		return rule.EscalateTo, nil
	}

	w, ok := s.warehouses[wo.WarehouseID]
	if !ok {
		var err error
		w, err = e.repo.GetWarehouse(ctx, wo.WarehouseID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoRecipient, err)
		}
		s.warehouses[wo.WarehouseID] = w
	}

	to := w.SupervisorID
	if rule.EscalationAction == maintenance.ActionNotifyManager {
		to = w.ManagerID
	}
	if to == "" {
		return "", fmt.Errorf("%w: 仓库 %s 未配置 %s", ErrNoRecipient, w.ID, rule.EscalationAction)
	}
	return to, nil
}

// escalate 在一个事务内更新工单、追加历史并投递通知任务
func (e *Evaluator) escalate(ctx context.Context, wo *maintenance.WorkOrder, rule *maintenance.EscalationRule, to string, now time.Time) (*Action, error) {
	act := &Action{
		WorkOrderID: wo.ID,
		RuleID:      rule.ID,
		Action:      rule.EscalationAction,
		Level:       wo.EscalationLevel + 1,
		From:        wo.AssignedTo,
		To:          to,
	}
	upd := maintenance.EscalationUpdate{At: now}
	if rule.EscalationAction == maintenance.ActionAutoReassign {
		upd.AssignTo = to
	}

	err := e.repo.Transaction(ctx, func(tx *maintenance.Repository) error {
		ok, err := tx.ApplyEscalation(ctx, wo.ID, wo.EscalationLevel, upd)
		if err != nil {
			return err
		}
		if !ok {
			return errSuperseded
		}

		err = tx.AppendHistory(ctx, &maintenance.EscalationHistory{
			WorkOrderID:     wo.ID,
			RuleID:          rule.ID,
			EscalationLevel: act.Level,
			EscalatedFrom:   act.From,
			EscalatedTo:     to,
			Action:          rule.EscalationAction,
			Reason:          fmt.Sprintf("超过 %d 小时未处理", rule.TimeoutHours),
			EscalatedAt:     now,
		})
		if err != nil {
			return err
		}

		job, err := jobs.NewRecord(jobs.NewJob{
			Type:        tasks.TypeNotificationSend,
			Payload:     notificationPayload(wo, rule, act),
			ScheduledAt: now,
			MaxAttempts: e.maxAttempts,
		}, now, e.maxAttempts)
		if err != nil {
			return err
		}
		if err := e.jobs.WithTx(tx.DB()).Insert(ctx, job); err != nil {
			return fmt.Errorf("投递升级通知失败: %w", err)
		}
		act.JobID = job.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("工单已升级",
		zap.String("work_order_id", wo.ID),
		zap.String("rule_id", rule.ID),
		zap.String("action", string(rule.EscalationAction)),
		zap.Int("level", act.Level),
		zap.String("to", to),
	)
	return act, nil
}

func notificationPayload(wo *maintenance.WorkOrder, rule *maintenance.EscalationRule, act *Action) tasks.NotificationSendPayload {
	typ := notification.TypeWorkOrderEscalated
	title := fmt.Sprintf("工单升级: %s", wo.Title)
	if rule.EscalationAction == maintenance.ActionAutoReassign {
		typ = notification.TypeWorkOrderReassigned
		title = fmt.Sprintf("工单已改派给你: %s", wo.Title)
	}
	return tasks.NotificationSendPayload{
		UserID:  act.To,
		Type:    typ,
		Title:   title,
		Message: fmt.Sprintf("工单 %s（%s/%s）超过 %d 小时未处理，升级至第 %d 级", wo.ID, wo.Type, wo.Priority, rule.TimeoutHours, act.Level),
		RelatedEntity: tasks.RelatedEntity{
			Type: "work_order",
			ID:   wo.ID,
		},
		Metadata: map[string]any{
			"rule_id":          rule.ID,
			"warehouse_id":     wo.WarehouseID,
			"escalation_level": act.Level,
		},
	}
}
