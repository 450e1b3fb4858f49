package maintenance

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Seed 仓库、PM 模板与升级规则的初始化数据
type Seed struct {
	Warehouses []SeedWarehouse `yaml:"warehouses"`
	Templates  []SeedTemplate  `yaml:"templates"`
	Rules      []SeedRule      `yaml:"rules"`
}

type SeedWarehouse struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SupervisorID string `yaml:"supervisor_id"`
	ManagerID    string `yaml:"manager_id"`
	OpensAt      string `yaml:"opens_at"`
	ClosesAt     string `yaml:"closes_at"`
}

type SeedTemplate struct {
	ID                       string   `yaml:"id"`
	Name                     string   `yaml:"name"`
	Model                    string   `yaml:"model"`
	Component                string   `yaml:"component"`
	Action                   string   `yaml:"action"`
	Frequency                string   `yaml:"frequency"`
	EstimatedDurationMinutes int      `yaml:"estimated_duration_minutes"`
	DefaultPriority          string   `yaml:"default_priority"`
	ChecklistItems           []string `yaml:"checklist_items"`
	Active                   *bool    `yaml:"active"` // 缺省为启用
	WarehouseID              string   `yaml:"warehouse_id"`
}

type SeedRule struct {
	ID               string `yaml:"id"`
	WorkOrderType    string `yaml:"work_order_type"`
	Priority         string `yaml:"priority"`
	WarehouseID      string `yaml:"warehouse_id"`
	TimeoutHours     int    `yaml:"timeout_hours"`
	EscalationAction string `yaml:"escalation_action"`
	EscalateTo       string `yaml:"escalate_to"`
	Active           *bool  `yaml:"active"`
}

// SeedSummary 导入计数
type SeedSummary struct {
	Warehouses int
	Templates  int
	Rules      int
}

// ParseSeed 解析 YAML 初始化数据，未知字段视为错误
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Seed
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("解析初始化数据失败: %w", err)
	}
	return &s, nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Apply 在一个事务内按 ID 写入全部数据，任何一条校验失败则整体回滚
func (s *Seed) Apply(ctx context.Context, repo *Repository) (SeedSummary, error) {
	var sum SeedSummary
	err := repo.Transaction(ctx, func(tx *Repository) error {
		for _, w := range s.Warehouses {
			if err := tx.UpsertWarehouse(ctx, &Warehouse{
				ID:           w.ID,
				Name:         w.Name,
				SupervisorID: w.SupervisorID,
				ManagerID:    w.ManagerID,
				OpensAt:      w.OpensAt,
				ClosesAt:     w.ClosesAt,
			}); err != nil {
				return fmt.Errorf("仓库 %s: %w", w.ID, err)
			}
			sum.Warehouses++
		}

		for _, t := range s.Templates {
			if t.ID == "" {
				return fmt.Errorf("%w: 模板 %q 缺少 id", ErrValidation, t.Name)
			}
			if err := tx.UpsertTemplate(ctx, &PmTemplate{
				ID:                       t.ID,
				Name:                     t.Name,
				Model:                    t.Model,
				Component:                t.Component,
				Action:                   t.Action,
				Frequency:                Frequency(t.Frequency),
				EstimatedDurationMinutes: t.EstimatedDurationMinutes,
				DefaultPriority:          Priority(t.DefaultPriority),
				ChecklistItems:           t.ChecklistItems,
				Active:                   enabled(t.Active),
				WarehouseID:              t.WarehouseID,
			}); err != nil {
				return fmt.Errorf("模板 %s: %w", t.ID, err)
			}
			sum.Templates++
		}

		for _, r := range s.Rules {
			if r.ID == "" {
				return fmt.Errorf("%w: 规则缺少 id", ErrValidation)
			}
			if err := tx.UpsertRule(ctx, &EscalationRule{
				ID:               r.ID,
				WorkOrderType:    WorkOrderType(r.WorkOrderType),
				Priority:         Priority(r.Priority),
				WarehouseID:      r.WarehouseID,
				TimeoutHours:     r.TimeoutHours,
				EscalationAction: EscalationAction(r.EscalationAction),
				EscalateTo:       r.EscalateTo,
				Active:           enabled(r.Active),
			}); err != nil {
				return fmt.Errorf("规则 %s: %w", r.ID, err)
			}
			sum.Rules++
		}
		return nil
	})
	if err != nil {
		return SeedSummary{}, err
	}
	return sum, nil
}
