package maintenance

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WorkOrderType 工单类型
type WorkOrderType string

const (
	TypeCorrective WorkOrderType = "corrective"
	TypePreventive WorkOrderType = "preventive"
	TypeEmergency  WorkOrderType = "emergency"
)

// WorkOrderStatus 工单状态，按生命周期顺序排列
type WorkOrderStatus string

const (
	StatusNew        WorkOrderStatus = "new"
	StatusAssigned   WorkOrderStatus = "assigned"
	StatusInProgress WorkOrderStatus = "in_progress"
	StatusCompleted  WorkOrderStatus = "completed"
	StatusVerified   WorkOrderStatus = "verified"
	StatusClosed     WorkOrderStatus = "closed"
)

// Priority 工单优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Frequency PM 模板执行频率
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// EscalationAction 升级动作
type EscalationAction string

const (
	ActionNotifySupervisor EscalationAction = "notify_supervisor"
	ActionNotifyManager    EscalationAction = "notify_manager"
	ActionAutoReassign     EscalationAction = "auto_reassign"
)

// WorkOrder 维护工单
type WorkOrder struct {
	ID          string          `json:"id" gorm:"primaryKey;size:36"`
	Title       string          `json:"title" gorm:"size:255;not null"`
	Description string          `json:"description" gorm:"type:text"`
	Type        WorkOrderType   `json:"type" gorm:"size:20;not null;index:idx_wo_open,priority:2"`
	Status      WorkOrderStatus `json:"status" gorm:"size:20;not null;index:idx_wo_open,priority:1"`
	Priority    Priority        `json:"priority" gorm:"size:20;not null"`
	WarehouseID string          `json:"warehouseId" gorm:"size:36;not null;index"`
	AssignedTo  string          `json:"assignedTo,omitempty" gorm:"size:36"`

	// 升级状态，仅由升级扫描修改
	Escalated       bool       `json:"escalated" gorm:"not null"`
	EscalationLevel int        `json:"escalationLevel" gorm:"not null;default:0"`
	LastEscalatedAt *time.Time `json:"lastEscalatedAt,omitempty"`

	// PM 来源；PmOccurrenceKey 唯一，防止同一周期重复生成
	PmTemplateID    *string `json:"pmTemplateId,omitempty" gorm:"size:36;index"`
	PmOccurrenceKey *string `json:"-" gorm:"size:100;uniqueIndex"`

	DueDate   *time.Time `json:"dueDate,omitempty"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;index"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null"`

	ChecklistItems []WorkOrderChecklistItem `json:"checklistItems,omitempty" gorm:"foreignKey:WorkOrderID"`
}

func (WorkOrder) TableName() string {
	return "work_orders"
}

// BeforeCreate 设置默认 ID 与时间戳
func (w *WorkOrder) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	return nil
}

// WorkOrderChecklistItem 工单检查项
type WorkOrderChecklistItem struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	WorkOrderID string `json:"workOrderId" gorm:"size:36;not null;index"`
	Sequence    int    `json:"sequence" gorm:"not null"`
	Description string `json:"description" gorm:"type:text;not null"`
	Completed   bool   `json:"completed" gorm:"not null"`
}

func (WorkOrderChecklistItem) TableName() string {
	return "work_order_checklist_items"
}

// PmTemplate 预防性维护模板，引擎只读
type PmTemplate struct {
	ID                       string                      `json:"id" gorm:"primaryKey;size:36"`
	Name                     string                      `json:"name" gorm:"size:255;not null"`
	Model                    string                      `json:"model" gorm:"size:255"`
	Component                string                      `json:"component" gorm:"size:255"`
	Action                   string                      `json:"action" gorm:"size:255"`
	Frequency                Frequency                   `json:"frequency" gorm:"size:20;not null"`
	EstimatedDurationMinutes int                         `json:"estimatedDurationMinutes"`
	DefaultPriority          Priority                    `json:"defaultPriority" gorm:"size:20"`
	ChecklistItems           datatypes.JSONSlice[string] `json:"checklistItems"`
	Active                   bool                        `json:"active" gorm:"not null;index"`
	WarehouseID              string                      `json:"warehouseId" gorm:"size:36;not null;index"`
	CreatedAt                time.Time                   `json:"createdAt" gorm:"not null"`
	UpdatedAt                time.Time                   `json:"updatedAt" gorm:"not null"`
}

func (PmTemplate) TableName() string {
	return "pm_templates"
}

func (t *PmTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return nil
}

// EscalationRule 升级规则：(type, priority, warehouse) → 超时与动作
// WarehouseID 为空表示适用于所有仓库
type EscalationRule struct {
	ID               string           `json:"id" gorm:"primaryKey;size:36"`
	WorkOrderType    WorkOrderType    `json:"workOrderType" gorm:"size:20;not null;index:idx_rule_match"`
	Priority         Priority         `json:"priority" gorm:"size:20;not null;index:idx_rule_match"`
	WarehouseID      string           `json:"warehouseId,omitempty" gorm:"size:36;index:idx_rule_match"`
	TimeoutHours     int              `json:"timeoutHours" gorm:"not null"`
	EscalationAction EscalationAction `json:"escalationAction" gorm:"size:30;not null"`
	EscalateTo       string           `json:"escalateTo,omitempty" gorm:"size:36"`
	Active           bool             `json:"active" gorm:"not null"`
	CreatedAt        time.Time        `json:"createdAt" gorm:"not null"`
	UpdatedAt        time.Time        `json:"updatedAt" gorm:"not null"`
}

func (EscalationRule) TableName() string {
	return "escalation_rules"
}

func (r *EscalationRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// Timeout 超时时长
func (r *EscalationRule) Timeout() time.Duration {
	return time.Duration(r.TimeoutHours) * time.Hour
}

// EscalationHistory 升级审计记录，只追加
type EscalationHistory struct {
	ID              uint             `json:"id" gorm:"primaryKey"`
	WorkOrderID     string           `json:"workOrderId" gorm:"size:36;not null;index"`
	RuleID          string           `json:"ruleId" gorm:"size:36;not null"`
	EscalationLevel int              `json:"escalationLevel" gorm:"not null"`
	EscalatedFrom   string           `json:"escalatedFrom" gorm:"size:36"`
	EscalatedTo     string           `json:"escalatedTo" gorm:"size:36"`
	Action          EscalationAction `json:"action" gorm:"size:30;not null"`
	Reason          string           `json:"reason" gorm:"type:text"`
	EscalatedAt     time.Time        `json:"escalatedAt" gorm:"not null;index"`
}

func (EscalationHistory) TableName() string {
	return "escalation_history"
}

// Warehouse 仓库；SupervisorID/ManagerID 用于按角色解析升级对象
type Warehouse struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	Name         string    `json:"name" gorm:"size:255;not null"`
	SupervisorID string    `json:"supervisorId" gorm:"size:36"`
	ManagerID    string    `json:"managerId" gorm:"size:36"`
	OpensAt      string    `json:"opensAt" gorm:"size:5"`  // HH:MM
	ClosesAt     string    `json:"closesAt" gorm:"size:5"` // HH:MM
	CreatedAt    time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"not null"`
}

func (Warehouse) TableName() string {
	return "warehouses"
}

// Models 需要迁移的全部模型
func Models() []any {
	return []any{
		&Warehouse{},
		&WorkOrder{},
		&WorkOrderChecklistItem{},
		&PmTemplate{},
		&EscalationRule{},
		&EscalationHistory{},
	}
}
