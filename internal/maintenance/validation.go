package maintenance

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound   = errors.New("记录不存在")
	ErrDuplicate  = errors.New("记录已存在")
	ErrValidation = errors.New("数据校验失败")
)

var lifecycle = []WorkOrderStatus{
	StatusNew, StatusAssigned, StatusInProgress, StatusCompleted, StatusVerified, StatusClosed,
}

// InactiveStatuses 不再参与升级监控的状态
var InactiveStatuses = []WorkOrderStatus{StatusCompleted, StatusVerified, StatusClosed}

func (t WorkOrderType) Valid() bool {
	switch t {
	case TypeCorrective, TypePreventive, TypeEmergency:
		return true
	}
	return false
}

func (s WorkOrderStatus) Valid() bool {
	return s.rank() >= 0
}

// Active 工单仍处于需要监控的状态
func (s WorkOrderStatus) Active() bool {
	switch s {
	case StatusCompleted, StatusVerified, StatusClosed:
		return false
	}
	return s.Valid()
}

func (s WorkOrderStatus) rank() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition 只允许沿生命周期前进一步
func CanTransition(from, to WorkOrderStatus) bool {
	f, t := from.rank(), to.rank()
	return f >= 0 && t == f+1
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnually:
		return true
	}
	return false
}

func (a EscalationAction) Valid() bool {
	switch a {
	case ActionNotifySupervisor, ActionNotifyManager, ActionAutoReassign:
		return true
	}
	return false
}

// Validate 校验模板字段
func (t *PmTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: 模板名称不能为空", ErrValidation)
	}
	if !t.Frequency.Valid() {
		return fmt.Errorf("%w: 无效的频率 %q", ErrValidation, t.Frequency)
	}
	if t.DefaultPriority != "" && !t.DefaultPriority.Valid() {
		return fmt.Errorf("%w: 无效的默认优先级 %q", ErrValidation, t.DefaultPriority)
	}
	if t.WarehouseID == "" {
		return fmt.Errorf("%w: 模板必须归属仓库", ErrValidation)
	}
	return nil
}

// Validate 校验规则字段
func (r *EscalationRule) Validate() error {
	if !r.WorkOrderType.Valid() {
		return fmt.Errorf("%w: 无效的工单类型 %q", ErrValidation, r.WorkOrderType)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: 无效的优先级 %q", ErrValidation, r.Priority)
	}
	if r.TimeoutHours <= 0 {
		return fmt.Errorf("%w: timeoutHours 必须大于 0", ErrValidation)
	}
	if !r.EscalationAction.Valid() {
		return fmt.Errorf("%w: 无效的升级动作 %q", ErrValidation, r.EscalationAction)
	}
	return nil
}

var hhmm = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate 校验仓库营业时间格式
func (w *Warehouse) Validate() error {
	if w.ID == "" || w.Name == "" {
		return fmt.Errorf("%w: 仓库 ID 与名称不能为空", ErrValidation)
	}
	for _, v := range []string{w.OpensAt, w.ClosesAt} {
		if v != "" && !hhmm.MatchString(v) {
			return fmt.Errorf("%w: 营业时间格式应为 HH:MM，实际 %q", ErrValidation, v)
		}
	}
	return nil
}

// Validate 校验工单字段
func (w *WorkOrder) Validate() error {
	if w.Title == "" {
		return fmt.Errorf("%w: 工单标题不能为空", ErrValidation)
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: 无效的工单类型 %q", ErrValidation, w.Type)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: 无效的工单状态 %q", ErrValidation, w.Status)
	}
	if !w.Priority.Valid() {
		return fmt.Errorf("%w: 无效的优先级 %q", ErrValidation, w.Priority)
	}
	if w.WarehouseID == "" {
		return fmt.Errorf("%w: 工单必须归属仓库", ErrValidation)
	}
	if w.EscalationLevel < 0 {
		return fmt.Errorf("%w: escalationLevel 不能为负数", ErrValidation)
	}
	return nil
}
