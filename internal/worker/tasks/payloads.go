package tasks

import "fmt"

// 任务类型
const (
	TypeEscalationCheck  = "escalation_check"
	TypePmGeneration     = "pm_generation"
	TypeNotificationSend = "notification_send"

	// TypeNotificationDeliver 交给通知子系统的 asynq 任务
	TypeNotificationDeliver = "notification:deliver"
)

// EscalationDedupKey 同一时刻只允许一个存活的升级扫描
const EscalationDedupKey = TypeEscalationCheck

// PmDedupKey 每个模板一条 PM 任务链
func PmDedupKey(templateID string) string {
	return fmt.Sprintf("%s:%s", TypePmGeneration, templateID)
}

// EscalationCheckPayload 升级扫描任务载荷
type EscalationCheckPayload struct {
	Trigger string `json:"trigger"` // scheduler, manual
}

// PmGenerationPayload PM 生成任务载荷；TemplateID 为空时扫描全部启用模板
type PmGenerationPayload struct {
	TemplateID string `json:"template_id,omitempty"`
}

// NotificationSendPayload 通知发送任务载荷
type NotificationSendPayload struct {
	UserID        string         `json:"user_id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	RelatedEntity RelatedEntity  `json:"related_entity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RelatedEntity 通知关联的业务对象
type RelatedEntity struct {
	Type string `json:"type"` // work_order
	ID   string `json:"id"`
}
