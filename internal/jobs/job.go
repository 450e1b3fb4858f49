package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Status 任务状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 完成或失败后不再变化
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job 持久化的后台任务
// 状态流转：pending → processing → completed | pending(重试) | failed
type Job struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	JobType     string         `json:"jobType" gorm:"size:50;not null;index:idx_jobs_due,priority:2"`
	Payload     datatypes.JSON `json:"payload"`
	Status      Status         `json:"status" gorm:"size:20;not null;index:idx_jobs_due,priority:1"`
	Attempts    int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int            `json:"maxAttempts" gorm:"not null"`
	ScheduledAt time.Time      `json:"scheduledAt" gorm:"not null;index:idx_jobs_due,priority:3"`

	// 领取信息，ClaimToken 用于防止被回收的旧执行者覆盖状态
	ClaimedAt  *time.Time `json:"claimedAt,omitempty" gorm:"index"`
	ClaimedBy  string     `json:"claimedBy,omitempty" gorm:"size:100"`
	ClaimToken string     `json:"-" gorm:"size:36"`

	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty" gorm:"index"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`

	// 去重键仅在任务存活期间持有，终态时清空
	DedupKey *string `json:"dedupKey,omitempty" gorm:"size:150;uniqueIndex"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (Job) TableName() string {
	return "jobs"
}

// Decode 解析任务负载；负载格式错误属于数据错误，不重试
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return Permanent(fmt.Errorf("任务 %d 负载为空", j.ID))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("解析任务 %d 负载失败: %w", j.ID, err))
	}
	return nil
}

// NewJob 投递参数
type NewJob struct {
	Type        string
	Payload     any
	ScheduledAt time.Time // 零值表示立即执行
	MaxAttempts int       // 0 表示使用默认值
	DedupKey    string    // 非空时同一时刻只允许一个存活任务
}

// NewRecord 由投递参数构造任务记录
func NewRecord(n NewJob, now time.Time, defaultMaxAttempts int) (*Job, error) {
	if n.Type == "" {
		return nil, fmt.Errorf("任务类型不能为空")
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	// 负载只接受 JSON 对象或数组
	if p := bytes.TrimSpace(payload); len(p) == 0 || (p[0] != '{' && p[0] != '[') {
		return nil, fmt.Errorf("%w: 类型 %s 的负载为 %s", ErrInvalidPayload, n.Type, payload)
	}

	scheduledAt := n.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	j := &Job{
		JobType:     n.Type,
		Payload:     datatypes.JSON(payload),
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt.UTC(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if n.DedupKey != "" {
		key := n.DedupKey
		j.DedupKey = &key
	}
	return j, nil
}
