package engine

import (
	"context"
	"errors"
	"strconv"

	"maintflow/internal/common"
	"maintflow/internal/jobs"
	"maintflow/internal/maintenance"

	"github.com/gin-gonic/gin"
)

// AdminService 管理服务抽象，便于注入 mock
type AdminService interface {
	EnqueueScan(ctx context.Context) (*jobs.Job, bool, error)
	GetJobStatus(ctx context.Context, id uint) (*jobs.Job, error)
	ListActiveEscalations(ctx context.Context, warehouseID string, req common.PaginationRequest) ([]maintenance.WorkOrder, int64, error)
	ListFailedJobs(ctx context.Context, req common.PaginationRequest) ([]jobs.Job, int64, error)
	QueueStats(ctx context.Context) ([]jobs.StatusCount, error)
	EscalationHistory(ctx context.Context, workOrderID string) ([]maintenance.EscalationHistory, error)
}

// Handler 调度引擎管理接口
type Handler struct {
	service AdminService
}

func NewHandler(service AdminService) *Handler {
	return &Handler{service: service}
}

// EnqueueScanResponse 手动扫描结果
type EnqueueScanResponse struct {
	Job     *jobs.Job `json:"job"`
	Created bool      `json:"created"`
}

// EnqueueScan 手动触发升级扫描
// POST /api/v1/engine/scans
func (h *Handler) EnqueueScan(c *gin.Context) {
	job, created, err := h.service.EnqueueScan(c.Request.Context())
	if err != nil {
		common.ResponseError(c, common.CodeJobEnqueueFailed, err.Error())
		return
	}
	common.ResponseAccepted(c, EnqueueScanResponse{Job: job, Created: created})
}

// GetJob 查询任务状态
// GET /api/v1/engine/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.ResponseError(c, common.CodeInvalidRequest, "无效的任务 ID")
		return
	}

	job, err := h.service.GetJobStatus(c.Request.Context(), uint(id))
	if err != nil {
		respondErr(c, err)
		return
	}
	common.ResponseSuccess(c, job)
}

// ListFailedJobs 失败任务列表
// GET /api/v1/engine/failed-jobs?page=1&page_size=20
func (h *Handler) ListFailedJobs(c *gin.Context) {
	var req common.PaginationRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, err.Error())
		return
	}

	items, total, err := h.service.ListFailedJobs(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	common.ResponseList(c, items, total, req)
}

// QueueStats 队列统计
// GET /api/v1/engine/queue-stats
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	common.ResponseSuccess(c, stats)
}

// ListActiveEscalations 当前处于升级状态的工单
// GET /api/v1/engine/escalations?warehouse_id=WH1
func (h *Handler) ListActiveEscalations(c *gin.Context) {
	var req common.PaginationRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, err.Error())
		return
	}

	items, total, err := h.service.ListActiveEscalations(c.Request.Context(), c.Query("warehouse_id"), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	common.ResponseList(c, items, total, req)
}

// EscalationHistory 工单升级记录
// GET /api/v1/engine/work-orders/:id/escalations
func (h *Handler) EscalationHistory(c *gin.Context) {
	items, err := h.service.EscalationHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	common.ResponseSuccess(c, items)
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		common.ResponseError(c, common.CodeJobNotFound, "")
	case errors.Is(err, maintenance.ErrNotFound):
		common.ResponseError(c, common.CodeWorkOrderNotFound, "")
	default:
		common.ResponseErr(c, err)
	}
}
