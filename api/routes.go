package api

import (
	"maintflow/api/handlers/engine"
	"maintflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Handlers 路由依赖的全部 Handler
type Handlers struct {
	Engine *engine.Handler
}

// NewRouter 创建带基础中间件的路由
func NewRouter(mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	router := gin.New()
	router.Use(Recovery(), RequestLogger(), metrics.PrometheusMiddleware())
	return router
}

// RegisterRoutes 注册所有路由；rdb 为 nil 时健康检查跳过 Redis
func RegisterRoutes(router *gin.Engine, db *gorm.DB, rdb redis.UniversalClient, h *Handlers) {
	router.GET("/healthz", HealthCheck(db, rdb))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := router.Group("/api/v1")
	registerEngineRoutes(apiV1, h)
}

func registerEngineRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	eng := apiGroup.Group("/engine")
	{
		eng.POST("/scans", h.Engine.EnqueueScan)
		eng.GET("/jobs/:id", h.Engine.GetJob)
		eng.GET("/failed-jobs", h.Engine.ListFailedJobs)
		eng.GET("/queue-stats", h.Engine.QueueStats)
		eng.GET("/escalations", h.Engine.ListActiveEscalations)
		eng.GET("/work-orders/:id/escalations", h.Engine.EscalationHistory)
	}
}
