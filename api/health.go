package api

import (
	"context"
	"net/http"
	"time"

	"maintflow/internal/infra"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Database string `json:"database"`
	Redis    string `json:"redis,omitempty"`
}

// HealthCheck 检查数据库与 Redis（已配置时）连通性
func HealthCheck(db *gorm.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "healthy", Service: "maintflow", Database: "ok"}
		code := http.StatusOK

		if err := infra.PingDatabase(db); err != nil {
			resp.Status, resp.Database = "unhealthy", err.Error()
			code = http.StatusServiceUnavailable
		}
		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			resp.Redis = "ok"
			if err := infra.PingRedis(ctx, rdb); err != nil {
				resp.Status, resp.Redis = "unhealthy", err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, resp)
	}
}
