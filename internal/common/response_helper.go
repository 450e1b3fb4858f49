package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResponseSuccess 返回成功响应
func ResponseSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse(data))
}

// ResponseAccepted 返回已受理响应（202），用于异步投递
func ResponseAccepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, SuccessResponse(data))
}

// ResponseList 返回分页列表响应
func ResponseList(c *gin.Context, items any, total int64, req PaginationRequest) {
	c.JSON(http.StatusOK, SuccessResponse(ListResponse{
		Items:      items,
		Pagination: NewPaginationMeta(req.GetPage(), req.GetPageSize(), total),
	}))
}

// ResponseError 返回错误响应
func ResponseError(c *gin.Context, code int, message string) {
	httpStatus := http.StatusOK

	switch code {
	case CodeNotFound, CodeJobNotFound, CodeWorkOrderNotFound:
		httpStatus = http.StatusNotFound
	case CodeInvalidRequest:
		httpStatus = http.StatusBadRequest
	case CodeConflict:
		httpStatus = http.StatusConflict
	case CodeInternalError, CodeJobEnqueueFailed:
		httpStatus = http.StatusInternalServerError
	case CodeServiceUnavailable:
		httpStatus = http.StatusServiceUnavailable
	}

	if message == "" {
		message = GetErrorMessage(code)
	}
	c.JSON(httpStatus, ErrorResponse(code, message))
}

// ResponseErr 按错误类型返回响应，非业务错误统一视为内部错误
func ResponseErr(c *gin.Context, err error) {
	var be *BusinessError
	if errors.As(err, &be) {
		ResponseError(c, be.Code, be.Message)
		return
	}
	ResponseError(c, CodeInternalError, err.Error())
}
