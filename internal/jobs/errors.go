package jobs

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("任务不存在")
	ErrDuplicate      = errors.New("存在相同去重键的未完成任务")
	ErrClaimLost      = errors.New("任务领取已失效")
	ErrHandlerTimeout = errors.New("任务执行超时")
	ErrInterrupted    = errors.New("执行器关停，任务被中断")
	ErrInvalidPayload = errors.New("任务负载必须是 JSON 对象或数组")
	ErrNoHandler      = errors.New("未注册的任务类型")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记为不可重试的错误（数据错误），任务将直接失败
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误链中是否包含不可重试标记
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
