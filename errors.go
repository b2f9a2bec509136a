package eventpipe

import (
	"errors"
	"fmt"
)

// 错误分类。调用方使用 errors.Is / errors.As 判断错误类别，
// 具体上下文通过 fmt.Errorf("...: %w", err) 包装携带。
var (
	// ErrPipelineClosed 管道已关闭，不再接受任何发布或订阅
	ErrPipelineClosed = errors.New("pipeline is closed")

	// ErrStreamClosed 流已关闭（终态），拒绝发布和订阅
	ErrStreamClosed = errors.New("stream is closed")

	// ErrQueueFull 全局事件队列已满，发布被拒绝（背压信号，非致命）
	ErrQueueFull = errors.New("event queue is full")

	// ErrUnknownStream 流不存在
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamExists 流已存在（非幂等创建时）
	ErrStreamExists = errors.New("stream already exists")
)

// ValidationError 表示参数或配置结构性校验失败
type ValidationError struct {
	// Field 出错的字段或参数名
	Field string

	// Reason 校验失败原因
	Reason string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// newValidationError 创建校验错误
func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
