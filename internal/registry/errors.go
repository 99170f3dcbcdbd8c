package registry

import (
	"errors"
	"fmt"
)

// 错误代码
const (
	// ErrNotFound 服务未声明
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
)

// Error 注册表操作返回的错误
type Error struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	return e.Message
}

// Is 按错误代码比较，使 errors.Is(err, ErrServiceNotFound) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ErrServiceNotFound 用于 errors.Is 判断服务不存在
var ErrServiceNotFound = &Error{Code: ErrNotFound, Message: "服务不存在"}

// NewNotFoundError 创建服务不存在错误
func NewNotFoundError(serviceName string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("服务不存在: %s", serviceName),
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *Error {
	return &Error{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// IsNotFound 判断是否为服务不存在错误
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrNotFound
}
