// Package apperr 定义了客户端的错误分类。
// 所有错误都通过 fmt.Errorf("%w") 包装这些哨兵错误，调用方使用 errors.Is 判断类别。
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 输入为空等本地可恢复的错误，不会发送到后端。
	ErrValidation = errors.New("validation error")
	// ErrConflict 同一会话已存在未完成的助手回复。
	ErrConflict = errors.New("conflict")
	// ErrNetwork 连接失败、超时或流意外结束。
	ErrNetwork = errors.New("network error")
	// ErrAuthorization 未登录、已登出或 token 轮换失败。
	ErrAuthorization = errors.New("authorization error")
	// ErrProtocol 流记录格式错误。
	ErrProtocol = errors.New("protocol error")
	// ErrInconsistent 后端为同一会话返回了不同的会话 ID。
	ErrInconsistent = errors.New("inconsistent backend conversation id")
	// ErrNotFound 本地会话或消息不存在。
	ErrNotFound = errors.New("not found")
)

func Validationf(format string, args ...interface{}) error {
	return wrap(ErrValidation, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return wrap(ErrConflict, format, args...)
}

func Networkf(format string, args ...interface{}) error {
	return wrap(ErrNetwork, format, args...)
}

func Authorizationf(format string, args ...interface{}) error {
	return wrap(ErrAuthorization, format, args...)
}

func Protocolf(format string, args ...interface{}) error {
	return wrap(ErrProtocol, format, args...)
}

func Inconsistentf(format string, args ...interface{}) error {
	return wrap(ErrInconsistent, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return wrap(ErrNotFound, format, args...)
}

// wrap 保留 args 中的 error 链，便于 errors.Is 同时匹配类别和底层原因。
func wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}

// UserMessage 把错误转换为展示在合成助手消息中的文本。
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthorization):
		return "Your session has ended. Please sign in again to continue."
	case errors.Is(err, ErrProtocol):
		return "The assistant sent a response that could not be read. Please try again."
	case errors.Is(err, ErrNetwork):
		return "Unable to reach the assistant right now. Check your connection and try again."
	default:
		return "Something went wrong: " + err.Error()
	}
}
