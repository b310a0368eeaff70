package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind 是对外暴露的错误分类（同时也是 HTTP 响应体里的 error 字段）。
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "INVALID_REQUEST"
	KindUserNotFound     ErrorKind = "USER_NOT_FOUND"
	KindPrivateWatchlist ErrorKind = "PRIVATE_WATCHLIST"
	KindNetwork          ErrorKind = "NETWORK_ERROR"
	KindParsing          ErrorKind = "PARSING_ERROR"
	KindInternal         ErrorKind = "INTERNAL_ERROR"

	// KindScraping 只由 loader 产生：重试耗尽后的终态。
	KindScraping ErrorKind = "SCRAPING_ERROR"
)

// Error 是单页请求失败时的结构化错误。
//
// Message 面向调用方（短句，不泄露内部细节）；Err 保留底层原因，仅用于日志。
type Error struct {
	Kind    ErrorKind
	Message string

	// UpstreamStatus 是上游返回的 HTTP 状态码（仅 fetch 阶段失败时有值）。
	UpstreamStatus int

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf 构造带 kind 的错误；cause 可为 nil。
func Errorf(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf 从 error 中提取分类；非 *Error 一律视为 INTERNAL_ERROR。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindInternal
}

// MessageOf 返回可以直接展示给调用方的短消息。
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Internal server error"
}

// HTTPStatus 把分类映射为 API 边界的状态码。
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindPrivateWatchlist:
		return http.StatusForbidden
	case KindUserNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody 是失败响应的 JSON 结构。
type ErrorBody struct {
	Error   ErrorKind `json:"error"`
	Message string    `json:"message"`
}

// BodyOf 把 err 转成响应体。
func BodyOf(err error) ErrorBody {
	return ErrorBody{Error: KindOf(err), Message: MessageOf(err)}
}
