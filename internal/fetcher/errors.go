package fetcher

import (
	"errors"
	"fmt"
)

// HTTPStatusError 表示上游返回了非 2xx。调用方按 StatusCode 决定语义（例如 404 => 用户不存在）。
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	return fmt.Sprintf("HTTP %d url=%s", e.StatusCode, e.URL)
}

// ShortBodyError 表示 2xx 但响应体短到不可能是真实页面。
type ShortBodyError struct {
	URL string
	Len int
	Min int
}

func (e *ShortBodyError) Error() string {
	return fmt.Sprintf("响应过短：%d 字节（至少 %d） url=%s", e.Len, e.Min, e.URL)
}

// TransportError 表示请求没有拿到可用响应（DNS、超时、连接重置、解码失败）。
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("请求失败 url=%s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode 从 err 中提取上游 HTTP 状态码；不是 HTTPStatusError 时返回 0。
func StatusCode(err error) int {
	var e *HTTPStatusError
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
