package api

import "github.com/John-Robertt/boxdroll/internal/domain"

// ScrapeRequest 是 POST /api/scrape-watchlist 的请求体；page 缺省为 1。
type ScrapeRequest struct {
	Username string `json:"username"`
	Page     int    `json:"page,omitempty"`
}

// SSE 事件类型。
const (
	EventPage      = "page"
	EventRetry     = "retry"
	EventDone      = "done"
	EventError     = "error"
	EventHeartbeat = "heartbeat"
)

// Event 是一条待写出的 SSE 事件。
type Event struct {
	Type string
	Data any
}

// PageEvent 在一页成功合并后发出。Films 只包含本页新增的条目；
// Updated 是本页再次出现的已有条目（按 id 覆盖客户端已持有的记录）。
type PageEvent struct {
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
	Films      []domain.Film `json:"films"`
	Updated    []domain.Film `json:"updated,omitempty"`
	Loaded     int           `json:"loaded"`
	Progress   int           `json:"progress"`
}

// RetryEvent 在可重试失败后、退避等待前发出。
type RetryEvent struct {
	Page       int              `json:"page"`
	Attempt    int              `json:"attempt"`
	MaxRetries int              `json:"maxRetries"`
	DelayMs    int64            `json:"delayMs"`
	Error      domain.ErrorKind `json:"error"`
	Message    string           `json:"message"`
}

// DoneEvent 在全部页加载完成时发出。
type DoneEvent struct {
	Films      int  `json:"films"`
	TotalPages int  `json:"totalPages"`
	Empty      bool `json:"empty"`
}

// ErrorEvent 在终态失败时发出；ProfileURL 指向上游用户片单，便于用户自行查看。
type ErrorEvent struct {
	Error      domain.ErrorKind `json:"error"`
	Message    string           `json:"message"`
	ProfileURL string           `json:"profileUrl,omitempty"`
}
