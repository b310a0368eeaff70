package loader

import (
	"time"

	"github.com/John-Robertt/boxdroll/internal/domain"
)

// Observer 用于把“加载进度/重试/结束”从 loader 中解耦出来。
//
// 约束：
// - loader 只负责发事件，不做任何输出
// - 回调在 Run 所在 goroutine 上同步执行，实现方不应长时间阻塞
// - ctx 取消后不会再收到任何事件
type Observer interface {
	// OnPageStart 在请求某一页之前调用（包括重试）；totalPages 未知时为 0。
	OnPageStart(username string, page, totalPages int)
	// OnPageLoaded 在一页成功合并后调用；added 是新出现的条目，updated 是原位替换了旧记录的条目。
	OnPageLoaded(username string, page, totalPages int, added, updated []domain.Film, loaded int)
	// OnRetry 在可重试失败后、等待 delay 之前调用。
	OnRetry(username string, page, attempt, maxRetries int, delay time.Duration, err error)
	// OnDone 在成功完成或终态失败时调用一次（state.Err 区分两者）。
	OnDone(state State)
}

// NopObserver 忽略所有事件。
type NopObserver struct{}

func (NopObserver) OnPageStart(string, int, int) {}
func (NopObserver) OnPageLoaded(string, int, int, []domain.Film, []domain.Film, int) {}
func (NopObserver) OnRetry(string, int, int, int, time.Duration, error) {}
func (NopObserver) OnDone(State) {}
