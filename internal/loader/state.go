package loader

import "github.com/John-Robertt/boxdroll/internal/domain"

// State 是 loader 的可观察状态。
type State struct {
	Username string

	// Films 按页序、页内文档序累计（跨页同一 identity 原位替换）。
	Films []domain.Film

	CurrentPage int
	// TotalPages 在第一页成功前为 0。
	TotalPages int

	Fetching        bool
	Done            bool
	FirstPageLoaded bool

	// RetryCount 是当前页已经重试的次数；页成功后归零。
	RetryCount int

	// Err 是终态错误；成功完成或仍在加载时为 nil。
	Err error
}

// Progress 返回 [0,100] 的加载进度（按页计）。
func (s State) Progress() int {
	if s.Done && s.Err == nil {
		return 100
	}
	if s.TotalPages <= 0 {
		return 0
	}
	done := s.CurrentPage
	if s.Fetching {
		done--
	}
	p := done * 100 / s.TotalPages
	return min(max(p, 0), 100)
}

func (s State) clone() State {
	out := s
	out.Films = append(make([]domain.Film, 0, len(s.Films)), s.Films...)
	return out
}
