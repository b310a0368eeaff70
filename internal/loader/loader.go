package loader

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/fetcher"
)

const (
	DefaultMaxRetries    = 3
	DefaultBackoffBase   = 2 * time.Second
	DefaultNextPageDelay = 1 * time.Second
)

// ErrStarted 表示同一个 Loader 被 Run 了不止一次。
var ErrStarted = errors.New("loader 已经启动过")

// PageSource 是 loader 对单页编排的唯一依赖。
// 进程内由 scrape.Service 实现，远程由 api.Client 实现。
type PageSource interface {
	FetchPage(ctx context.Context, username string, page int) (domain.PageResult, error)
}

// Options 描述重试与节流策略。零值字段使用默认值。
type Options struct {
	// MaxRetries 是单页失败后的最大重试次数；0 使用默认 3，负数表示不重试。
	MaxRetries int

	// BackoffBase 是第 1 次重试的基础等待；第 n 次为 base*2^(n-1)，再加 [0, base/2) 的随机抖动。
	BackoffBase time.Duration

	// NextPageDelay 是翻页前的固定等待；负数表示不等待。
	NextPageDelay time.Duration

	Observer Observer
	Logger   *slog.Logger

	// Sleep 可替换，便于测试跳过真实等待。必须在 ctx 取消时立即返回 ctx.Err()。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Loader 按 1..N 串行抓取一个用户的全部片单页，并维护可供读取的累计状态。
//
// 约束：
// - 页与页之间严格串行，从不并发
// - 状态只有 Run 所在 goroutine 写入；读者通过 Snapshot 拿副本
// - PRIVATE_WATCHLIST / USER_NOT_FOUND / INVALID_REQUEST 是终态，不重试
// - ctx 取消后不再提交任何状态，也不再通知 Observer
type Loader struct {
	src      PageSource
	username string

	maxRetries    int
	backoffBase   time.Duration
	nextPageDelay time.Duration
	obs           Observer
	logger        *slog.Logger
	sleep         func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	st    State
	index map[string]int

	started   bool
	firstPage chan struct{}
	firstOnce sync.Once
	done      chan struct{}
}

// New 构造 loader；username 原样交给 PageSource 校验。
func New(src PageSource, username string, opts Options) *Loader {
	l := &Loader{
		src:           src,
		username:      username,
		maxRetries:    opts.MaxRetries,
		backoffBase:   opts.BackoffBase,
		nextPageDelay: opts.NextPageDelay,
		obs:           opts.Observer,
		logger:        opts.Logger,
		sleep:         opts.Sleep,
		st:            State{Username: username, Films: []domain.Film{}},
		index:         map[string]int{},
		firstPage:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	switch {
	case l.maxRetries == 0:
		l.maxRetries = DefaultMaxRetries
	case l.maxRetries < 0:
		l.maxRetries = 0
	}
	if l.backoffBase <= 0 {
		l.backoffBase = DefaultBackoffBase
	}
	if l.nextPageDelay == 0 {
		l.nextPageDelay = DefaultNextPageDelay
	}
	if l.obs == nil {
		l.obs = NopObserver{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.sleep == nil {
		l.sleep = fetcher.SleepContext
	}
	return l
}

// FirstPage 在第 1 页成功提交时关闭，用于解除“首屏”等待。
// Run 因终态失败或取消而提前返回时它同样会关闭，等待方应再看 Snapshot().FirstPageLoaded。
func (l *Loader) FirstPage() <-chan struct{} { return l.firstPage }

// Done 在 Run 返回时关闭。
func (l *Loader) Done() <-chan struct{} { return l.done }

// Snapshot 返回当前状态的副本（Films 是独立切片）。
func (l *Loader) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.clone()
}

// Run 串行加载全部页，直到完成、终态失败或 ctx 取消。
//
// 返回值：成功为 nil；终态失败为 *domain.Error（重试耗尽时 Kind 为 SCRAPING_ERROR）；取消为 ctx.Err()。
func (l *Loader) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrStarted
	}
	l.started = true
	l.st.Fetching = true
	l.st.CurrentPage = 1
	l.mu.Unlock()
	defer close(l.done)
	defer l.releaseFirstPage()

	page := 1
	attempt := 0
	for {
		l.obs.OnPageStart(l.username, page, l.totalPages())
		res, err := l.src.FetchPage(ctx, l.username, page)
		if ctx.Err() != nil {
			l.logger.Debug("loader canceled", "username", l.username, "page", page)
			return ctx.Err()
		}

		if err != nil {
			kind := domain.KindOf(err)
			if IsTerminal(kind) {
				l.logger.Info("terminal failure, not retrying", "username", l.username, "page", page, "kind", kind)
				return l.fail(err)
			}
			if attempt >= l.maxRetries {
				l.logger.Warn("retries exhausted", "username", l.username, "page", page, "attempts", attempt+1, "error", err)
				return l.fail(&domain.Error{
					Kind:    domain.KindScraping,
					Message: "Failed to load the watchlist, please try again later",
					Err:     err,
				})
			}

			attempt++
			delay := l.backoff(attempt)
			l.mu.Lock()
			l.st.RetryCount = attempt
			l.mu.Unlock()
			l.logger.Warn("page failed, retrying", "username", l.username, "page", page, "attempt", attempt, "max", l.maxRetries, "delay", delay.String(), "error", err)
			l.obs.OnRetry(l.username, page, attempt, l.maxRetries, delay, err)
			if serr := l.sleep(ctx, delay); serr != nil {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		added, updated, total, more := l.commit(page, res)
		l.obs.OnPageLoaded(l.username, page, total, added, updated, l.filmCount())

		if !more {
			l.finish()
			return nil
		}
		if l.nextPageDelay > 0 {
			if serr := l.sleep(ctx, l.nextPageDelay); serr != nil {
				return ctx.Err()
			}
		}
		page++
		l.mu.Lock()
		l.st.CurrentPage = page
		l.mu.Unlock()
	}
}

// IsTerminal 报告该错误分类是否不应重试。
func IsTerminal(kind domain.ErrorKind) bool {
	switch kind {
	case domain.KindPrivateWatchlist, domain.KindUserNotFound, domain.KindInvalidRequest:
		return true
	default:
		return false
	}
}

// Backoff 返回第 attempt 次重试前的等待：base*2^(attempt-1) + [0, base/2) 抖动。
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base << (attempt - 1)
	if half := int64(base / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	return d
}

func (l *Loader) backoff(attempt int) time.Duration {
	return Backoff(l.backoffBase, attempt)
}

// commit 合并一页结果。同一 identity 已存在时原位替换（记入 updated），否则追加（记入 added）。
func (l *Loader) commit(page int, res domain.PageResult) (added, updated []domain.Film, total int, more bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range res.Films {
		if i, ok := l.index[f.ID]; ok {
			l.st.Films[i] = f
			updated = append(updated, f)
			continue
		}
		l.index[f.ID] = len(l.st.Films)
		l.st.Films = append(l.st.Films, f)
		added = append(added, f)
	}

	// 总页数以第一次发现的值为准。
	switch {
	case l.st.TotalPages == 0:
		l.st.TotalPages = max(res.TotalPages, 1)
	case res.TotalPages != l.st.TotalPages:
		l.logger.Warn("total pages disagree, keeping first value", "username", l.username, "page", page, "first", l.st.TotalPages, "now", res.TotalPages)
	}

	l.st.CurrentPage = page
	l.st.RetryCount = 0
	l.st.FirstPageLoaded = true
	l.releaseFirstPage()

	more = res.HasNextPage && page < l.st.TotalPages
	return added, updated, l.st.TotalPages, more
}

func (l *Loader) finish() {
	l.mu.Lock()
	l.st.Fetching = false
	l.st.Done = true
	st := l.st.clone()
	l.mu.Unlock()

	l.logger.Info("watchlist loaded", "username", l.username, "films", len(st.Films), "total_pages", st.TotalPages)
	l.obs.OnDone(st)
}

func (l *Loader) fail(err error) error {
	l.mu.Lock()
	l.st.Fetching = false
	l.st.Done = true
	l.st.Err = err
	st := l.st.clone()
	l.mu.Unlock()

	l.releaseFirstPage()
	l.obs.OnDone(st)
	return err
}

func (l *Loader) releaseFirstPage() {
	l.firstOnce.Do(func() { close(l.firstPage) })
}

func (l *Loader) totalPages() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.TotalPages
}

func (l *Loader) filmCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.st.Films)
}
