package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/infra/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	calls []int
	fn    func(call, page int) (domain.PageResult, error)
}

func (f *fakeSource) FetchPage(ctx context.Context, username string, page int) (domain.PageResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, page)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(n, page)
}

func (f *fakeSource) pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type recordSleep struct {
	mu sync.Mutex
	ds []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.ds = append(r.ds, d)
	r.mu.Unlock()
	return ctx.Err()
}

type recordObserver struct {
	mu      sync.Mutex
	events  []string
	retries []int
	updated []string
	done    []State
}

func (o *recordObserver) add(e string) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordObserver) OnPageStart(_ string, page, _ int) { o.add("start") }
func (o *recordObserver) OnPageLoaded(_ string, page, _ int, added, updated []domain.Film, _ int) {
	o.mu.Lock()
	o.updated = append(o.updated, ids(updated)...)
	o.mu.Unlock()
	o.add("loaded")
}
func (o *recordObserver) OnRetry(_ string, _, attempt, _ int, _ time.Duration, _ error) {
	o.mu.Lock()
	o.retries = append(o.retries, attempt)
	o.mu.Unlock()
	o.add("retry")
}
func (o *recordObserver) OnDone(s State) {
	o.mu.Lock()
	o.done = append(o.done, s)
	o.mu.Unlock()
	o.add("done")
}

func film(id string) domain.Film {
	return domain.Film{ID: id, Title: id, CanonicalPath: "/film/" + id + "/", PosterURL: domain.PlaceholderPoster}
}

func page(total int, next bool, ids ...string) domain.PageResult {
	res := domain.PageResult{Films: []domain.Film{}, HasNextPage: next, TotalPages: total}
	for _, id := range ids {
		res.Films = append(res.Films, film(id))
	}
	return res
}

func ids(films []domain.Film) []string {
	out := make([]string, 0, len(films))
	for _, f := range films {
		out = append(out, f.ID)
	}
	return out
}

func newLoader(src PageSource, rs *recordSleep, obs Observer, opts Options) *Loader {
	opts.Sleep = rs.sleep
	opts.Observer = obs
	opts.Logger = logx.Discard()
	return New(src, "cinephile", opts)
}

func TestRun_LoadsAllPagesInOrder(t *testing.T) {
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		switch p {
		case 1:
			return page(3, true, "a", "b"), nil
		case 2:
			return page(3, true, "c"), nil
		default:
			return page(3, true, "d", "e"), nil
		}
	}}
	rs := &recordSleep{}
	obs := &recordObserver{}
	l := newLoader(src, rs, obs, Options{})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, src.pages()); diff != "" {
		t.Fatalf("页请求顺序不正确 (-want +got):\n%s", diff)
	}

	st := l.Snapshot()
	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e"}, ids(st.Films)); diff != "" {
		t.Fatalf("累计顺序不正确 (-want +got):\n%s", diff)
	}
	if !st.Done || st.Fetching || !st.FirstPageLoaded || st.Err != nil || st.TotalPages != 3 || st.CurrentPage != 3 {
		t.Fatalf("终态不正确：%+v", st)
	}
	if st.Progress() != 100 {
		t.Fatalf("完成后进度应为 100，实际 %d", st.Progress())
	}
	// 翻页前固定等待 1s，共两次。
	if diff := cmp.Diff([]time.Duration{time.Second, time.Second}, rs.ds); diff != "" {
		t.Fatalf("翻页等待不正确 (-want +got):\n%s", diff)
	}
	wantEvents := []string{"start", "loaded", "start", "loaded", "start", "loaded", "done"}
	if diff := cmp.Diff(wantEvents, obs.events); diff != "" {
		t.Fatalf("事件序列不正确 (-want +got):\n%s", diff)
	}
	select {
	case <-l.FirstPage():
	default:
		t.Fatalf("FirstPage 应已关闭")
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("Done 应已关闭")
	}
}

func TestRun_StopsWhenNoNextPage(t *testing.T) {
	// hasNextPage=false 时即使 page < total 也停止。
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		return page(5, false, "a"), nil
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := src.pages(); len(got) != 1 {
		t.Fatalf("期望只请求 1 页，实际 %v", got)
	}
}

func TestRun_StopsAtTotalPagesEvenIfNextClaimed(t *testing.T) {
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		return page(2, true, "p"+string(rune('0'+p))), nil
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, src.pages()); diff != "" {
		t.Fatalf("不应越过 totalPages (-want +got):\n%s", diff)
	}
}

func TestRun_CrossPageDuplicateReplacedInPlace(t *testing.T) {
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		if p == 1 {
			return page(2, true, "a", "b"), nil
		}
		res := page(2, false, "c", "a")
		res.Films[1].Title = "A (updated)"
		return res, nil
	}}
	obs := &recordObserver{}
	l := newLoader(src, &recordSleep{}, obs, Options{})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	st := l.Snapshot()
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(st.Films)); diff != "" {
		t.Fatalf("重复条目应原位替换 (-want +got):\n%s", diff)
	}
	if st.Films[0].Title != "A (updated)" {
		t.Fatalf("后出现的值应覆盖，实际 %q", st.Films[0].Title)
	}
	if diff := cmp.Diff([]string{"a"}, obs.updated); diff != "" {
		t.Fatalf("被替换的条目应通过 updated 通知 (-want +got):\n%s", diff)
	}
}

func TestRun_FirstTotalPagesWins(t *testing.T) {
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		if p == 1 {
			return page(2, true, "a"), nil
		}
		return page(7, true, "b"), nil
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if st := l.Snapshot(); st.TotalPages != 2 || len(src.pages()) != 2 {
		t.Fatalf("应以首次发现的总页数为准：total=%d pages=%v", st.TotalPages, src.pages())
	}
}

func TestRun_TerminalErrorsAreNotRetried(t *testing.T) {
	for _, kind := range []domain.ErrorKind{domain.KindPrivateWatchlist, domain.KindUserNotFound, domain.KindInvalidRequest} {
		src := &fakeSource{fn: func(_, _ int) (domain.PageResult, error) {
			return domain.PageResult{}, domain.Errorf(kind, nil, "nope")
		}}
		rs := &recordSleep{}
		l := newLoader(src, rs, nil, Options{})

		err := l.Run(context.Background())
		if domain.KindOf(err) != kind {
			t.Fatalf("期望 %s，实际 %v", kind, err)
		}
		if len(src.pages()) != 1 || len(rs.ds) != 0 {
			t.Fatalf("%s 不应重试：calls=%v sleeps=%v", kind, src.pages(), rs.ds)
		}
		st := l.Snapshot()
		if !st.Done || st.Fetching || domain.KindOf(st.Err) != kind {
			t.Fatalf("%s：终态不正确 %+v", kind, st)
		}
		select {
		case <-l.FirstPage():
		default:
			t.Fatalf("%s：终态失败也应解除首屏等待", kind)
		}
	}
}

func TestRun_RetriesWithBackoffThenSucceeds(t *testing.T) {
	src := &fakeSource{fn: func(call, _ int) (domain.PageResult, error) {
		if call <= 2 {
			return domain.PageResult{}, domain.Errorf(domain.KindNetwork, nil, "flaky")
		}
		return page(1, false, "a"), nil
	}}
	rs := &recordSleep{}
	obs := &recordObserver{}
	l := newLoader(src, rs, obs, Options{BackoffBase: 100 * time.Millisecond})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(rs.ds) != 2 {
		t.Fatalf("期望两次退避等待，实际 %v", rs.ds)
	}
	bounds := [][2]time.Duration{{100 * time.Millisecond, 150 * time.Millisecond}, {200 * time.Millisecond, 250 * time.Millisecond}}
	for i, d := range rs.ds {
		if d < bounds[i][0] || d >= bounds[i][1] {
			t.Fatalf("第 %d 次退避 %s 不在 [%s,%s) 内", i+1, d, bounds[i][0], bounds[i][1])
		}
	}
	if diff := cmp.Diff([]int{1, 2}, obs.retries); diff != "" {
		t.Fatalf("重试序号不正确 (-want +got):\n%s", diff)
	}
	if st := l.Snapshot(); st.RetryCount != 0 || st.Err != nil {
		t.Fatalf("成功后 RetryCount 应归零：%+v", st)
	}
}

func TestRun_RetriesExhaustedBecomesScrapingError(t *testing.T) {
	cause := domain.Errorf(domain.KindParsing, nil, "broken markup")
	src := &fakeSource{fn: func(_, _ int) (domain.PageResult, error) {
		return domain.PageResult{}, cause
	}}
	obs := &recordObserver{}
	l := newLoader(src, &recordSleep{}, obs, Options{})

	err := l.Run(context.Background())
	if domain.KindOf(err) != domain.KindScraping {
		t.Fatalf("期望 SCRAPING_ERROR，实际 %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("应保留底层原因：%v", err)
	}
	if n := len(src.pages()); n != 1+DefaultMaxRetries {
		t.Fatalf("期望共尝试 %d 次，实际 %d", 1+DefaultMaxRetries, n)
	}
	if len(obs.done) != 1 || domain.KindOf(obs.done[0].Err) != domain.KindScraping {
		t.Fatalf("OnDone 应恰好调用一次并携带终态错误：%+v", obs.done)
	}
}

func TestRun_NegativeMaxRetriesDisablesRetry(t *testing.T) {
	src := &fakeSource{fn: func(_, _ int) (domain.PageResult, error) {
		return domain.PageResult{}, errors.New("boom")
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{MaxRetries: -1})

	if err := l.Run(context.Background()); domain.KindOf(err) != domain.KindScraping {
		t.Fatalf("期望 SCRAPING_ERROR，实际 %v", err)
	}
	if n := len(src.pages()); n != 1 {
		t.Fatalf("不应重试，实际请求 %d 次", n)
	}
}

func TestRun_CancelDiscardsInFlightPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		if p == 2 {
			cancel()
			return page(3, true, "late"), nil
		}
		return page(3, true, "a"), nil
	}}
	obs := &recordObserver{}
	l := newLoader(src, &recordSleep{}, obs, Options{NextPageDelay: -1})

	err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	st := l.Snapshot()
	if diff := cmp.Diff([]string{"a"}, ids(st.Films)); diff != "" {
		t.Fatalf("取消后不应提交在途页 (-want +got):\n%s", diff)
	}
	if len(obs.done) != 0 {
		t.Fatalf("取消后不应再通知 OnDone")
	}
}

func TestRun_TwiceIsRejected(t *testing.T) {
	src := &fakeSource{fn: func(_, _ int) (domain.PageResult, error) { return page(1, false), nil }}
	l := newLoader(src, &recordSleep{}, nil, Options{})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("期望 ErrStarted，实际 %v", err)
	}
}

func TestRun_FirstPageUnblocksBeforeDone(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{fn: func(_, p int) (domain.PageResult, error) {
		if p == 2 {
			<-release
			return page(2, false, "b"), nil
		}
		return page(2, true, "a"), nil
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{NextPageDelay: -1})

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	select {
	case <-l.FirstPage():
	case <-time.After(2 * time.Second):
		t.Fatalf("首屏应在第 2 页完成前解除")
	}
	if st := l.Snapshot(); !st.FirstPageLoaded || st.Done || len(st.Films) != 1 {
		t.Fatalf("首屏时状态不正确：%+v", st)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if st := l.Snapshot(); len(st.Films) != 2 || !st.Done {
		t.Fatalf("完成后状态不正确：%+v", st)
	}
}

func TestRun_FirstPageReleasedWhenCanceledEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{fn: func(_, _ int) (domain.PageResult, error) {
		<-ctx.Done()
		return domain.PageResult{}, domain.Errorf(domain.KindNetwork, ctx.Err(), "canceled")
	}}
	l := newLoader(src, &recordSleep{}, nil, Options{})

	time.AfterFunc(10*time.Millisecond, cancel)
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	select {
	case <-l.FirstPage():
	case <-time.After(time.Second):
		t.Fatalf("Run 返回后 FirstPage 应已关闭")
	}
	if l.Snapshot().FirstPageLoaded {
		t.Fatalf("取消时第 1 页并未加载")
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	for attempt, lo := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		for i := 0; i < 20; i++ {
			d := Backoff(base, attempt)
			if d < lo || d >= lo+base/2 {
				t.Fatalf("Backoff(%d) = %s，不在 [%s,%s) 内", attempt, d, lo, lo+base/2)
			}
		}
	}
}

func TestState_Progress(t *testing.T) {
	cases := []struct {
		st   State
		want int
	}{
		{State{}, 0},
		{State{TotalPages: 4, CurrentPage: 2, Fetching: true}, 25},
		{State{TotalPages: 4, CurrentPage: 4}, 100},
		{State{Done: true, TotalPages: 4, CurrentPage: 1}, 100},
		{State{Done: true, TotalPages: 4, CurrentPage: 1, Err: errors.New("x")}, 25},
	}
	for i, c := range cases {
		if got := c.st.Progress(); got != c.want {
			t.Fatalf("case %d：期望 %d，实际 %d", i, c.want, got)
		}
	}
}
