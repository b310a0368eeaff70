package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/loader"
)

var _ loader.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的加载进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：loader 只发事件，CLI 决定如何展示
// - keepalive：一页迟迟没有结果时，定期轮换输出一条加载提示
type progressUI struct {
	w io.Writer

	mu            sync.Mutex
	startedAt     time.Time
	pageStartedAt time.Time
	lastPrinted   time.Time

	page   int
	total  int
	loaded int
	done   bool

	// rotation 是下一条 keepalive 提示的序号。
	rotation int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 3 * time.Second,
		tickerInterval:     time.Second,
	}
}

func (p *progressUI) OnPageStart(username string, page, totalPages int) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.startedAt.IsZero() {
		p.startedAt = now
		fmt.Fprintf(p.w, "[%s] boxdroll list %s\n", now.Format("15:04:05"), username)
	}
	p.page = page
	p.total = totalPages
	p.pageStartedAt = now
	if !p.tickerStarted && !p.done {
		p.startTickerLocked()
	}
	p.lastPrinted = now
}

func (p *progressUI) OnPageLoaded(username string, page, totalPages int, added, updated []domain.Film, loaded int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.page = page
	p.total = totalPages
	p.loaded = loaded
	changed := ""
	if len(updated) > 0 {
		changed = fmt.Sprintf(" ~%d 部", len(updated))
	}
	fmt.Fprintf(p.w, "[%d/%s] +%d 部%s 累计=%d (%s)\n",
		page, totalText(totalPages), len(added), changed, loaded, formatShortDuration(time.Since(p.pageStartedAt)),
	)
	p.lastPrinted = time.Now()
}

// firstPageReady 在首屏就绪而后续页仍在加载时输出一行提示。
func (p *progressUI) firstPageReady(st loader.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}
	fmt.Fprintf(p.w, "首屏就绪：已有 %d 部影片，剩余 %d 页继续加载...\n", len(st.Films), max(st.TotalPages-1, 0))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnRetry(username string, page, attempt, maxRetries int, delay time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "[%d/%s] 连接失败（第 %d/%d 次重试，%s 后）：%s\n",
		page, totalText(p.total), attempt, maxRetries, formatShortDuration(delay), truncate(domain.MessageOf(err), 120),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnDone(st loader.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	elapsed := formatElapsed(time.Since(p.startedAt))
	if st.Err != nil {
		fmt.Fprintf(p.w, "失败: %s elapsed=%s\n", domain.KindOf(st.Err), elapsed)
	} else {
		fmt.Fprintf(p.w, "完成: films=%d pages=%d elapsed=%s\n", len(st.Films), st.TotalPages, elapsed)
	}
	fmt.Fprintln(p.w)
	p.lastPrinted = time.Now()
}

// stop 结束 keepalive；加载被取消（不会收到 OnDone）时由调用方调用。可重复调用。
func (p *progressUI) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *progressUI) stopLocked() {
	p.done = true
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stopCh := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 3 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				// 已结束：安全退出（OnDone 会 close stopCh，但这里也做兜底）。
				if p.done {
					p.mu.Unlock()
					return
				}
				if time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "%s (%s)\n",
						loadingMessage(p.rotation, p.page, p.total, p.loaded), formatElapsed(time.Since(p.startedAt)),
					)
					p.rotation++
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

// loadingMessage 返回第 i 条轮换提示（循环）。
func loadingMessage(i, page, total, loaded int) string {
	msgs := [...]string{
		fmt.Sprintf("正在加载第 %d 页（共 %s 页）...", page, totalText(total)),
		"正在把新影片加入列表...",
		fmt.Sprintf("已加载 %d 部影片...", loaded),
		"正在从 Letterboxd 获取海报...",
		fmt.Sprintf("正在处理第 %d 页的影片...", page),
	}
	if i < 0 {
		i = -i
	}
	return msgs[i%len(msgs)]
}

// totalText 在总页数未知（第一页之前）时返回 "?"。
func totalText(total int) string {
	if total <= 0 {
		return "?"
	}
	return strconv.Itoa(total)
}

// truncate 按字符（rune）截断到最多 max 个字符。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
