package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/boxdroll/internal/infra/httpx"
)

const (
	// DefaultMinBodyBytes 是一个真实列表页的最小合理长度；更短的 2xx 响应视为拦截页/空壳。
	DefaultMinBodyBytes = 1000

	DefaultDelayMin = 1000 * time.Millisecond
	DefaultDelayMax = 1500 * time.Millisecond

	// DefaultRequestsPerSecond 是所有上游请求（列表页与片段）合计的速率上限。
	DefaultRequestsPerSecond = 4

	// maxBodyBytes 防止异常上游把整个响应读进内存。
	maxBodyBytes = 8 << 20
)

// Options 描述 fetcher 的礼貌策略与校验阈值。零值字段使用默认值。
type Options struct {
	MinBodyBytes int

	// DelayMin/DelayMax 是列表页请求前的随机等待区间。两者都为 0 时使用默认 1s~1.5s；
	// 需要关闭等待时把 DelayMax 设为负数。
	DelayMin time.Duration
	DelayMax time.Duration

	// RequestsPerSecond 限制同一个 Fetcher 发出的全部请求的速率（突发同值）；
	// 0 使用默认值，负数表示不限。多个并发调用方共享这一个上限。
	RequestsPerSecond float64

	Logger *slog.Logger

	// Sleep 可替换，便于测试跳过真实等待。必须在 ctx 取消时立即返回 ctx.Err()。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fetcher 负责“像浏览器一样 GET 一个页面”，并只做 HTTP 层面的分类：
// 状态码、网络错误、过短响应。它不知道 URL 的语义（用户/页码），分类由调用方完成。
//
// 约束：不做重试、不做缓存。
type Fetcher struct {
	client *resty.Client

	minBody  int
	delayMin time.Duration
	delayMax time.Duration
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// New 在给定 http.Client 之上构造 Fetcher；hc 通常来自 httpx.NewClient。
func New(hc *http.Client, opts Options) *Fetcher {
	if hc == nil {
		hc = &http.Client{Timeout: httpx.DefaultTimeout}
	}
	c := resty.NewWithClient(hc)
	c.SetRetryCount(0)
	c.SetDoNotParseResponse(true)

	f := &Fetcher{
		client:   c,
		minBody:  opts.MinBodyBytes,
		delayMin: opts.DelayMin,
		delayMax: opts.DelayMax,
		sleep:    opts.Sleep,
		logger:   opts.Logger,
	}
	if f.minBody <= 0 {
		f.minBody = DefaultMinBodyBytes
	}
	if f.delayMin == 0 && f.delayMax == 0 {
		f.delayMin, f.delayMax = DefaultDelayMin, DefaultDelayMax
	}
	if f.delayMax < f.delayMin {
		f.delayMax = f.delayMin
	}
	switch rps := opts.RequestsPerSecond; {
	case rps == 0:
		f.limiter = newLimiter(DefaultRequestsPerSecond)
	case rps > 0:
		f.limiter = newLimiter(rps)
	}
	if f.sleep == nil {
		f.sleep = SleepContext
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// FetchPage 抓取一个完整的 HTML 页面（列表页）。
//
// 顺序：随机等待 -> 浏览器 header GET -> 状态码检查 -> 解码 -> 最小长度检查。
func (f *Fetcher) FetchPage(ctx context.Context, url string) ([]byte, error) {
	if d := f.jitter(); d > 0 {
		if err := f.sleep(ctx, d); err != nil {
			return nil, err
		}
	}

	body, err := f.get(ctx, url, browserHeaders())
	if err != nil {
		return nil, err
	}
	f.logger.Debug("fetched page", "url", url, "bytes", len(body))
	if len(body) < f.minBody {
		return nil, &ShortBodyError{URL: url, Len: len(body), Min: f.minBody}
	}
	return body, nil
}

// FetchFragment 抓取 AJAX 片段（例如海报片段）：不等待、不校验最小长度，带 referer 与 XHR 标记。
func (f *Fetcher) FetchFragment(ctx context.Context, url, referer string) ([]byte, error) {
	return f.get(ctx, url, ajaxHeaders(referer))
}

func (f *Fetcher) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("url 不能为空")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{URL: url, Err: err}
		}
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		return nil, &TransportError{URL: url, Err: err}
	}

	raw := resp.RawResponse
	if raw == nil {
		return nil, &TransportError{URL: url, Err: errors.New("empty response")}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(raw.Body, 64<<10))
		_ = raw.Body.Close()
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode()}
	}

	body, err := readBody(raw)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	return body, nil
}

func (f *Fetcher) jitter() time.Duration {
	if f.delayMax < 0 {
		return 0
	}
	span := f.delayMax - f.delayMin
	if span <= 0 {
		return f.delayMin
	}
	return f.delayMin + rand.N(span+1)
}

// newLimiter 构造每秒 rps 个请求、突发同值（至少 1）的令牌桶。
func newLimiter(rps float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
}

// readBody 按 Content-Encoding 解码响应体（gzip/deflate/br），并限制最大读取量。
func readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", maxBodyBytes)
	}
	return body, nil
}

// SleepContext 等待 d 或 ctx 结束（以先到者为准）。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
