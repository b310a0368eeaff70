package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

type recordSleep struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func bigHTML() string {
	return "<html><body>" + strings.Repeat("<p>watchlist</p>", 200) + "</body></html>"
}

func newTestFetcher(srv *httptest.Server, rs *recordSleep) *Fetcher {
	return New(srv.Client(), Options{Sleep: rs.sleep})
}

func TestFetchPage_OKWithJitterAndBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(bigHTML()))
	}))
	defer srv.Close()

	rs := &recordSleep{}
	f := newTestFetcher(srv, rs)
	b, err := f.FetchPage(context.Background(), srv.URL+"/u/watchlist/")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if string(b) != bigHTML() {
		t.Fatalf("响应体不一致")
	}

	if len(rs.calls) != 1 {
		t.Fatalf("期望请求前等待 1 次，实际 %d", len(rs.calls))
	}
	if d := rs.calls[0]; d < DefaultDelayMin || d > DefaultDelayMax {
		t.Fatalf("等待时长超出 [1s,1.5s]：%s", d)
	}

	if !strings.HasPrefix(got.Get("User-Agent"), "Mozilla/5.0") {
		t.Fatalf("期望浏览器 UA，实际 %q", got.Get("User-Agent"))
	}
	if got.Get("Sec-Fetch-Mode") != "navigate" || got.Get("Cache-Control") != "max-age=0" {
		t.Fatalf("浏览器 header 不完整：%v", got)
	}
	if got.Get("X-Requested-With") != "" {
		t.Fatalf("页面请求不应带 XHR 标记")
	}
}

func TestFetchPage_StatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(bigHTML()))
		}))

		_, err := newTestFetcher(srv, &recordSleep{}).FetchPage(context.Background(), srv.URL)
		srv.Close()

		var se *HTTPStatusError
		if !errors.As(err, &se) {
			t.Fatalf("期望 HTTPStatusError，实际 %T %v", err, err)
		}
		if se.StatusCode != code || StatusCode(err) != code {
			t.Fatalf("期望状态码 %d，实际 %d", code, se.StatusCode)
		}
	}
}

func TestFetchPage_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>blocked</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv, &recordSleep{}).FetchPage(context.Background(), srv.URL)
	var sb *ShortBodyError
	if !errors.As(err, &sb) {
		t.Fatalf("期望 ShortBodyError，实际 %T %v", err, err)
	}
	if sb.Min != DefaultMinBodyBytes {
		t.Fatalf("期望阈值 %d，实际 %d", DefaultMinBodyBytes, sb.Min)
	}
}

func TestFetchPage_DecodesGzipAndBrotli(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(bigHTML()))
	_ = gw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(bigHTML()))
	_ = bw.Close()

	cases := map[string][]byte{"gzip": gz.Bytes(), "br": br.Bytes()}
	for enc, payload := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", enc)
			_, _ = w.Write(payload)
		}))
		b, err := newTestFetcher(srv, &recordSleep{}).FetchPage(context.Background(), srv.URL)
		srv.Close()
		if err != nil {
			t.Fatalf("%s：不期望错误：%v", enc, err)
		}
		if string(b) != bigHTML() {
			t.Fatalf("%s：解码结果不一致", enc)
		}
	}
}

func TestFetchPage_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	client := srv.Client()
	srv.Close()

	_, err := New(client, Options{Sleep: (&recordSleep{}).sleep}).FetchPage(context.Background(), url)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("期望 TransportError，实际 %T %v", err, err)
	}
}

func TestFetchPage_CanceledDuringDelay(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(srv.Client(), Options{}).FetchPage(ctx, srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	if hits != 0 {
		t.Fatalf("取消后不应发出请求")
	}
}

func TestFetchFragment_AjaxHeadersNoDelayNoMinLength(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`<div><img src="//img/x.jpg"></div>`))
	}))
	defer srv.Close()

	rs := &recordSleep{}
	b, err := newTestFetcher(srv, rs).FetchFragment(context.Background(), srv.URL+"/ajax/poster/film/x/std/125x187/?k=1", "https://letterboxd.com/")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !strings.Contains(string(b), "img") {
		t.Fatalf("片段内容不一致：%q", string(b))
	}
	if len(rs.calls) != 0 {
		t.Fatalf("片段请求不应随机等待")
	}
	if got.Get("X-Requested-With") != "XMLHttpRequest" || got.Get("Referer") != "https://letterboxd.com/" {
		t.Fatalf("AJAX header 不完整：%v", got)
	}
}

func TestJitter_DisabledAndFixed(t *testing.T) {
	f := New(nil, Options{DelayMax: -1})
	if d := f.jitter(); d != 0 {
		t.Fatalf("DelayMax<0 时不应等待，实际 %s", d)
	}
	f = New(nil, Options{DelayMin: 200 * time.Millisecond, DelayMax: 100 * time.Millisecond})
	if d := f.jitter(); d != 200*time.Millisecond {
		t.Fatalf("max<min 时应退化为固定 min，实际 %s", d)
	}
}

func TestFetchFragment_SharedRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<div></div>"))
	}))
	defer srv.Close()

	// 每秒 2 个、突发 2：第 3 个请求必须等到令牌回填。
	f := New(srv.Client(), Options{RequestsPerSecond: 2})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := f.FetchFragment(context.Background(), srv.URL+"/ajax/x", ""); err != nil {
			t.Fatalf("第 %d 次请求不期望错误：%v", i+1, err)
		}
	}
	if el := time.Since(start); el < 400*time.Millisecond {
		t.Fatalf("第 3 个请求应被限速，实际总耗时 %s", el)
	}
}

func TestFetchFragment_RateLimitWaitHonorsCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<div></div>"))
	}))
	defer srv.Close()

	f := New(srv.Client(), Options{RequestsPerSecond: 0.5})
	if _, err := f.FetchFragment(context.Background(), srv.URL+"/ajax/x", ""); err != nil {
		t.Fatalf("首个请求不期望错误：%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.FetchFragment(ctx, srv.URL+"/ajax/x", "")
	if err == nil {
		t.Fatalf("期望限速等待被取消")
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("取消后应立即返回，实际等待 %s", el)
	}
}

func TestNew_NegativeRateDisablesLimiter(t *testing.T) {
	if f := New(nil, Options{RequestsPerSecond: -1}); f.limiter != nil {
		t.Fatalf("负数速率应关闭限速")
	}
	if f := New(nil, Options{}); f.limiter == nil || f.limiter.Burst() != DefaultRequestsPerSecond {
		t.Fatalf("零值应使用默认速率")
	}
}
