package httpx

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
)

// DefaultTimeout 是单次请求的总超时（超时在上层归类为 NETWORK_ERROR）。
const DefaultTimeout = 15 * time.Second

// Options 描述上游 HTTP client 的网络策略。
type Options struct {
	// ProxyURL 非空时所有请求走代理，且禁用 keep-alive。
	ProxyURL string
	// Timeout <= 0 时使用 DefaultTimeout。
	Timeout time.Duration
	// CloudflareBypass 打开后在 Base 外包一层 cloudflare-bp 的 TLS/header 伪装。
	CloudflareBypass bool
}

// Transport 把“UA 池 + 代理 + keep-alive 策略”固化为统一策略。
//
// 约束：这里不做重试。单页失败要原样上抛，重试只在 loader 层发生。
type Transport struct {
	Base *http.Transport

	// next 为空时直接使用 Base；启用 cloudflare bypass 时指向包装后的 RoundTripper。
	next http.RoundTripper

	ua *uaPool

	// DisableKeepAlives 决定是否对 Request 设置 Close=true。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// Clone 会复制 Header，避免在 RoundTripper 内部修改调用方的 request。
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", t.ua.random())
	}
	if t.DisableKeepAlives {
		r.Close = true
	}

	if t.next != nil {
		return t.next.RoundTrip(r)
	}
	return t.Base.RoundTrip(r)
}

// RandomUserAgent 从内置 UA 池取一个浏览器 UA（供需要显式写 header 的调用方使用）。
func RandomUserAgent() string { return globalUA.random() }

// NewClient 构造抓取上游页面用的 HTTP client。
//
// 规则：
// - ProxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 内置 UA 池：请求未显式设置 UA 时随机选一个
// - 总超时：Options.Timeout（默认 15s）
func NewClient(opts Options) (*http.Client, error) {
	proxyURL := strings.TrimSpace(opts.ProxyURL)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		// 响应体由 fetcher 自己按 Content-Encoding 解码（含 br），这里不让标准库抢先处理 gzip。
		DisableCompression: true,
	}

	disableKeepAlives := false
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy url 缺少 scheme 或 host")
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		DisableKeepAlives: disableKeepAlives,
	}
	if opts.CloudflareBypass {
		tr.next = cloudflarebp.AddCloudFlareByPass(base)
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type uaPool struct {
	uas []string
}

func (p *uaPool) random() string {
	return p.uas[rand.IntN(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	// 只放桌面浏览器 UA：上游对移动 UA 会返回不同的列表结构。
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
	return &uaPool{uas: uas}
}
