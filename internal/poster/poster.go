package poster

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FragmentFetcher 是 Resolver 对网络层的唯一依赖（fetcher.Fetcher 满足该接口）。
type FragmentFetcher interface {
	FetchFragment(ctx context.Context, url, referer string) ([]byte, error)
}

// Resolver 通过站点的海报片段接口解析真实海报地址。
//
// 约束：
// - 没有 cache-busting key 时不发请求，直接返回未解析
// - 任何失败（网络、非 2xx、片段里没有 img）都只返回未解析，不向调用方抛错
// - 调用方负责相邻两次调用之间的间隔
type Resolver struct {
	// Origin 形如 https://letterboxd.com（不带结尾 /）。
	Origin  string
	Fetcher FragmentFetcher
	Logger  *slog.Logger

	// OnFragment 可选：拿到片段后回调（用于调试落盘），不影响解析结果。
	OnFragment func(canonicalPath string, html []byte)
}

// Resolve 返回 (posterURL, true)；未解析时返回 ("", false)。
func (r *Resolver) Resolve(ctx context.Context, canonicalPath, key string) (string, bool) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		logger.Debug("poster skipped: no cache busting key", "path", canonicalPath)
		return "", false
	}
	if r.Fetcher == nil {
		return "", false
	}

	origin := strings.TrimRight(r.Origin, "/")
	endpoint := EndpointURL(origin, canonicalPath, key)
	body, err := r.Fetcher.FetchFragment(ctx, endpoint, origin+"/")
	if err != nil {
		logger.Debug("poster fragment failed", "path", canonicalPath, "error", err)
		return "", false
	}
	if r.OnFragment != nil {
		r.OnFragment(canonicalPath, body)
	}

	src := firstImageSrc(body)
	if src == "" {
		logger.Debug("poster fragment has no image", "path", canonicalPath, "bytes", len(body))
		return "", false
	}
	u, ok := Normalize(origin, src)
	if !ok {
		logger.Debug("poster src not usable", "path", canonicalPath, "src", src)
		return "", false
	}
	return u, true
}

// EndpointURL 构造海报片段地址：{origin}/ajax/poster{path}std/125x187/?k={key}。
// canonicalPath 约定以 / 开头和结尾（/film/alien/）。
func EndpointURL(origin, canonicalPath, key string) string {
	p := canonicalPath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return strings.TrimRight(origin, "/") + "/ajax/poster" + p + "std/125x187/?k=" + url.QueryEscape(key)
}

// firstImageSrc 优先取 body > div > img 的第一个，其次取文档里第一个 img。
func firstImageSrc(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range []string{"body > div > img", "img"} {
		if src, ok := doc.Find(sel).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
			return strings.TrimSpace(src)
		}
	}
	return ""
}

// Normalize 把片段里的 src 变成绝对 URL。
//
// 规则（顺序重要）：
// - //host/x.jpg => https://host/x.jpg（必须先于 / 判断）
// - /x.jpg       => {origin}/x.jpg
// - http(s)://   => 原样
// - 其他相对路径 => 相对 {origin}/ 解析
// 结果不是 http/https 绝对地址时返回 false。
func Normalize(origin, src string) (string, bool) {
	src = strings.TrimSpace(src)
	origin = strings.TrimRight(origin, "/")
	switch {
	case src == "":
		return "", false
	case strings.HasPrefix(src, "//"):
		src = "https:" + src
	case strings.HasPrefix(src, "/"):
		src = origin + src
	}

	u, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		base, err := url.Parse(origin + "/")
		if err != nil {
			return "", false
		}
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}
