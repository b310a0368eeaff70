package fetcher

import "github.com/John-Robertt/boxdroll/internal/infra/httpx"

// browserHeaders 模拟普通桌面 Chrome 打开页面时的 header 组合，并显式禁用缓存。
// Connection 由 Transport 的 keep-alive 策略决定，这里不写。
func browserHeaders() map[string]string {
	return map[string]string{
		"User-Agent":                httpx.RandomUserAgent(),
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"Accept-Language":           "en-US,en;q=0.9,it;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Cache-Control":             "max-age=0",
		"Pragma":                    "no-cache",
		"sec-ch-ua":                 `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		"sec-ch-ua-mobile":          "?0",
		"sec-ch-ua-platform":        `"Windows"`,
	}
}

// ajaxHeaders 是页面内脚本发起的片段请求应有的 header。
func ajaxHeaders(referer string) map[string]string {
	h := map[string]string{
		"User-Agent":       httpx.RandomUserAgent(),
		"Accept":           "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language":  "en-US,en;q=0.9,it;q=0.8",
		"X-Requested-With": "XMLHttpRequest",
	}
	if referer != "" {
		h["Referer"] = referer
	}
	return h
}
