package domain

import "strings"

// PlaceholderPoster 是海报解析失败（或缺少 cache-busting key）时的占位 URL。
// UI 侧按固定尺寸渲染占位图；该值是哨兵，不会被当作真实海报再次解析。
const PlaceholderPoster = "/placeholder.svg?height=187&width=125"

// FilmStub 是 extractor 的中间产物（尚未解析海报）。
//
// 约束：
// - Title 非空且已 trim
// - CanonicalPath 是站内相对路径（形如 /film/alien-1979/），同一 watchlist 内唯一
// - Year / UserRating 为 0 表示缺失
type FilmStub struct {
	ID              string
	Title           string
	CanonicalPath   string
	CacheBustingKey string
	Year            int
	UserRating      int
}

// Film 是最终交给 UI 的记录。JSON 字段名与既有前端契约保持一致。
type Film struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Year          int    `json:"year,omitempty"`
	UserRating    int    `json:"userRating,omitempty"`
	CanonicalPath string `json:"filmLink"`
	PosterURL     string `json:"posterUrl"`
	DetailURL     string `json:"letterboxdUrl"`
}

// NewFilm 把 stub 与解析结果合成为 Film。
// posterURL 为空时落到 PlaceholderPoster，保证 UI 永远拿不到空值。
func NewFilm(s FilmStub, origin, posterURL string) Film {
	if strings.TrimSpace(posterURL) == "" {
		posterURL = PlaceholderPoster
	}
	return Film{
		ID:            s.ID,
		Title:         s.Title,
		Year:          s.Year,
		UserRating:    s.UserRating,
		CanonicalPath: s.CanonicalPath,
		PosterURL:     posterURL,
		DetailURL:     strings.TrimRight(origin, "/") + s.CanonicalPath,
	}
}

// IdentityFromPath 把站内路径压平为稳定的 id：/film/alien-1979/ => film-alien-1979。
func IdentityFromPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return strings.ReplaceAll(p, "/", "-")
}

// PageResult 是单页请求的成功响应。
type PageResult struct {
	Films       []Film `json:"films"`
	HasNextPage bool   `json:"hasNextPage"`
	TotalPages  int    `json:"totalPages"`
}

// EmptyPage 是“watchlist 为空”的固定结果（不是错误）。
func EmptyPage() PageResult {
	return PageResult{Films: []Film{}, HasNextPage: false, TotalPages: 1}
}

// Clone 返回深拷贝，供缓存命中时避免调用方共享底层数组。
func (r PageResult) Clone() PageResult {
	out := r
	out.Films = append([]Film(nil), r.Films...)
	if out.Films == nil {
		out.Films = []Film{}
	}
	return out
}
