package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/boxdroll/internal/domain"
)

// Strategy 把“上游 markup 变化”限制在一组选择器实现里；编排层只依赖该接口。
//
// 约束：
// - Extract 必须是纯函数：相同文档 => 相同输出
// - 单个条目缺字段/异常只跳过该条目，不返回错误
// - 输出顺序必须是文档顺序
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) []domain.FilmStub
}

// Attempt 记录一次策略尝试（用于日志解释为什么走了 fallback）。
type Attempt struct {
	Strategy string
	Count    int
}

// Default 返回默认策略链：poster-list（主）-> film-poster（备）。
func Default() []Strategy {
	return []Strategy{PosterList{}, FilmPoster{}}
}

// Run 按顺序尝试策略，返回第一个非空结果（已去重）。
//
// 返回值：
// - stubs：去重后的条目（同一路径出现多次时，后出现的值覆盖先出现的值，位置保持首次出现处）
// - used：产出结果的策略名；全部为空时为 ""
// - attempts：每个被尝试策略的产出数量
func Run(doc *goquery.Document, strategies []Strategy) (stubs []domain.FilmStub, used string, attempts []Attempt) {
	if doc == nil {
		return nil, "", nil
	}
	for _, s := range strategies {
		out := safeExtract(s, doc)
		attempts = append(attempts, Attempt{Strategy: s.Name(), Count: len(out)})
		if len(out) > 0 {
			return dedupe(out), s.Name(), attempts
		}
	}
	return nil, "", attempts
}

func safeExtract(s Strategy, doc *goquery.Document) (out []domain.FilmStub) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
		}
	}()
	return s.Extract(doc)
}

func dedupe(in []domain.FilmStub) []domain.FilmStub {
	out := make([]domain.FilmStub, 0, len(in))
	idx := make(map[string]int, len(in))
	for _, s := range in {
		if i, ok := idx[s.CanonicalPath]; ok {
			out[i] = s
			continue
		}
		idx[s.CanonicalPath] = len(out)
		out = append(out, s)
	}
	return out
}

// PosterList 是主策略：ul.poster-list li.poster-container。
// 路径与 cache-busting key 在容器内第一个 div 的 data 属性上，标题取 img 的 alt。
type PosterList struct{}

func (PosterList) Name() string { return "poster-list" }

func (PosterList) Extract(doc *goquery.Document) []domain.FilmStub {
	var out []domain.FilmStub
	doc.Find("ul.poster-list li.poster-container").Each(func(_ int, li *goquery.Selection) {
		stub, err := eachItem(func() (domain.FilmStub, error) {
			div := li.Find("div").First()
			path := attr(div, "data-film-link")
			title := normSpace(attr(li.Find("img").First(), "alt"))
			if path == "" || title == "" {
				return domain.FilmStub{}, errSkip
			}
			s := newStub(path, title, attr(div, "data-cache-busting-key"))
			s.UserRating = ratingFromClass(attr(li.Find(".rating").First(), "class"))
			return s, nil
		})
		if err == nil {
			out = append(out, stub)
		}
	})
	return out
}

// FilmPoster 是备用策略：更通用的 div.film-poster，路径属性名不同，不解析评分。
type FilmPoster struct{}

func (FilmPoster) Name() string { return "film-poster" }

func (FilmPoster) Extract(doc *goquery.Document) []domain.FilmStub {
	var out []domain.FilmStub
	doc.Find("div.film-poster").Each(func(_ int, div *goquery.Selection) {
		stub, err := eachItem(func() (domain.FilmStub, error) {
			path := attr(div, "data-target-link")
			title := normSpace(attr(div.Find("img").First(), "alt"))
			if path == "" || title == "" {
				return domain.FilmStub{}, errSkip
			}
			return newStub(path, title, attr(div, "data-cache-busting-key")), nil
		})
		if err == nil {
			out = append(out, stub)
		}
	})
	return out
}

var errSkip = fmt.Errorf("skip")

// eachItem 隔离单个条目的异常：panic 视为跳过。
func eachItem(fn func() (domain.FilmStub, error)) (s domain.FilmStub, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract item: %v", r)
		}
	}()
	return fn()
}

func newStub(path, title, key string) domain.FilmStub {
	return domain.FilmStub{
		ID:              domain.IdentityFromPath(path),
		Title:           title,
		CanonicalPath:   path,
		CacheBustingKey: key,
		Year:            yearFromPath(path),
	}
}

var (
	yearRE   = regexp.MustCompile(`/(\d{4})/`)
	ratingRE = regexp.MustCompile(`(?:^|\s)rated-(\d+)(?:\s|$)`)
)

// yearFromPath 取路径中第一个 4 位数字段：/film/alien/1979/ => 1979。
func yearFromPath(path string) int {
	m := yearRE.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0
	}
	y, err := strconv.Atoi(m[1])
	if err != nil || y <= 0 {
		return 0
	}
	return y
}

// ratingFromClass 取 rated-N 的数字后缀，原样保留，不做刻度换算。
func ratingFromClass(class string) int {
	m := ratingRE.FindStringSubmatch(class)
	if len(m) < 2 {
		return 0
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

func attr(s *goquery.Selection, name string) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
