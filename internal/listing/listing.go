package listing

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind 是列表页在文档层面的分类结果。
type Kind int

const (
	KindListing Kind = iota
	KindPrivate
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindEmpty:
		return "empty"
	default:
		return "listing"
	}
}

// 上游页面中的标记短语。它们是尽力而为的启发式，不是稳定契约。
var (
	privateMarkers = []string{
		"This member's profile is private",
		"This member's watchlist is private",
	}
	emptyMarkers = []string{
		"hasn't added any films to their watchlist yet",
	}
)

var pageHrefRE = regexp.MustCompile(`page/(\d+)`)

// Page 是解析后的列表页。
type Page struct {
	Doc  *goquery.Document
	Kind Kind

	// TotalPages 来自分页控件；缺失或无法解析时为 1。
	TotalPages int

	// HasNextControl 表示文档中存在“下一页”控件。
	HasNextControl bool
}

// Parse 把 HTML 载入为文档并分类。
//
// 规则：
// - private 标记优先于 empty 标记
// - 只有 KindListing 才做分页探测；private/empty 直接返回
// - 分页探测永不报错：任何异常都退化为单页
func Parse(html []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	p := &Page{Doc: doc, Kind: classify(html, doc), TotalPages: 1}
	if p.Kind != KindListing {
		return p, nil
	}
	p.TotalPages = totalPages(doc)
	p.HasNextControl = doc.Find("a.next").Length() > 0
	return p, nil
}

func classify(html []byte, doc *goquery.Document) Kind {
	raw := string(html)
	// 文本形态能覆盖实体编码（&#039;）与排版引号（’）两种写法。
	text := normApostrophe(doc.Text())

	if containsAny(raw, privateMarkers) || containsAny(text, privateMarkers) {
		return KindPrivate
	}
	if containsAny(raw, emptyMarkers) || containsAny(text, emptyMarkers) {
		return KindEmpty
	}
	return KindListing
}

// totalPages 取分页控件里最后一个非 next 链接的页码。
func totalPages(doc *goquery.Document) (n int) {
	defer func() {
		if recover() != nil {
			n = 1
		}
	}()

	pagination := doc.Find(".pagination")
	if pagination.Length() == 0 {
		return 1
	}
	last := pagination.Find("li:not(.next) a").Last()
	if last.Length() == 0 {
		return 1
	}
	href, _ := last.Attr("href")
	m := pageHrefRE.FindStringSubmatch(href)
	if len(m) < 2 {
		return 1
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v < 1 {
		return 1
	}
	return v
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func normApostrophe(s string) string {
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}
