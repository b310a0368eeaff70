package listing

import (
	"os"
	"path/filepath"
	"testing"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func TestParse_PaginatedListing(t *testing.T) {
	p, err := Parse(readFixture(t, "watchlist_page1.html"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if p.Kind != KindListing {
		t.Fatalf("期望 listing，实际 %s", p.Kind)
	}
	if p.TotalPages != 8 {
		t.Fatalf("期望 totalPages=8，实际 %d", p.TotalPages)
	}
	if !p.HasNextControl {
		t.Fatalf("期望检测到 next 控件")
	}
	if p.Doc == nil {
		t.Fatalf("期望返回文档")
	}
}

func TestParse_PrivateMarkers(t *testing.T) {
	cases := []string{
		`<html><body><p>This member's profile is private.</p></body></html>`,
		`<html><body><p>This member&#039;s watchlist is private.</p></body></html>`,
		`<html><body><p>This member’s watchlist is private.</p></body></html>`,
	}
	for _, html := range cases {
		p, err := Parse([]byte(html))
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		if p.Kind != KindPrivate {
			t.Fatalf("期望 private，实际 %s：%s", p.Kind, html)
		}
	}
}

func TestParse_EmptyMarker(t *testing.T) {
	html := `<html><body><section><p>cinephile hasn&#039;t added any films to their watchlist yet.</p></section>
<div class="pagination"><ul><li><a href="/x/watchlist/page/4/">4</a></li></ul></div></body></html>`
	p, err := Parse([]byte(html))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if p.Kind != KindEmpty {
		t.Fatalf("期望 empty，实际 %s", p.Kind)
	}
	// empty 直接短路：不做分页探测。
	if p.TotalPages != 1 || p.HasNextControl {
		t.Fatalf("empty 页应为单页且无 next：%+v", p)
	}
}

func TestParse_PrivateWinsOverEmpty(t *testing.T) {
	html := `<html><body>This member's profile is private. hasn't added any films to their watchlist yet</body></html>`
	p, _ := Parse([]byte(html))
	if p.Kind != KindPrivate {
		t.Fatalf("private 应优先，实际 %s", p.Kind)
	}
}

func TestParse_PaginationDegradesToSinglePage(t *testing.T) {
	cases := map[string]string{
		"no pagination":      `<html><body><ul class="poster-list"></ul></body></html>`,
		"no links":           `<html><body><div class="pagination"><ul><li class="next"><a href="/u/watchlist/page/2/">next</a></li></ul></div></body></html>`,
		"unparseable href":   `<html><body><div class="pagination"><ul><li><a href="/u/watchlist/">1</a></li></ul></div></body></html>`,
		"zero page in href":  `<html><body><div class="pagination"><ul><li><a href="/u/watchlist/page/0/">0</a></li></ul></div></body></html>`,
		"missing href value": `<html><body><div class="pagination"><ul><li><a>9</a></li></ul></div></body></html>`,
	}
	for name, html := range cases {
		p, err := Parse([]byte(html))
		if err != nil {
			t.Fatalf("%s：不期望错误：%v", name, err)
		}
		if p.TotalPages != 1 {
			t.Fatalf("%s：期望退化为 1 页，实际 %d", name, p.TotalPages)
		}
	}
}
