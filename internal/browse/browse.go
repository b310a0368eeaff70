package browse

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/John-Robertt/boxdroll/internal/domain"
)

// 排序字段。空串表示保持文档顺序。
const (
	SortNone   = ""
	SortTitle  = "title"
	SortYear   = "year"
	SortRating = "rating"
)

var decadeRE = regexp.MustCompile(`^\d*0s$`)

// Criteria 是对已加载片单的筛选与排序条件。零值表示不过滤、保持原顺序。
type Criteria struct {
	// Query 对标题做模糊匹配（忽略大小写与变音符号）。
	Query string

	// Decades 形如 "1990s"；为空表示不过滤。没有年份的条目在指定年代时被排除。
	Decades []string

	// MinRating 只约束有评分的条目；未评分的条目总是保留。
	MinRating int

	SortBy string
	Desc   bool
}

// Validate 校验条件是否合法。
func (c Criteria) Validate() error {
	switch c.SortBy {
	case SortNone, SortTitle, SortYear, SortRating:
	default:
		return fmt.Errorf("sort 只能是 title|year|rating，实际是 %q", c.SortBy)
	}
	if c.MinRating < 0 {
		return fmt.Errorf("min rating 不能为负数，实际是 %d", c.MinRating)
	}
	for _, d := range c.Decades {
		if !decadeRE.MatchString(d) {
			return fmt.Errorf("decade 必须形如 1990s，实际是 %q", d)
		}
	}
	return nil
}

// Apply 对 films 先过滤再稳定排序，返回新切片（不修改入参）。
func Apply(films []domain.Film, c Criteria) []domain.Film {
	query := strings.TrimSpace(c.Query)
	out := make([]domain.Film, 0, len(films))
	for _, f := range films {
		if query != "" && !fuzzy.MatchNormalizedFold(query, f.Title) {
			continue
		}
		if len(c.Decades) > 0 && (f.Year <= 0 || !slices.Contains(c.Decades, Decade(f.Year))) {
			continue
		}
		if f.UserRating > 0 && f.UserRating < c.MinRating {
			continue
		}
		out = append(out, f)
	}

	switch c.SortBy {
	case SortTitle:
		col := collate.New(language.English, collate.IgnoreCase)
		slices.SortStableFunc(out, func(a, b domain.Film) int {
			return flip(col.CompareString(a.Title, b.Title), c.Desc)
		})
	case SortYear:
		slices.SortStableFunc(out, func(a, b domain.Film) int {
			return compareKnown(a.Year, b.Year, c.Desc)
		})
	case SortRating:
		slices.SortStableFunc(out, func(a, b domain.Film) int {
			return compareKnown(a.UserRating, b.UserRating, c.Desc)
		})
	}
	return out
}

// compareKnown 比较两个可选的正整数：缺失值（<=0）无论升降序都排在最后。
func compareKnown(a, b int, desc bool) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return 1
	case b <= 0:
		return -1
	}
	return flip(cmp.Compare(a, b), desc)
}

func flip(v int, desc bool) int {
	if desc {
		return -v
	}
	return v
}

// Decade 返回年份所属年代：1994 => "1990s"；未知年份返回 ""。
func Decade(year int) string {
	if year <= 0 {
		return ""
	}
	return strconv.Itoa(year/10*10) + "s"
}

// Decades 返回 films 中出现过的年代（去重、升序）。
func Decades(films []domain.Film) []string {
	seen := map[int]bool{}
	for _, f := range films {
		if f.Year > 0 {
			seen[f.Year/10*10] = true
		}
	}
	keys := make([]int, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strconv.Itoa(k)+"s")
	}
	return out
}

// Pick 从 films 中均匀随机取一部；films 为空时返回 false。r 为 nil 时使用全局随机源。
func Pick(films []domain.Film, r *rand.Rand) (domain.Film, bool) {
	if len(films) == 0 {
		return domain.Film{}, false
	}
	var i int
	if r != nil {
		i = r.IntN(len(films))
	} else {
		i = rand.IntN(len(films))
	}
	return films[i], true
}
