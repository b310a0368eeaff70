package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/extract"
	"github.com/John-Robertt/boxdroll/internal/fetcher"
	"github.com/John-Robertt/boxdroll/internal/infra/snapshot"
	"github.com/John-Robertt/boxdroll/internal/listing"
)

const (
	DefaultOrigin         = "https://letterboxd.com"
	DefaultPosterInterval = 300 * time.Millisecond
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// PageFetcher 抓取完整列表页（fetcher.Fetcher 满足该接口）。
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) ([]byte, error)
}

// PosterResolver 解析单个条目的海报地址（poster.Resolver 满足该接口）。
type PosterResolver interface {
	Resolve(ctx context.Context, canonicalPath, key string) (string, bool)
}

// Options 描述单页编排的可调项。零值字段使用默认值。
type Options struct {
	Origin string

	// Strategies 为空时使用 extract.Default()。
	Strategies []extract.Strategy

	// PosterInterval 是同一页内上一次海报请求返回到下一次开始之间的等待；负数表示不等待。
	PosterInterval time.Duration

	// DedupeTTL > 0 时启用请求去重窗口：同一用户同一页在窗口内直接复用上次成功结果。
	DedupeTTL  time.Duration
	DedupeSize int

	// Snapshots 启用时把抓到的列表页原样落盘（只写不读）。
	Snapshots snapshot.Store

	Logger *slog.Logger
}

// Service 是单页编排器：FETCH -> PARSE -> CLASSIFY -> EXTRACT -> RESOLVE_POSTERS。
//
// 约束：
// - 只有它知道 URL 语义，因此 HTTP 层错误在这里归类（404 => USER_NOT_FOUND）
// - 单条目的抽取/海报失败不会中止整页
// - 同一页内海报解析严格串行，相邻两次之间至少隔 PosterInterval
// - 并发安全：多个请求可以共享同一个 Service
type Service struct {
	fetcher  PageFetcher
	resolver PosterResolver

	origin     string
	strategies []extract.Strategy
	interval   time.Duration
	snapshots  snapshot.Store
	logger     *slog.Logger

	recent *expirable.LRU[string, domain.PageResult]
}

// New 构造编排器。resolver 为 nil 时所有海报都落到占位图。
func New(f PageFetcher, r PosterResolver, opts Options) *Service {
	s := &Service{
		fetcher:    f,
		resolver:   r,
		origin:     strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		strategies: opts.Strategies,
		interval:   opts.PosterInterval,
		snapshots:  opts.Snapshots,
		logger:     opts.Logger,
	}
	if s.origin == "" {
		s.origin = DefaultOrigin
	}
	if len(s.strategies) == 0 {
		s.strategies = extract.Default()
	}
	if s.interval == 0 {
		s.interval = DefaultPosterInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.DedupeTTL > 0 {
		size := opts.DedupeSize
		if size <= 0 {
			size = 256
		}
		s.recent = expirable.NewLRU[string, domain.PageResult](size, nil, opts.DedupeTTL)
	}
	return s
}

// Origin 返回上游站点根地址（不带结尾 /）。
func (s *Service) Origin() string { return s.origin }

// PageURL 构造列表页地址：第 1 页是裸路径，第 N>1 页追加 page/N/。
func PageURL(origin, username string, page int) string {
	u := strings.TrimRight(origin, "/") + "/" + url.PathEscape(username) + "/watchlist/"
	if page > 1 {
		u += "page/" + strconv.Itoa(page) + "/"
	}
	return u
}

// ProfileURL 返回用户在上游站点的片单地址（终态错误时给用户的跳转链接）。
func ProfileURL(origin, username string) string {
	return PageURL(origin, strings.TrimSpace(username), 1)
}

// NormalizeRequest 校验并规范化请求参数：username 去空白后必须非空且只含 [A-Za-z0-9_-]；
// page 为 0 视为 1，负数非法。校验发生在任何网络活动之前。
func NormalizeRequest(username string, page int) (string, int, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", 0, domain.Errorf(domain.KindInvalidRequest, nil, "Username is required")
	}
	if !usernameRE.MatchString(username) {
		return "", 0, domain.Errorf(domain.KindInvalidRequest, nil, "Username %q contains invalid characters", username)
	}
	if page < 0 {
		return "", 0, domain.Errorf(domain.KindInvalidRequest, nil, "Page must be a positive number, got %d", page)
	}
	if page == 0 {
		page = 1
	}
	return username, page, nil
}

// FetchPage 抓取并解析 username 的第 page 页片单。
//
// 错误都是 *domain.Error（或包裹了 ctx 错误的 NETWORK_ERROR）；任何 panic 都被收敛为 INTERNAL_ERROR。
func (s *Service) FetchPage(ctx context.Context, username string, page int) (res domain.PageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("page request panicked", "username", username, "page", page, "panic", fmt.Sprint(r))
			res = domain.PageResult{}
			err = domain.Errorf(domain.KindInternal, fmt.Errorf("panic: %v", r), "Internal server error, please try again later")
		}
	}()

	username, page, err = NormalizeRequest(username, page)
	if err != nil {
		return domain.PageResult{}, err
	}

	key := strings.ToLower(username) + "#" + strconv.Itoa(page)
	if s.recent != nil {
		if cached, ok := s.recent.Get(key); ok {
			s.logger.Debug("page served from dedupe window", "username", username, "page", page)
			return cached.Clone(), nil
		}
	}

	res, err = s.fetchPage(ctx, username, page)
	if err != nil {
		return domain.PageResult{}, err
	}
	if s.recent != nil {
		s.recent.Add(key, res.Clone())
	}
	return res, nil
}

func (s *Service) fetchPage(ctx context.Context, username string, page int) (domain.PageResult, error) {
	started := time.Now()
	pageURL := PageURL(s.origin, username, page)
	s.logger.Info("fetching watchlist page", "username", username, "page", page, "url", pageURL)

	// FETCH
	body, err := s.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		return domain.PageResult{}, s.classifyFetch(ctx, username, err)
	}
	s.logger.Debug("watchlist page fetched", "username", username, "page", page, "bytes", len(body))
	if s.snapshots.Enabled() {
		if werr := s.snapshots.WritePage(username, page, body); werr != nil {
			s.logger.Warn("snapshot write failed", "username", username, "page", page, "error", werr)
		}
	}

	// PARSE
	doc, err := listing.Parse(body)
	if err != nil {
		return domain.PageResult{}, domain.Errorf(domain.KindParsing, err, "Failed to parse the watchlist page")
	}

	// CLASSIFY
	switch doc.Kind {
	case listing.KindPrivate:
		s.logger.Info("watchlist is private", "username", username)
		return domain.PageResult{}, domain.Errorf(domain.KindPrivateWatchlist, nil, "The watchlist of %q is private", username)
	case listing.KindEmpty:
		s.logger.Info("watchlist is empty", "username", username)
		return domain.EmptyPage(), nil
	}
	s.logger.Debug("pagination detected", "username", username, "page", page, "total_pages", doc.TotalPages, "has_next_control", doc.HasNextControl)

	// EXTRACT
	stubs, used, attempts := extract.Run(doc.Doc, s.strategies)
	if used == "" {
		s.logger.Warn("no films extracted", "username", username, "page", page, "attempts", attempts)
	} else if len(attempts) > 1 {
		s.logger.Warn("primary extraction empty, used fallback", "username", username, "page", page, "strategy", used, "attempts", attempts)
	}

	// RESOLVE_POSTERS
	films, err := s.resolvePosters(ctx, stubs)
	if err != nil {
		return domain.PageResult{}, err
	}

	res := domain.PageResult{
		Films:       films,
		HasNextPage: doc.HasNextControl && page < doc.TotalPages,
		TotalPages:  doc.TotalPages,
	}
	s.logger.Info("watchlist page scraped",
		"username", username,
		"page", page,
		"films", len(films),
		"total_pages", res.TotalPages,
		"has_next", res.HasNextPage,
		"strategy", used,
		"dur", time.Since(started).Round(time.Millisecond).String(),
	)
	return res, nil
}

// resolvePosters 串行解析海报；第一次调用不等待，之后每次调用都在上一次返回后再等 interval。
// ctx 取消时整页作废，不返回部分结果。
func (s *Service) resolvePosters(ctx context.Context, stubs []domain.FilmStub) ([]domain.Film, error) {
	films := make([]domain.Film, 0, len(stubs))

	called := false
	resolved := 0
	for _, st := range stubs {
		posterURL := ""
		if s.resolver != nil && st.CacheBustingKey != "" {
			if called && s.interval > 0 {
				if err := fetcher.SleepContext(ctx, s.interval); err != nil {
					return nil, s.canceled(ctx, err)
				}
			}
			called = true
			if u, ok := s.resolver.Resolve(ctx, st.CanonicalPath, st.CacheBustingKey); ok {
				posterURL = u
				resolved++
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, s.canceled(ctx, err)
		}
		films = append(films, domain.NewFilm(st, s.origin, posterURL))
	}
	s.logger.Debug("posters resolved", "films", len(stubs), "resolved", resolved)
	return films, nil
}

func (s *Service) classifyFetch(ctx context.Context, username string, err error) error {
	if ctx.Err() != nil {
		return s.canceled(ctx, err)
	}

	var se *fetcher.HTTPStatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusNotFound {
			s.logger.Info("user not found", "username", username)
			return &domain.Error{
				Kind:           domain.KindUserNotFound,
				Message:        fmt.Sprintf("User %q was not found", username),
				UpstreamStatus: se.StatusCode,
				Err:            err,
			}
		}
		s.logger.Warn("upstream returned error status", "username", username, "status", se.StatusCode)
		return &domain.Error{
			Kind:           domain.KindNetwork,
			Message:        fmt.Sprintf("Upstream returned HTTP %d", se.StatusCode),
			UpstreamStatus: se.StatusCode,
			Err:            err,
		}
	}

	var sb *fetcher.ShortBodyError
	if errors.As(err, &sb) {
		s.logger.Warn("upstream response too short", "username", username, "bytes", sb.Len, "min", sb.Min)
		return domain.Errorf(domain.KindParsing, err, "Upstream response is too short to be a watchlist page")
	}

	s.logger.Warn("upstream request failed", "username", username, "error", err)
	return domain.Errorf(domain.KindNetwork, err, "Failed to reach upstream")
}

func (s *Service) canceled(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	}
	return domain.Errorf(domain.KindNetwork, err, "Request was canceled")
}
