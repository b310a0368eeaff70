package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/John-Robertt/boxdroll/internal/domain"
)

// Client 通过 HTTP 调用远程 boxdroll 服务的单页接口，实现 loader.PageSource。
//
// 服务端返回的 {error, message} 会还原为 *domain.Error，因此 loader 的终态判断与进程内一致。
type Client struct {
	rc *resty.Client
}

// NewClient 构造客户端；hc 为 nil 时使用 http.DefaultClient 的默认设置。
func NewClient(baseURL string, hc *http.Client) *Client {
	var rc *resty.Client
	if hc != nil {
		rc = resty.NewWithClient(hc)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	rc.SetRetryCount(0)
	rc.SetHeader("Accept", "application/json")
	return &Client{rc: rc}
}

// FetchPage 调用 POST /api/scrape-watchlist。
func (c *Client) FetchPage(ctx context.Context, username string, page int) (domain.PageResult, error) {
	var (
		res  domain.PageResult
		body domain.ErrorBody
	)
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(ScrapeRequest{Username: username, Page: page}).
		SetResult(&res).
		SetError(&body).
		Post("/api/scrape-watchlist")
	if err != nil {
		if ctx.Err() != nil {
			return domain.PageResult{}, domain.Errorf(domain.KindNetwork, ctx.Err(), "Request was canceled")
		}
		return domain.PageResult{}, domain.Errorf(domain.KindNetwork, err, "Failed to reach boxdroll server")
	}

	if resp.IsError() {
		if body.Error == "" {
			return domain.PageResult{}, &domain.Error{
				Kind:           domain.KindNetwork,
				Message:        fmt.Sprintf("Server returned HTTP %d", resp.StatusCode()),
				UpstreamStatus: resp.StatusCode(),
			}
		}
		return domain.PageResult{}, &domain.Error{
			Kind:           body.Error,
			Message:        body.Message,
			UpstreamStatus: resp.StatusCode(),
		}
	}
	if res.Films == nil {
		res.Films = []domain.Film{}
	}
	return res, nil
}

// Health 调用 GET /health，用于在开始长时间加载前确认服务可达。
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Get("/health")
	if err != nil {
		return domain.Errorf(domain.KindNetwork, err, "Failed to reach boxdroll server")
	}
	if resp.StatusCode() != http.StatusOK {
		return &domain.Error{
			Kind:           domain.KindNetwork,
			Message:        fmt.Sprintf("Server health check returned HTTP %d", resp.StatusCode()),
			UpstreamStatus: resp.StatusCode(),
		}
	}
	return nil
}
