package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/John-Robertt/boxdroll/internal/api"
	"github.com/John-Robertt/boxdroll/internal/browse"
	"github.com/John-Robertt/boxdroll/internal/config"
	"github.com/John-Robertt/boxdroll/internal/domain"
	"github.com/John-Robertt/boxdroll/internal/loader"
)

// browseFlags 是 list/pick 共用的加载与筛选参数。
type browseFlags struct {
	query     string
	decades   []string
	minRating int
	sortBy    string
	desc      bool

	asJSON bool
	server string
}

func (f *browseFlags) register(fs *pflag.FlagSet, withSort bool) {
	fs.StringVarP(&f.query, "query", "q", "", "按标题模糊匹配")
	fs.StringSliceVar(&f.decades, "decade", nil, "只保留这些年代（如 1990s，可重复）")
	fs.IntVar(&f.minRating, "min-rating", 0, "有评分的影片至少达到该评分（未评分的总是保留）")
	if withSort {
		fs.StringVar(&f.sortBy, "sort", "", "排序：title|year|rating（默认保持片单顺序）")
		fs.BoolVar(&f.desc, "desc", false, "降序")
	}
	fs.BoolVar(&f.asJSON, "json", false, "输出 JSON（stdout 不是终端时总是 JSON）")
	fs.StringVar(&f.server, "server", "", "通过远程 boxdroll 服务加载（如 http://localhost:8080）")
	fs.Int("retries", config.Defaults().Loader.MaxRetries, "单页失败的最大重试次数（0 表示不重试）")
}

func (f *browseFlags) criteria() (browse.Criteria, error) {
	c := browse.Criteria{
		Query:     f.query,
		Decades:   f.decades,
		MinRating: f.minRating,
		SortBy:    f.sortBy,
		Desc:      f.desc,
	}
	if err := c.Validate(); err != nil {
		return browse.Criteria{}, usageError(err)
	}
	return c, nil
}

func (c *cli) newListCmd() *cobra.Command {
	var bf browseFlags
	cmd := &cobra.Command{
		Use:   "list <username>",
		Short: "逐页加载整个 watchlist，筛选排序后输出。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crit, err := bf.criteria()
			if err != nil {
				return err
			}
			st, err := c.loadWatchlist(cmd, args[0], bf.server)
			if err != nil {
				return err
			}

			films := browse.Apply(st.Films, crit)
			if len(st.Films) == 0 {
				fmt.Fprintf(c.stderr, "%s 还没有往 watchlist 里添加任何影片。\n", st.Username)
			} else if len(films) == 0 {
				fmt.Fprintln(c.stderr, "没有符合筛选条件的影片。")
				if len(crit.Decades) > 0 {
					fmt.Fprintf(c.stderr, "片单里出现过的年代：%s\n", strings.Join(browse.Decades(st.Films), ", "))
				}
			}
			if bf.asJSON || !c.stdoutTTY {
				return writeJSON(c.stdout, films, c.stdoutTTY)
			}
			if len(films) > 0 {
				renderFilms(c.stdout, films)
			}
			return nil
		},
	}
	bf.register(cmd.Flags(), true)
	return cmd
}

func (c *cli) newPickCmd() *cobra.Command {
	var bf browseFlags
	cmd := &cobra.Command{
		Use:   "pick <username>",
		Short: "加载整个 watchlist，从筛选结果里随机挑一部。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			crit, err := bf.criteria()
			if err != nil {
				return err
			}
			st, err := c.loadWatchlist(cmd, args[0], bf.server)
			if err != nil {
				return err
			}

			film, ok := browse.Pick(browse.Apply(st.Films, crit), nil)
			if !ok {
				fmt.Fprintln(c.stderr, "没有可供挑选的影片。")
				return &exitError{code: 1, reported: true}
			}
			if bf.asJSON || !c.stdoutTTY {
				return writeJSON(c.stdout, film, c.stdoutTTY)
			}
			renderFilms(c.stdout, []domain.Film{film})
			return nil
		},
	}
	bf.register(cmd.Flags(), false)
	return cmd
}

// loadWatchlist 用 loader 逐页加载 username 的全部影片。
// server 非空时通过远程服务加载（先做一次健康检查），否则在进程内直接抓取上游。
func (c *cli) loadWatchlist(cmd *cobra.Command, username, server string) (loader.State, error) {
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return loader.State{}, err
	}
	progressW, interactive := c.progressWriter()
	logger := c.newLogger(cfg, interactive)
	ctx := cmd.Context()

	origin := cfg.Upstream.Origin
	var src loader.PageSource
	if server != "" {
		client := api.NewClient(server, nil)
		if err := client.Health(ctx); err != nil {
			if ctx.Err() != nil {
				return loader.State{}, failure(errors.New("已取消"))
			}
			return loader.State{}, c.reportError(origin, username, err)
		}
		src = client
	} else {
		svc, err := buildService(cfg, logger, false)
		if err != nil {
			return loader.State{}, err
		}
		origin = svc.Origin()
		src = svc
	}

	opts := loaderOptions(cfg, logger)
	var ui *progressUI
	if interactive {
		ui = newProgressUI(progressW)
		opts.Observer = ui
	}
	l := loader.New(src, username, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	if ui != nil {
		defer ui.stop()
		<-l.FirstPage()
		if st := l.Snapshot(); st.FirstPageLoaded && !st.Done {
			ui.firstPageReady(st)
		}
	}

	if err := <-errCh; err != nil {
		if ctx.Err() != nil {
			return loader.State{}, failure(errors.New("已取消"))
		}
		return loader.State{}, c.reportError(origin, username, err)
	}
	return l.Snapshot(), nil
}
