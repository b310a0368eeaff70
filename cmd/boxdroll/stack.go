package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/John-Robertt/boxdroll/internal/config"
	"github.com/John-Robertt/boxdroll/internal/fetcher"
	"github.com/John-Robertt/boxdroll/internal/infra/httpx"
	"github.com/John-Robertt/boxdroll/internal/infra/logx"
	"github.com/John-Robertt/boxdroll/internal/infra/snapshot"
	"github.com/John-Robertt/boxdroll/internal/loader"
	"github.com/John-Robertt/boxdroll/internal/poster"
	"github.com/John-Robertt/boxdroll/internal/scrape"
)

// flagKeys 把命令行 flag 名映射到配置 key。子命令没有注册的 flag 会被跳过。
var flagKeys = map[string]string{
	"log-level": config.KeyLogLevel,
	"origin":    config.KeyOrigin,
	"proxy":     config.KeyProxyURL,
	"dump-dir":  config.KeyDumpDir,
	"addr":      config.KeyServerAddr,
	"retries":   config.KeyMaxRetries,
}

func (c *cli) loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			flags[key] = f
		}
	}
	cfg, err := config.Load(config.LoadOptions{
		Path:       c.configPath,
		SearchDirs: c.searchDirs,
		Flags:      flags,
	})
	if err != nil {
		return config.Config{}, failure(err)
	}
	return cfg, nil
}

// newLogger 构造写到 stderr 的 logger；quiet 时（进度 UI 已在输出）把 INFO 提升为 WARN。
func (c *cli) newLogger(cfg config.Config, quiet bool) *slog.Logger {
	level := cfg.Logging.Level
	if quiet && logx.ParseLevel(level) == slog.LevelInfo {
		level = "WARN"
	}
	return logx.New(c.stderr, level, c.stderrTTY)
}

// buildService 按配置组装 httpx -> fetcher -> poster -> scrape。
// dedupe 只在常驻服务里打开：单次命令不会重复请求同一页。
func buildService(cfg config.Config, logger *slog.Logger, dedupe bool) (*scrape.Service, error) {
	hc, err := httpx.NewClient(httpx.Options{
		ProxyURL:         cfg.Upstream.ProxyURL,
		Timeout:          cfg.Upstream.Timeout,
		CloudflareBypass: cfg.Upstream.CloudflareBypass,
	})
	if err != nil {
		return nil, failure(err)
	}

	rps := cfg.Etiquette.RequestsPerSecond
	if rps == 0 {
		rps = -1
	}
	f := fetcher.New(hc, fetcher.Options{
		MinBodyBytes:      cfg.Upstream.MinBodyBytes,
		DelayMin:          cfg.Etiquette.RequestDelayMin,
		DelayMax:          offIfZero(cfg.Etiquette.RequestDelayMax),
		RequestsPerSecond: rps,
		Logger:            logger,
	})

	store := snapshot.New(cfg.Debug.DumpDir)
	r := &poster.Resolver{Origin: cfg.Upstream.Origin, Fetcher: f, Logger: logger}
	if store.Enabled() {
		r.OnFragment = func(canonicalPath string, html []byte) {
			if err := store.WritePoster(canonicalPath, html); err != nil {
				logger.Warn("poster snapshot failed", "path", canonicalPath, "error", err)
			}
		}
	}

	opts := scrape.Options{
		Origin:         cfg.Upstream.Origin,
		PosterInterval: offIfZero(cfg.Etiquette.PosterInterval),
		Snapshots:      store,
		Logger:         logger,
	}
	if dedupe {
		opts.DedupeTTL = cfg.Server.DedupeTTL
		opts.DedupeSize = cfg.Server.DedupeSize
	}
	return scrape.New(f, r, opts), nil
}

// loaderOptions 把配置映射到 loader。
// 配置里的 0 表示“关闭”，而各组件的零值表示“用默认值”，因此这里显式换成负数。
func loaderOptions(cfg config.Config, logger *slog.Logger) loader.Options {
	retries := cfg.Loader.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return loader.Options{
		MaxRetries:    retries,
		BackoffBase:   cfg.Loader.BackoffBase,
		NextPageDelay: offIfZero(cfg.Etiquette.NextPageDelay),
		Logger:        logger,
	}
}

func offIfZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
