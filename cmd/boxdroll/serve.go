package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxdroll/internal/api"
	"github.com/John-Robertt/boxdroll/internal/config"
)

const shutdownTimeout = 15 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API（单页接口 + 渐进加载事件流）。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := c.newLogger(cfg, false)

			svc, err := buildService(cfg, logger, true)
			if err != nil {
				return err
			}
			srv := api.NewServer(svc, api.Options{
				Origin: svc.Origin(),
				Loader: loaderOptions(cfg, logger),
				Logger: logger,
			})
			if cfg.File != "" {
				logger.Info("config loaded", "file", cfg.File)
			}
			return serveHTTP(cmd.Context(), cfg.Server.Addr, srv, logger)
		},
	}
	cmd.Flags().String("addr", config.Defaults().Server.Addr, "HTTP 监听地址")
	return cmd
}

// serveHTTP 监听 addr 直到 ctx 取消，然后在 shutdownTimeout 内优雅退出。
// 请求 ctx 派生自 ctx，因此关闭时 SSE 流会随之结束，而不是拖到超时。
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return failure(err)
	}
	<-stopped
	logger.Info("api server stopped")
	return nil
}
