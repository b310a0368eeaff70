package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxdroll/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := newCLI(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// cli 持有命令共享的输出流与全局 flag。
//
// 约束：
// - stdout 只承载结果（非 TTY 时只有 JSON），过程信息一律走 stderr
// - 退出码：0 成功；1 执行失败；2 用法错误
type cli struct {
	stdout io.Writer
	stderr io.Writer

	stdoutTTY bool
	stderrTTY bool

	configPath string

	// searchDirs 为 nil 时使用 config 的默认发现目录（测试里指向临时目录）。
	searchDirs []string
}

func newCLI(stdout, stderr *os.File) *cli {
	return &cli{
		stdout:    stdout,
		stderr:    stderr,
		stdoutTTY: isTTY(stdout),
		stderrTTY: isTTY(stderr),
	}
}

func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.newRootCmd()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	return c.exitCode(root.ExecuteContext(ctx))
}

func (c *cli) newRootCmd() *cobra.Command {
	d := config.Defaults()
	root := &cobra.Command{
		Use:           "boxdroll",
		Short:         "boxdroll 抓取 Letterboxd 用户的 watchlist。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "配置文件路径（默认在 . 与 ~/.config/boxdroll 中查找 boxdroll.yaml）")
	pf.String("log-level", d.Logging.Level, "日志级别：DEBUG|INFO|WARN|ERROR")
	pf.String("origin", d.Upstream.Origin, "上游站点根地址")
	pf.String("proxy", "", "上游请求使用的代理地址")
	pf.String("dump-dir", "", "把抓到的原始 HTML 落盘到该目录（调试用）")

	root.AddCommand(
		c.newServeCmd(),
		c.newPageCmd(),
		c.newListCmd(),
		c.newPickCmd(),
	)
	return root
}

// exitError 携带退出码；reported 为 true 表示错误信息已经输出过。
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: 2, err: err} }

func failure(err error) error { return &exitError{code: 1, err: err} }

func (c *cli) exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.reported && ee.err != nil {
			if ee.code == 2 {
				fmt.Fprintf(c.stderr, "参数错误：%v\n", ee.err)
			} else {
				fmt.Fprintf(c.stderr, "错误：%v\n", ee.err)
			}
		}
		return ee.code
	}
	// RunE 返回的错误都包装成了 exitError；剩下的只可能来自 cobra 的参数与子命令解析。
	fmt.Fprintf(c.stderr, "参数错误：%v\n\n", err)
	fmt.Fprintln(c.stderr, "运行 boxdroll --help 查看用法。")
	return 2
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (c *cli) progressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if c.stderrTTY {
		return c.stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if c.stdoutTTY {
		return c.stdout, true
	}
	return nil, false
}
