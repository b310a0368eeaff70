package logx

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New 构造进程级 logger：color=true（交互终端）走 tint 彩色输出，否则输出 JSON 行。
// w 为 nil 时丢弃所有输出。
func New(w io.Writer, level string, color bool) *slog.Logger {
	if w == nil {
		return Discard()
	}
	lv := ParseLevel(level)
	if color {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lv,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv}))
}

// ParseLevel 把配置里的级别字符串转换为 slog.Level；无法识别时返回 INFO。
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel 报告 level 是否是可识别的级别（空串视为默认 INFO）。
func ValidLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	default:
		return false
	}
}

// Discard 返回丢弃所有输出的 logger（测试与静默模式用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
