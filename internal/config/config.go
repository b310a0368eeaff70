package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/John-Robertt/boxdroll/internal/infra/logx"
)

const (
	// ErrCodeNotFound 表示通过 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// EnvPrefix 是环境变量前缀：upstream.origin => BOXDROLL_UPSTREAM_ORIGIN。
	EnvPrefix = "BOXDROLL"
	// FileName 是自动发现时的配置文件名（不含扩展名）。
	FileName = "boxdroll"

	// MaxRetriesLimit 是 loader.max_retries 的上限。
	MaxRetriesLimit = 10
)

// 配置 key。CLI 用它们把 flag 绑定到同一棵配置树上。
const (
	KeyOrigin           = "upstream.origin"
	KeyTimeout          = "upstream.timeout"
	KeyProxyURL         = "upstream.proxy_url"
	KeyCloudflareBypass = "upstream.cloudflare_bypass"
	KeyMinBodyBytes     = "upstream.min_body_bytes"

	KeyRequestDelayMin = "etiquette.request_delay_min"
	KeyRequestDelayMax = "etiquette.request_delay_max"
	KeyPosterInterval  = "etiquette.poster_interval"
	KeyNextPageDelay   = "etiquette.next_page_delay"
	KeyRequestsPerSec  = "etiquette.requests_per_second"

	KeyMaxRetries  = "loader.max_retries"
	KeyBackoffBase = "loader.backoff_base"

	KeyServerAddr = "server.addr"
	KeyDedupeTTL  = "server.dedupe_ttl"
	KeyDedupeSize = "server.dedupe_size"

	KeyLogLevel = "logging.level"
	KeyDumpDir  = "debug.dump_dir"
)

// Config 是合并并校验后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Etiquette EtiquetteConfig `mapstructure:"etiquette"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Debug     DebugConfig     `mapstructure:"debug"`

	// File 是实际读取的配置文件；没有读取任何文件时为空。
	File string `mapstructure:"-"`
}

type UpstreamConfig struct {
	Origin           string        `mapstructure:"origin"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ProxyURL         string        `mapstructure:"proxy_url"`
	CloudflareBypass bool          `mapstructure:"cloudflare_bypass"`
	MinBodyBytes     int           `mapstructure:"min_body_bytes"`
}

// EtiquetteConfig 描述对上游的礼貌节流。
type EtiquetteConfig struct {
	RequestDelayMin time.Duration `mapstructure:"request_delay_min"`
	RequestDelayMax time.Duration `mapstructure:"request_delay_max"`
	PosterInterval  time.Duration `mapstructure:"poster_interval"`
	NextPageDelay   time.Duration `mapstructure:"next_page_delay"`

	// RequestsPerSecond 是整个进程对上游的请求速率上限；0 表示不限。
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type LoaderConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type ServerConfig struct {
	Addr       string        `mapstructure:"addr"`
	DedupeTTL  time.Duration `mapstructure:"dedupe_ttl"`
	DedupeSize int           `mapstructure:"dedupe_size"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DebugConfig 中 DumpDir 非空时，抓到的原始 HTML 会被落盘（见 snapshot 包）。
type DebugConfig struct {
	DumpDir string `mapstructure:"dump_dir"`
}

// Defaults 返回内置默认值。
func Defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			Origin:       "https://letterboxd.com",
			Timeout:      15 * time.Second,
			MinBodyBytes: 1000,
		},
		Etiquette: EtiquetteConfig{
			RequestDelayMin: 1000 * time.Millisecond,
			RequestDelayMax: 1500 * time.Millisecond,
			PosterInterval:  300 * time.Millisecond,
			NextPageDelay:   1000 * time.Millisecond,

			RequestsPerSecond: 4,
		},
		Loader: LoaderConfig{
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
		},
		Server: ServerConfig{
			Addr:       ":8080",
			DedupeTTL:  60 * time.Second,
			DedupeSize: 256,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Path == "" {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadOptions 描述配置来源。
type LoadOptions struct {
	// Path 非空时只读取该文件，且文件必须存在。
	Path string

	// SearchDirs 是自动发现 boxdroll.yaml 的目录；为 nil 时使用 "." 与 ~/.config/boxdroll。
	SearchDirs []string

	// Flags 把配置 key 绑定到命令行 flag；只有显式设置过的 flag 才会覆盖其他来源。
	Flags map[string]*pflag.Flag
}

// Load 按固定优先级合并配置：flag > 环境变量 > 配置文件 > 内置默认值，然后校验。
//
// 发现规则：
// 1) 指定 Path：必须存在（否则 config_not_found），解析失败为 config_invalid
// 2) 未指定 Path：在 SearchDirs 中找 boxdroll.yaml，找不到不是错误
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range opts.Flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return Config{}, &Error{Code: ErrCodeInvalid, Err: err}
		}
	}

	file, err := readFile(v, opts)
	if err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: file, Err: err}
	}
	cfg.File = file

	if err := normalize(&cfg); err != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: file, Err: err}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault(KeyOrigin, d.Upstream.Origin)
	v.SetDefault(KeyTimeout, d.Upstream.Timeout)
	v.SetDefault(KeyProxyURL, d.Upstream.ProxyURL)
	v.SetDefault(KeyCloudflareBypass, d.Upstream.CloudflareBypass)
	v.SetDefault(KeyMinBodyBytes, d.Upstream.MinBodyBytes)

	v.SetDefault(KeyRequestDelayMin, d.Etiquette.RequestDelayMin)
	v.SetDefault(KeyRequestDelayMax, d.Etiquette.RequestDelayMax)
	v.SetDefault(KeyPosterInterval, d.Etiquette.PosterInterval)
	v.SetDefault(KeyNextPageDelay, d.Etiquette.NextPageDelay)
	v.SetDefault(KeyRequestsPerSec, d.Etiquette.RequestsPerSecond)

	v.SetDefault(KeyMaxRetries, d.Loader.MaxRetries)
	v.SetDefault(KeyBackoffBase, d.Loader.BackoffBase)

	v.SetDefault(KeyServerAddr, d.Server.Addr)
	v.SetDefault(KeyDedupeTTL, d.Server.DedupeTTL)
	v.SetDefault(KeyDedupeSize, d.Server.DedupeSize)

	v.SetDefault(KeyLogLevel, d.Logging.Level)
	v.SetDefault(KeyDumpDir, d.Debug.DumpDir)
}

func readFile(v *viper.Viper, opts LoadOptions) (string, error) {
	v.SetConfigType("yaml")

	if p := strings.TrimSpace(opts.Path); p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", &Error{Code: ErrCodeInvalid, Path: p, Err: err}
		}
		fi, err := os.Stat(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", &Error{Code: ErrCodeNotFound, Path: abs}
			}
			return "", &Error{Code: ErrCodeInvalid, Path: abs, Err: err}
		}
		if fi.IsDir() {
			return "", &Error{Code: ErrCodeInvalid, Path: abs, Err: errors.New("不是文件")}
		}
		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return "", &Error{Code: ErrCodeInvalid, Path: abs, Err: err}
		}
		return abs, nil
	}

	dirs := opts.SearchDirs
	if dirs == nil {
		dirs = defaultSearchDirs()
	}
	v.SetConfigName(FileName)
	for _, d := range dirs {
		v.AddConfigPath(d)
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", &Error{Code: ErrCodeInvalid, Path: v.ConfigFileUsed(), Err: err}
	}
	return v.ConfigFileUsed(), nil
}

func defaultSearchDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "boxdroll"))
	}
	return dirs
}

// normalize 做最小规范化并校验取值范围。
func normalize(c *Config) error {
	c.Upstream.Origin = strings.TrimRight(strings.TrimSpace(c.Upstream.Origin), "/")
	u, err := url.Parse(c.Upstream.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s 必须是 http/https 绝对地址，实际是 %q", KeyOrigin, c.Upstream.Origin)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("%s 必须大于 0，实际是 %s", KeyTimeout, c.Upstream.Timeout)
	}
	c.Upstream.ProxyURL = strings.TrimSpace(c.Upstream.ProxyURL)
	if c.Upstream.MinBodyBytes < 0 {
		return fmt.Errorf("%s 不能为负数，实际是 %d", KeyMinBodyBytes, c.Upstream.MinBodyBytes)
	}

	e := c.Etiquette
	for key, d := range map[string]time.Duration{
		KeyRequestDelayMin: e.RequestDelayMin,
		KeyRequestDelayMax: e.RequestDelayMax,
		KeyPosterInterval:  e.PosterInterval,
		KeyNextPageDelay:   e.NextPageDelay,
		KeyBackoffBase:     c.Loader.BackoffBase,
		KeyDedupeTTL:       c.Server.DedupeTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s 不能为负数，实际是 %s", key, d)
		}
	}
	if e.RequestsPerSecond < 0 {
		return fmt.Errorf("%s 不能为负数，实际是 %g", KeyRequestsPerSec, e.RequestsPerSecond)
	}
	if e.RequestDelayMax < e.RequestDelayMin {
		return fmt.Errorf("%s（%s）不能小于 %s（%s）", KeyRequestDelayMax, e.RequestDelayMax, KeyRequestDelayMin, e.RequestDelayMin)
	}

	if c.Loader.MaxRetries < 0 || c.Loader.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%s 必须在 [0,%d] 之间，实际是 %d", KeyMaxRetries, MaxRetriesLimit, c.Loader.MaxRetries)
	}
	if c.Server.DedupeSize < 1 {
		return fmt.Errorf("%s 必须 >= 1，实际是 %d", KeyDedupeSize, c.Server.DedupeSize)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%s 不能为空", KeyServerAddr)
	}

	c.Logging.Level = strings.ToUpper(strings.TrimSpace(c.Logging.Level))
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%s 只能是 DEBUG|INFO|WARN|ERROR，实际是 %q", KeyLogLevel, c.Logging.Level)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	c.Debug.DumpDir = strings.TrimSpace(c.Debug.DumpDir)
	return nil
}
