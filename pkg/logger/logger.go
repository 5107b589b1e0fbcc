// Package logger 提供全局 slog 日志与独立的审计日志。
// 审计日志记录工具调用、AI 任务生命周期、流水线结果、告警与 API 请求，
// 启用后写入按大小滚动的 JSON 文件。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述应用日志的输出方式。
type Config struct {
	Level       string      `yaml:"level" json:"level"`
	Format      string      `yaml:"format" json:"format"`
	OutputPaths []string    `yaml:"output_paths" json:"output_paths"`
	AddSource   bool        `yaml:"add_source" json:"add_source"`
	Audit       AuditConfig `yaml:"audit" json:"audit"`
}

// AuditConfig 控制审计日志。未启用时审计记录写入普通日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// 审计流名称，写入每条审计记录的 stream 字段。
const (
	StreamTool     = "tool"
	StreamTask     = "task"
	StreamPipeline = "pipeline"
	StreamAlert    = "alert"
	StreamAPI      = "api"
)

// Set 是一组按配置构建的日志器及其需要关闭的输出。
type Set struct {
	Default *slog.Logger
	Audit   *slog.Logger
	closers []io.Closer
}

// New 按配置构建日志器，不修改全局状态。
func New(cfg Config) (*Set, error) {
	set := &Set{}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	writer, err := set.openOutputs(cfg.OutputPaths)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	if strings.EqualFold(cfg.Format, "text") {
		set.Default = slog.New(slog.NewTextHandler(writer, opts))
	} else {
		set.Default = slog.New(slog.NewJSONHandler(writer, opts))
	}

	set.Audit = set.Default
	if cfg.Audit.Enabled {
		rotating, err := openAuditFile(cfg.Audit)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.closers = append(set.closers, rotating)
		set.Audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	set.Audit = set.Audit.With(slog.Bool("audit", true))
	return set, nil
}

// Close 关闭所有文件输出。
func (s *Set) Close() error {
	var err error
	for _, closer := range s.closers {
		err = errors.Join(err, closer.Close())
	}
	s.closers = nil
	return err
}

func (s *Set) openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			s.closers = append(s.closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openAuditFile(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

// ParseLevel 解析日志级别，无法识别时返回 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	mu     sync.RWMutex
	global *Set
)

// Init 安装全局日志器，只能成功调用一次。
func Init(cfg Config) error {
	set, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		_ = set.Close()
		return errors.New("logger already initialised")
	}
	global = set
	slog.SetDefault(set.Default)
	return nil
}

func current() *Set {
	mu.RLock()
	set := global
	mu.RUnlock()
	if set != nil {
		return set
	}
	fallback := slog.Default()
	return &Set{Default: fallback, Audit: fallback.With(slog.Bool("audit", true))}
}

// L 返回全局日志器，未初始化时使用 slog 默认日志器。
func L() *slog.Logger { return current().Default }

// Audit 返回带 stream 字段的审计日志器。
func Audit(stream string) *slog.Logger {
	return current().Audit.With(slog.String("stream", stream))
}

// Sync 关闭全局日志器的文件输出，进程退出前调用。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		return nil
	}
	return global.Close()
}

// Named 返回带 component 字段的子日志器。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard 返回丢弃所有记录的日志器，供测试使用。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
