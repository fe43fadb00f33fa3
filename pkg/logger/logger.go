package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options 日志配置
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	File   string // 日志文件路径 (为空则只输出到控制台)
	Format string // "text" (默认) 或 "json"
}

// ParseLevel 解析日志等级，未知值按 info 处理
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// New 按配置创建 Logger
// 返回的 io.Closer 用于关闭日志文件 (没有文件时是空操作)
func New(opts Options, console io.Writer) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level)

	// 1. 配置输出目标
	var closer io.Closer = nopCloser{}
	writer := console
	if writer == nil {
		writer = os.Stdout
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, err
		}

		// 追加模式
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, err
		}
		writer = io.MultiWriter(writer, file)
		closer = file
	}

	// 2. Handler 选项：仅在 Debug 模式下显示文件名和行号
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(writer, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("未知的日志格式: %s", opts.Format)
	}

	return slog.New(handler), closer, nil
}

// Setup 初始化全局日志配置，并设置为默认 Logger
func Setup(opts Options) (io.Closer, error) {
	l, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
