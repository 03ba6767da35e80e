package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the logging interface used across the orchestrator. It is a thin
// wrapper around log/slog so that components can carry structured key-value
// context without depending on a concrete handler setup.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)

	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)

	With(attrs ...any) Logger
}

var _ Logger = (*appLogger)(nil)

type appLogger struct {
	logger *slog.Logger
	quiet  bool
}

// Config holds the options for constructing a Logger.
type Config struct {
	debug  bool
	format string
	writer io.Writer
	quiet  bool
}

// Option configures a Logger.
type Option func(*Config)

// WithDebug lowers the level of the logger to debug.
func WithDebug() Option {
	return func(o *Config) { o.debug = true }
}

// WithFormat sets the output format of the logger ("text" or "json").
func WithFormat(format string) Option {
	return func(o *Config) { o.format = format }
}

// WithWriter adds an additional writer (e.g. a log file) to the logger.
func WithWriter(w io.Writer) Option {
	return func(o *Config) { o.writer = w }
}

// WithQuiet suppresses output to stderr.
func WithQuiet() Option {
	return func(o *Config) { o.quiet = true }
}

var defaultLogger = NewLogger(WithFormat("text"))

// NewLogger builds a Logger that fans out to stderr and, when configured, an
// additional writer guarded against interleaved lines.
func NewLogger(opts ...Option) Logger {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handlers []slog.Handler
	if !cfg.quiet {
		handlers = append(handlers, newHandler(os.Stderr, cfg.format, handlerOpts))
	}
	if cfg.writer != nil {
		handlers = append(handlers, newGuardedHandler(newHandler(cfg.writer, cfg.format, handlerOpts)))
	}

	return &appLogger{
		logger: slog.New(slogmulti.Fanout(handlers...)),
		quiet:  cfg.quiet,
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var _ slog.Handler = (*guardedHandler)(nil)

// guardedHandler serializes writes so that concurrent loops (dispatcher,
// watchdog, heartbeats) sharing a log file do not interleave lines.
type guardedHandler struct {
	handler slog.Handler
	mu      sync.Mutex
}

func newGuardedHandler(handler slog.Handler) *guardedHandler {
	return &guardedHandler{handler: handler}
}

func (g *guardedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return g.handler.Enabled(ctx, level)
}

func (g *guardedHandler) Handle(ctx context.Context, record slog.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler.Handle(ctx, record)
}

func (g *guardedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &guardedHandler{handler: g.handler.WithAttrs(attrs)}
}

func (g *guardedHandler) WithGroup(name string) slog.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &guardedHandler{handler: g.handler.WithGroup(name)}
}

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

func (a *appLogger) Debugf(format string, v ...any) { a.logger.Debug(fmt.Sprintf(format, v...)) }
func (a *appLogger) Infof(format string, v ...any)  { a.logger.Info(fmt.Sprintf(format, v...)) }
func (a *appLogger) Warnf(format string, v ...any)  { a.logger.Warn(fmt.Sprintf(format, v...)) }
func (a *appLogger) Errorf(format string, v ...any) { a.logger.Error(fmt.Sprintf(format, v...)) }

func (a *appLogger) With(attrs ...any) Logger {
	return &appLogger{logger: a.logger.With(attrs...), quiet: a.quiet}
}
