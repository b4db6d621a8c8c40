// Package logging builds slog loggers that pick up attributes stored in the
// context, with optional rotating file output.
package logging

import (
	"context"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

// ContextHandler adds the attributes stored by AppendCtx to every record
type ContextHandler struct {
	slog.Handler
}

// Handle adds context attributes to the record
func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context handling on derived handlers
func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context handling on derived handlers
func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{h.Handler.WithGroup(name)}
}

// AppendCtx returns a child context carrying attrs in addition to the ones
// already stored in parent
func AppendCtx(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	var stored []slog.Attr
	if v, ok := parent.Value(ctxKey{}).([]slog.Attr); ok {
		stored = append(stored, v...)
	}
	stored = append(stored, attrs...)
	return context.WithValue(parent, ctxKey{}, stored)
}

// Logger creates a text or JSON logger writing to w
func Logger(w io.Writer, json bool, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(ContextHandler{h})
}

// FileOptions configures log file rotation
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Output returns stdout combined with a rotating log file when opts.Path is
// set. The returned closer releases the file.
func Output(stdout io.Writer, opts FileOptions) (io.Writer, io.Closer) {
	if opts.Path == "" {
		return stdout, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return io.MultiWriter(stdout, file), file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
