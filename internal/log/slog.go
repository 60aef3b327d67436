package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// defaultErrorLinks caps error_links when Options leaves it unset.
const defaultErrorLinks = 8

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	links int // 0 disables error_links
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackAt := opts.StacktraceLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}

	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var out slog.Handler = slog.NewTextHandler(w, hopts)
	if opts.JsonFormat {
		out = slog.NewJSONHandler(w, hopts)
	}

	l := &slogLogger{h: enrichHandler{next: out, stackAt: stackAt}}
	if opts.IncludeErrorLinks {
		l.links = opts.MaxErrorLinks
		if l.links <= 0 {
			l.links = defaultErrorLinks
		}
	}
	l.attrs = append(l.attrs, slog.String("app", opts.App))
	for _, kv := range [][2]string{
		{"version", opts.Version},
		{"commit", opts.Commit},
		{"build_id", opts.BuildId},
	} {
		if kv[1] != "" {
			l.attrs = append(l.attrs, slog.String(kv[0], kv[1]))
		}
	}
	return l, nil
}

// With returns a child logger. attrs is copied so parent and child can be
// used from different goroutines.
func (s *slogLogger) With(kv ...any) Logger {
	attrs := make([]slog.Attr, 0, len(s.attrs)+len(kv)/2)
	attrs = append(attrs, s.attrs...)
	return &slogLogger{h: s.h, attrs: append(attrs, kvAttrs(kv)...), links: s.links}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorFields(err, s.links)...)
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// 3 = runtime.Callers, log, and the level method.
	var pc [1]uintptr
	runtime.Callers(3, pc[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}
