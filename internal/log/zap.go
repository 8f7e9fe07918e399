package log

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	z                 *zap.Logger
	stackLevel        zapcore.Level
	includeErrorLinks bool
	maxErrorLinks     int
}

func newZap(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	var enc zapcore.Encoder
	if opts.JsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapLevel(opts.Level))
	fields := []zap.Field{zap.String("app", opts.App)}
	if opts.Version != "" {
		fields = append(fields, zap.String("version", opts.Version))
	}
	// skip the Logger method and zapLogger.log
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(fields...)

	return &zapLogger{
		z:                 z,
		stackLevel:        zapLevel(opts.StacktraceLevel),
		includeErrorLinks: opts.IncludeErrorLinks,
		maxErrorLinks:     opts.MaxErrorLinks,
	}, nil
}

// zapLevel maps slog levels onto zap's, rounding toward the stricter level.
func zapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func zapFields(kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	kvPairs(kv, func(k string, v any) {
		if err, ok := v.(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			return
		}
		fields = append(fields, zap.Any(k, v))
	})
	return fields
}

func (l *zapLogger) With(kv ...any) Logger {
	c := *l
	c.z = l.z.With(zapFields(kv)...)
	return &c
}

func (l *zapLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, zapcore.DebugLevel, msg, kv)
}

func (l *zapLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, zapcore.InfoLevel, msg, kv)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.log(ctx, zapcore.WarnLevel, msg, kv)
}

func (l *zapLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	kv = append(kv, errorKV(err, l.includeErrorLinks, l.maxErrorLinks)...)
	l.log(ctx, zapcore.ErrorLevel, msg, kv)
}

func (l *zapLogger) Sync() error { return l.z.Sync() }

func (l *zapLogger) log(ctx context.Context, lvl zapcore.Level, msg string, kv []any) {
	ce := l.z.Check(lvl, msg)
	if ce == nil {
		return
	}
	fields := zapFields(kv)
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}
	if lvl >= l.stackLevel {
		stack := ""
		kvPairs(kv, func(k string, v any) {
			if hs, ok := v.(hasStack); ok && k == "err" && stack == "" {
				stack = renderPCs(hs.StackPCs())
			}
		})
		if stack == "" {
			stack = captureStack(4)
		}
		fields = append(fields, zap.String("stack", stack))
	}
	ce.Write(fields...)
}
