package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/S1riyS/jffs2-server/pkg/logging/slogpretty"
)

type ctxLoggerKey struct {
	Key string
}

var (
	cKey   = ctxLoggerKey{Key: "logger"}
	reqKey = ctxLoggerKey{Key: "request_id"}
)

// NewLogger builds the process logger. Format "pretty" renders colourised
// console output, anything else falls back to JSON lines.
func NewLogger(format, level string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if format == "pretty" {
		prettyOpts := slogpretty.PrettyHandlerOptions{SlogOpts: opts}
		return slog.New(prettyOpts.NewPrettyHandler(out))
	}

	return slog.New(slog.NewJSONHandler(out, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func GetLoggerFromContext(ctx context.Context) *slog.Logger {
	var l *slog.Logger

	logger := ctx.Value(cKey)
	if logger != nil {
		l = logger.(*slog.Logger)
	} else {
		// Default stdout logger
		l = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	// Always attach request ID from context if available
	requestID := GetRequestIDFromCtx(ctx)
	if requestID != "" {
		l = l.With(slog.String("request_id", requestID))
	}

	return l
}

// Returns logger from context and attaches operation name
func GetLoggerFromContextWithOp(ctx context.Context, op string) *slog.Logger {
	l := GetLoggerFromContext(ctx)

	// Attach operation
	l = l.With(slog.String("op", op))

	return l
}

func MakeContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	ctx = context.WithValue(ctx, cKey, logger)
	return ctx
}
