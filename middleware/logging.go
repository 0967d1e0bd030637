package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrMessageTooLarge = errors.New("message too large")

// LoggingMiddleware logs every message and how long the rest of the
// pipeline took to handle it.
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx *Context, next NextFunc) error {
		start := time.Now()
		err := next(ctx)
		attrs := []any{
			"id", ctx.ID,
			"addr", ctx.Addr,
			"size", len(ctx.Data),
			"response", len(ctx.Response),
			"elapsed", time.Since(start),
		}
		if err != nil {
			logger.Warn("Message handling failed", append(attrs, "error", err)...)
			return err
		}
		logger.Debug("Message handled", attrs...)
		return nil
	}
}

// SizeLimitMiddleware rejects messages longer than limit bytes.
func SizeLimitMiddleware(limit int) MiddlewareFunc {
	return func(ctx *Context, next NextFunc) error {
		if len(ctx.Data) > limit {
			return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(ctx.Data), limit)
		}
		return next(ctx)
	}
}

// EchoMiddleware answers each message with a copy of itself unless a later
// middleware already set a response.
func EchoMiddleware(ctx *Context, next NextFunc) error {
	if err := next(ctx); err != nil {
		return err
	}
	if ctx.Response == nil {
		ctx.Response = append([]byte(nil), ctx.Data...)
	}
	return nil
}
