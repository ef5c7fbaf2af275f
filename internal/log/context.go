// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	workerIDKey    ctxKey = "worker_id"
	incarnationKey ctxKey = "incarnation_id"
)

// ContextWithWorkerID stores the provided worker ID in the context.
func ContextWithWorkerID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, workerIDKey, id)
}

// ContextWithIncarnationID stores the worker incarnation ID in the context.
func ContextWithIncarnationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, incarnationKey, id)
}

// WorkerIDFromContext extracts the worker ID from context if present.
func WorkerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(workerIDKey).(string); ok {
		return v
	}
	return ""
}

// IncarnationIDFromContext extracts the incarnation ID from context if present.
func IncarnationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(incarnationKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with identity fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if wid := WorkerIDFromContext(ctx); wid != "" {
		builder = builder.Str("worker_id", wid)
		added = true
	}
	if iid := IncarnationIDFromContext(ctx); iid != "" {
		builder = builder.Str("incarnation_id", iid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}
