package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSource names the capture source a record concerns.
	FieldSource = "source"
	// FieldPeriod carries the period label (2006-01-02 or 2006-01).
	FieldPeriod = "period"
	// FieldJobID identifies a delivery job.
	FieldJobID = "job_id"
	// FieldPartIndex is the 1-based part number within a delivery job.
	FieldPartIndex = "part"
	// FieldPartTotal is the number of parts in a delivery job.
	FieldPartTotal = "parts"
	// FieldEventType classifies a record for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey string

const (
	sourceKey contextKey = "source"
	periodKey contextKey = "period"
	jobKey    contextKey = "job_id"
)

// WithSource annotates ctx with a capture source name.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey, source)
}

// WithPeriod annotates ctx with a period label.
func WithPeriod(ctx context.Context, label string) context.Context {
	if label == "" {
		return ctx
	}
	return context.WithValue(ctx, periodKey, label)
}

// WithJobID annotates ctx with a delivery job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, jobKey, id)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	for _, key := range []contextKey{sourceKey, periodKey, jobKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, slog.String(string(key), v))
		}
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
