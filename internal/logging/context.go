package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSpec is the standardized structured logging key for autograb spec names.
	FieldSpec = "spec"
	// FieldHash is the standardized structured logging key for torrent info hashes.
	FieldHash = "hash"
	// FieldMamID is the standardized structured logging key for tracker torrent ids.
	FieldMamID = "mam_id"
	// FieldTask is the standardized structured logging key for scheduler task names.
	FieldTask = "task"
)

type contextKey string

const specContextKey contextKey = "mlm.spec"

// WithSpec returns a context carrying the active autograb spec name.
func WithSpec(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, specContextKey, name)
}

// SpecFromContext extracts the active spec name, if any.
func SpecFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	name, ok := ctx.Value(specContextKey).(string)
	return name, ok && name != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 1)
	if spec, ok := SpecFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSpec, spec))
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
	return logger.With(attrsToArgs(fields)...)
}
