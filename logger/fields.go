package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so logs stay queryable.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldRequestID = "request_id"
	FieldWorkerID  = "worker_id"

	// Components
	FieldComponent = "component"
	FieldChannel   = "channel"
	FieldProvider  = "provider"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Job progress
	FieldStatus    = "status"
	FieldItemIndex = "item"
	FieldTotal     = "total"
	FieldSent      = "sent"
	FieldFailed    = "failed"
	FieldAttempt   = "attempt"
	FieldCount     = "count"

	// Network
	FieldAddress = "address"

	FieldSymbol = "symbol" // glyph from package sym
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	ownerIDKey   contextKey = "logger_owner_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithOwnerID adds the owning account to the context for logging
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if ownerID, ok := ctx.Value(ownerIDKey).(string); ok && ownerID != "" {
		fields = append(fields, FieldOwnerID, ownerID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base with the fields carried by ctx attached.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	runner := async.NewRunner(queue, channels, limiter, cfg, logger.ComponentLogger("runner"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// WithSymbol returns a logger carrying a sym glyph as a structured field.
func WithSymbol(base *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	return base.With(FieldSymbol, symbol)
}
