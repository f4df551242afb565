package async

import (
	"context"
	"strings"
	"time"

	"github.com/mailpulse/mailpulse/errors"
)

// Engine sentinels. Store and runner errors are marked with these so callers
// can use errors.Is regardless of the message text.
var (
	// ErrInvalidTransition is returned when a conditional status change finds
	// the job in a state that does not allow it (another worker won a race,
	// or the job was paused or cancelled)
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobTerminal is returned when writing counters to a completed or failed job
	ErrJobTerminal = errors.New("job is terminal")

	// ErrJobCancelled is the cancel cause for jobs cancelled by their owner
	ErrJobCancelled = errors.New("job cancelled")

	// ErrJobPaused is the cancel cause for jobs paused by their owner
	ErrJobPaused = errors.New("job paused")

	// ErrSetup marks channel setup failures (credential, handshake)
	ErrSetup = errors.New("channel setup failed")

	// ErrFatal marks a send error that must abort the whole job rather than
	// count as a single failed item
	ErrFatal = errors.New("fatal channel error")

	// ErrBackpressure marks a send the channel declined to attempt for now,
	// e.g. while a provider circuit breaker is open
	ErrBackpressure = errors.New("channel temporarily unavailable")
)

// minBackpressureWait keeps a channel that asks for no wait from spinning
const minBackpressureWait = 10 * time.Millisecond

// CancelledMessage is the error stored on jobs cancelled by their owner
const CancelledMessage = "Job cancelled by user"

// Fatal marks err as job-fatal. Sessions return it when continuing makes no
// sense, e.g. credentials revoked mid-run.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrFatal)
}

// Backpressure marks err as a refusal to attempt the send right now. The
// runner waits at least after, then sends the same item again; the wait does
// not use up a retry attempt and the item is not recorded meanwhile.
func Backpressure(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return errors.Mark(&backpressureError{cause: err, after: after}, ErrBackpressure)
}

type backpressureError struct {
	cause error
	after time.Duration
}

func (e *backpressureError) Error() string { return e.cause.Error() }
func (e *backpressureError) Unwrap() error { return e.cause }

// backpressureWait returns the wait requested by a Backpressure error
func backpressureWait(err error) (time.Duration, bool) {
	var bp *backpressureError
	if !errors.As(err, &bp) {
		return 0, false
	}
	return max(bp.after, minBackpressureWait), true
}

// SetupError marks err as a channel setup failure
func SetupError(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrSetup)
}

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeCredential    ErrorCode = "credential_error"
	ErrorCodeRecipient     ErrorCode = "recipient_error"
	ErrorCodeRateLimited   ErrorCode = "rate_limited"
	ErrorCodeNetworkError  ErrorCode = "network_error"
	ErrorCodeDatabaseError ErrorCode = "database_error"
	ErrorCodeParseError    ErrorCode = "parse_error"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeCancelled     ErrorCode = "cancelled"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job and item failures
type ErrorContext struct {
	Stage     string    // Where the error occurred: setup, send, store
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would another attempt plausibly succeed?
}

// ClassifyError categorizes an error based on its type and message.
// Used for structured failure logs; retry decisions belong to RetryPolicy.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}

	switch {
	case errors.IsAny(err, ErrJobCancelled, ErrJobPaused, context.Canceled):
		ctx.Code = ErrorCodeCancelled
		return ctx
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		return ctx
	}

	lower := strings.ToLower(ctx.Message)
	switch {
	case strings.Contains(lower, "credential") || strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "invalid login") || strings.Contains(lower, "535") ||
		strings.Contains(lower, "unauthorized"):
		ctx.Code = ErrorCodeCredential

	case strings.Contains(lower, "recipient") || strings.Contains(lower, "user unknown") ||
		strings.Contains(lower, "mailbox unavailable") || strings.Contains(lower, "unsubscribed") ||
		strings.Contains(lower, "550"):
		ctx.Code = ErrorCodeRecipient

	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests"):
		ctx.Code = ErrorCodeRateLimited
		ctx.Retryable = true

	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") ||
		strings.Contains(lower, "dial") || strings.Contains(lower, "eof"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(lower, "database") || strings.Contains(lower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true

	case strings.Contains(lower, "unmarshal") || strings.Contains(lower, "parse") ||
		strings.Contains(lower, "invalid json"):
		ctx.Code = ErrorCodeParseError

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
