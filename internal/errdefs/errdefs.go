// Package errdefs defines the error taxonomy shared by the engine, instance
// and service layers. Every error carries a stable code, a human-readable
// message and, where one applies, an actionable recovery suggestion. The HTTP
// layer maps codes to statuses; the lifecycle layer uses Recoverable to decide
// whether a degraded-settings retry is worth attempting.
package errdefs

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	FileNotFound           Code = "file_not_found"
	FileCorrupted          Code = "file_corrupted"
	ModelLoadFailure       Code = "model_load_failure"
	ContextCreationFailure Code = "context_creation_failure"
	BatchProcessingFailure Code = "batch_processing_failure"
	TokenizationFailure    Code = "tokenization_failure"
	GenerationFailure      Code = "generation_failure"
	EngineNotInitialized   Code = "engine_not_initialized"
	OperationCancelled     Code = "operation_cancelled"
	ResourceExhausted      Code = "resource_exhausted"
	ConfigurationInvalid   Code = "configuration_invalid"
	ArchUnsupported        Code = "architecture_unsupported"
	MemoryInsufficient     Code = "memory_insufficient"
	ContextWindowExceeded  Code = "context_window_exceeded"
	SamplingFailure        Code = "sampling_failure"
	CacheOperationFailure  Code = "cache_operation_failure"
	ModelNotFound          Code = "model_not_found"
	Busy                   Code = "busy"
	Unknown                Code = "unknown"
)

// Error is the concrete error type for the taxonomy.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	// Carried by context_window_exceeded: tokens required vs the limit.
	Required int
	Limit    int
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithSuggestion returns e with a recovery suggestion attached.
func (e *Error) WithSuggestion(format string, args ...any) *Error {
	e.Suggestion = fmt.Sprintf(format, args...)
	return e
}

// ContextExceeded builds the context-window error carrying both counts.
func ContextExceeded(required, limit int) *Error {
	e := New(ContextWindowExceeded, "prompt needs %d tokens but the context holds %d", required, limit)
	e.Required = required
	e.Limit = limit
	if over := required - limit; over > 0 {
		e.Suggestion = fmt.Sprintf("shorten the input by at least %d tokens or raise the context length", over)
	}
	return e
}

// CodeOf returns the taxonomy code for err, or Unknown for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool { return Is(err, ModelNotFound) }

// IsBusy reports whether err indicates backpressure (429 mapping).
func IsBusy(err error) bool { return Is(err, Busy) }

// IsCancelled reports whether err came from a caller interrupt/disconnect.
func IsCancelled(err error) bool { return Is(err, OperationCancelled) }

// IsConfigurationInvalid reports an eagerly detected validation failure.
func IsConfigurationInvalid(err error) bool { return Is(err, ConfigurationInvalid) }

// recoverable is the subset of codes that justify one fallback attempt with
// reduced settings during instance initialization.
var recoverable = map[Code]bool{
	ArchUnsupported:        true,
	ContextCreationFailure: true,
	MemoryInsufficient:     true,
	ContextWindowExceeded:  true,
	ResourceExhausted:      true,
	SamplingFailure:        true,
	BatchProcessingFailure: true,
}

// Recoverable reports whether a lifecycle failure warrants a degraded retry.
func Recoverable(err error) bool { return recoverable[CodeOf(err)] }
