package utils

import (
	"errors"
	"fmt"

	"github.com/dl-alexandre/cloudstream/internal/types"
)

// Exit codes
const (
	ExitSuccess = 0
	// Configuration errors
	ExitConfigError = 2
	// Auth errors (10-19)
	ExitAuthRequired = 10
	ExitAuthExpired  = 11
	// Lookup errors (20-29)
	ExitRemoteNotFound   = 20
	ExitPathNotFound     = 21
	ExitAuthFlowNotFound = 22
	// Network errors (30-39)
	ExitNetworkError = 30
	ExitTimeout      = 31
	ExitRateLimited  = 32
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitNameConflict    = 41
	// Process slot errors (70-79)
	ExitBusy           = 70
	ExitStartupTimeout = 71
	ExitCancelled      = 72
	// Unknown
	ExitOperationFailed = 99
	ExitUnknown         = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeConfigError      = "CONFIG_ERROR"
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeAuthExpired      = "AUTH_EXPIRED"
	ErrCodeRemoteNotFound   = "REMOTE_NOT_FOUND"
	ErrCodePathNotFound     = "PATH_NOT_FOUND"
	ErrCodeAuthFlowNotFound = "AUTH_FLOW_NOT_FOUND"
	ErrCodeNetworkError     = "NETWORK_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeNameConflict     = "NAME_CONFLICT"
	ErrCodeBusy             = "BUSY"
	ErrCodeStartupTimeout   = "STARTUP_TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
	ErrCodeUnknown          = "UNKNOWN"
)

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err types.CLIError
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: types.CLIError{
			Code:    code,
			Message: message,
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

func (b *CLIErrorBuilder) Build() types.CLIError {
	return b.err
}

// Err builds the error and wraps it as an AppError
func (b *CLIErrorBuilder) Err() *AppError {
	return NewAppError(b.err)
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	mapping := map[string]int{
		ErrCodeConfigError:      ExitConfigError,
		ErrCodeAuthRequired:     ExitAuthRequired,
		ErrCodeAuthExpired:      ExitAuthExpired,
		ErrCodeRemoteNotFound:   ExitRemoteNotFound,
		ErrCodePathNotFound:     ExitPathNotFound,
		ErrCodeAuthFlowNotFound: ExitAuthFlowNotFound,
		ErrCodeNetworkError:     ExitNetworkError,
		ErrCodeTimeout:          ExitTimeout,
		ErrCodeRateLimited:      ExitRateLimited,
		ErrCodeInvalidArgument:  ExitInvalidArgument,
		ErrCodeNameConflict:     ExitNameConflict,
		ErrCodeBusy:             ExitBusy,
		ErrCodeStartupTimeout:   ExitStartupTimeout,
		ErrCodeCancelled:        ExitCancelled,
		ErrCodeOperationFailed:  ExitOperationFailed,
	}
	if code, ok := mapping[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError types.CLIError
	cause    error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr types.CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// WrapAppError creates an AppError that keeps cause reachable through errors.Is/As
func WrapAppError(cliErr types.CLIError, cause error) *AppError {
	return &AppError{CLIError: cliErr, cause: cause}
}

// AsAppError extracts the AppError in err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the stable code carried by err, or ErrCodeUnknown
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.CLIError.Code
	}
	return ErrCodeUnknown
}

// IsCode reports whether err carries one of the given codes
func IsCode(err error, codes ...string) bool {
	got := CodeOf(err)
	for _, c := range codes {
		if got == c {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.CLIError.Retryable
	}
	return false
}

// IsAuthError reports whether err requires re-authorization
func IsAuthError(err error) bool {
	return IsCode(err, ErrCodeAuthRequired, ErrCodeAuthExpired)
}

// ToCLIError converts any error to its CLI representation
func ToCLIError(err error) types.CLIError {
	if appErr, ok := AsAppError(err); ok {
		return appErr.CLIError
	}
	return NewCLIError(ErrCodeUnknown, err.Error()).Build()
}

// Constructors for the failure kinds shared across components.

func ConfigError(message string) *AppError {
	return NewCLIError(ErrCodeConfigError, message).Err()
}

func NotFound(code, what, id string) *AppError {
	return NewCLIError(code, fmt.Sprintf("%s not found: %s", what, id)).
		WithContext("id", id).
		Err()
}

func InvalidArgument(message string) *AppError {
	return NewCLIError(ErrCodeInvalidArgument, message).Err()
}

func Busy(message string) *AppError {
	return NewCLIError(ErrCodeBusy, message).Err()
}
