// Package errors provides structured error handling for serverseeker.
// It defines the error codes of the scan taxonomy (transport, protocol,
// resource exhaustion, sink) together with the fatal startup conditions,
// and typed errors that carry the code through wrap chains.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Transport errors. Expected at very high frequency during a sweep.
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeConnectionRefused  ErrorCode = "CONNECTION_REFUSED"
	CodeConnectionReset    ErrorCode = "CONNECTION_RESET"
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"

	// Protocol errors. Handshake framing violations and status decode failures
	// are kept apart so they can be counted separately.
	CodeHandshakeFailed ErrorCode = "HANDSHAKE_FAILED"
	CodeDecodeFailed    ErrorCode = "DECODE_FAILED"

	// Self-inflicted backpressure from the concurrency governor.
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Sink errors.
	CodeSinkUnavailable  ErrorCode = "SINK_UNAVAILABLE"
	CodeSinkBackpressure ErrorCode = "SINK_BACKPRESSURE"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// Country tracking errors.
	CodeCountrySync ErrorCode = "COUNTRY_SYNC"
)

// ScanError represents an error that occurred while probing a single target.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// CountryError represents failures of the country tracking subsystem.
type CountryError struct {
	Code    ErrorCode
	Message string
	Source  string
	Cause   error
}

// Error implements the error interface.
func (e *CountryError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("[%s] %s (source: %s): %v", e.Code, e.Message, e.Source, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CountryError) Unwrap() error {
	return e.Cause
}

// WrapCountryError wraps an error raised while syncing country data.
func WrapCountryError(message, source string, err error) *CountryError {
	return &CountryError{Code: CodeCountrySync, Message: message, Source: source, Cause: err}
}

// coded is satisfied by every error type in this package.
type coded interface {
	error
	code() ErrorCode
}

func (e *ScanError) code() ErrorCode     { return e.Code }
func (e *DatabaseError) code() ErrorCode { return e.Code }
func (e *ConfigError) code() ErrorCode   { return e.Code }
func (e *CountryError) code() ErrorCode  { return e.Code }

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.code()
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsTransport reports whether err belongs to the transport class.
func IsTransport(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeConnectionRefused, CodeConnectionReset, CodeNetworkUnreachable:
		return true
	default:
		return false
	}
}

// IsProtocol reports whether err is a handshake or decode failure.
func IsProtocol(err error) bool {
	switch GetCode(err) {
	case CodeHandshakeFailed, CodeDecodeFailed:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseConnection, CodeDatabaseMigration, CodeCountrySync:
		return true
	default:
		return false
	}
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "Database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Invalid configuration value", field, value)
}
