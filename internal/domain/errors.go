package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConnectionError is a streaming transport failure. The tick manager
// recovers from it by reconnecting; subscribers never see it.
type ConnectionError struct {
	Transport string
	Err       error
}

func (e *ConnectionError) Error() string {
	return "stream connection [" + e.Transport + "]: " + e.Err.Error()
}

func (e *ConnectionError) IsRetriable() bool {
	return true
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DecodeError means a payload did not decrypt or did not parse where a
// structured value was required. Callers treat it as corrupt data.
type DecodeError struct {
	Stage string // "base64", "cipher", "json"
	Err   error
}

func (e *DecodeError) Error() string {
	return "decode error [" + e.Stage + "]: " + e.Err.Error()
}

func (e *DecodeError) IsRetriable() bool {
	return false
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RequestError is a non-2xx backend response.
type RequestError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *RequestError) IsRetriable() bool {
	return e.Status >= 500
}

var (
	// ErrSessionExpired is returned after an unauthorized response forced a sign-out.
	ErrSessionExpired = errors.New("session expired")

	// ErrConnectionFailed is reported once the tick manager stops reconnecting.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidTick is returned when a tick misses a required field.
	ErrInvalidTick = errors.New("invalid tick")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrMissingSecret is wrapped by the ConfigError raised when no encryption key is set.
	ErrMissingSecret = errors.New("encryption secret is not configured")
)
