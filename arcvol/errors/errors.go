package errors

import "fmt"

// Error values for archive volume operations
var (
	// ErrDuplicateVolume is returned when creating a volume whose id is already registered
	ErrDuplicateVolume = &VolumeError{Code: "DUPLICATE_VOLUME", Message: "volume already exists"}

	// ErrUnknownVolume is returned when an operation names a volume id that is not registered
	ErrUnknownVolume = &VolumeError{Code: "UNKNOWN_VOLUME", Message: "volume not found"}

	// ErrInconsistentState is returned on caller contract violations such as a duplicate
	// metadata read, a mismatched archive size, or a non-positive read length
	ErrInconsistentState = &VolumeError{Code: "INCONSISTENT_STATE", Message: "operation violates volume state"}

	// ErrPathNotFound is returned when a path cannot be resolved against the archive metadata
	ErrPathNotFound = &VolumeError{Code: "PATH_NOT_FOUND", Message: "path not found in archive"}

	// ErrInvalidHandle is returned when an operation names an unknown or already closed stream
	ErrInvalidHandle = &VolumeError{Code: "INVALID_HANDLE", Message: "unknown or closed file handle"}

	// ErrCorruptData is returned when archive structure parsing or decompression fails
	ErrCorruptData = &VolumeError{Code: "CORRUPT_DATA", Message: "archive data is corrupt"}

	// ErrChunkUnavailable is returned when the host reports an I/O failure for a chunk request
	ErrChunkUnavailable = &VolumeError{Code: "CHUNK_UNAVAILABLE", Message: "chunk read failed on host"}
)

// VolumeError represents a structured error in archive volume operations
type VolumeError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *VolumeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *VolumeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target shares this error's code, so wrapped variants
// created by WithCause/WithDetail/WithMessage match their sentinel.
func (e *VolumeError) Is(target error) bool {
	t, ok := target.(*VolumeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause adds a cause to the error
func (e *VolumeError) WithCause(cause error) *VolumeError {
	return &VolumeError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *VolumeError) WithDetail(key string, value interface{}) *VolumeError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &VolumeError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *VolumeError) WithMessage(message string) *VolumeError {
	return &VolumeError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsVolumeError checks if an error is a VolumeError
func IsVolumeError(err error) bool {
	_, ok := err.(*VolumeError)
	return ok
}

// GetErrorCode extracts the error code from a VolumeError
func GetErrorCode(err error) string {
	if volErr, ok := err.(*VolumeError); ok {
		return volErr.Code
	}
	return ""
}
