package app

import (
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-remap/internal/services"
	"github.com/deploymenttheory/go-remap/internal/types"
)

// BindingTarget selects the primary and spare devices a command works on
type BindingTarget struct {
	ID            string
	PrimaryPath   string
	SparePath     string
	PrimarySerial string
	SpareSerial   string
}

// Validate ensures the binding target is usable
func (bt *BindingTarget) Validate() error {
	if bt.PrimaryPath == "" {
		return errors.New("primary device path is required")
	}
	if bt.SparePath == "" {
		return errors.New("spare device path is required")
	}
	if bt.PrimaryPath == bt.SparePath {
		return errors.New("primary and spare must be different devices")
	}
	return nil
}

// Name returns the binding identifier, defaulting to the primary path
func (bt *BindingTarget) Name() string {
	if bt.ID != "" {
		return bt.ID
	}
	return bt.PrimaryPath
}

// String returns a string representation of the binding target
func (bt *BindingTarget) String() string {
	return fmt.Sprintf("%s -> %s", bt.PrimaryPath, bt.SparePath)
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeDeviceAccess     = "DEVICE_ACCESS"
	ErrCodeNotFormatted     = "NOT_FORMATTED"
	ErrCodeAlreadyFormatted = "ALREADY_FORMATTED"
	ErrCodeCorrupt          = "METADATA_CORRUPT"
	ErrCodeConflict         = "METADATA_CONFLICT"
	ErrCodeIdentity         = "IDENTITY_MISMATCH"
	ErrCodeCapacity         = "CAPACITY_EXCEEDED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeFor maps an engine error onto an application error code
func CodeFor(err error) string {
	var common *CommonError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &common):
		return common.Code
	case errors.Is(err, services.ErrAlreadyFormatted):
		return ErrCodeAlreadyFormatted
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrUnformatted):
		return ErrCodeNotFormatted
	case errors.Is(err, types.ErrIdentityMismatch):
		return ErrCodeIdentity
	case errors.Is(err, types.ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, types.ErrStructural), errors.Is(err, types.ErrIntegrity),
		errors.Is(err, types.ErrIncompatibleFormat):
		return ErrCodeCorrupt
	case errors.Is(err, types.ErrCapacityExceeded):
		return ErrCodeCapacity
	case errors.Is(err, types.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, types.ErrCancelled):
		return ErrCodeCancelled
	case errors.Is(err, types.ErrDevice):
		return ErrCodeDeviceAccess
	default:
		return ErrCodeInternal
	}
}

// Wrap converts an engine error into a CommonError with the matching code
func Wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	var common *CommonError
	if errors.As(err, &common) {
		return err
	}
	return NewError(CodeFor(err), message, err)
}
