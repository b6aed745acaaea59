package nvmemu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

// Error represents a structured nvmemu error with device context and the
// NVMe completion status that produced it, when one exists.
type Error struct {
	Op     string        // Operation that failed (e.g., "IDENTIFY", "CREATE_IO_QUEUE")
	Queue  int           // Queue ID (-1 if not applicable)
	NSID   uint32        // Namespace ID (0 if not applicable)
	Status uint16        // NVMe completion status, (SCT << 8) | SC (0 if not applicable)
	Code   NvmeErrorCode // High-level error category
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.NSID != 0 {
		parts = append(parts, fmt.Sprintf("nsid=%d", e.NSID))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=0x%x", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("nvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for NvmeError compatibility
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Support sentinel NvmeError comparison
	if ne, ok := target.(NvmeError); ok {
		return e.Code == NvmeErrorCode(ne)
	}

	// Support structured Error comparison
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// NvmeErrorCode represents high-level error categories
type NvmeErrorCode string

const (
	ErrCodeInvalidRegister        NvmeErrorCode = "invalid register"
	ErrCodeInvalidAccessSize      NvmeErrorCode = "invalid access size"
	ErrCodeDeviceNotReady         NvmeErrorCode = "device not ready"
	ErrCodeNamespaceNotFound      NvmeErrorCode = "namespace not found"
	ErrCodeNamespaceExists        NvmeErrorCode = "namespace already exists"
	ErrCodeLBAOutOfRange          NvmeErrorCode = "LBA out of range"
	ErrCodeControllerFatal        NvmeErrorCode = "controller fatal error"
	ErrCodeQueueFull              NvmeErrorCode = "submission queue full"
	ErrCodeAborted                NvmeErrorCode = "command aborted"
	ErrCodeTimeout                NvmeErrorCode = "timeout"
	ErrCodeCommandFailed          NvmeErrorCode = "command failed"
	ErrCodeInvalidParameters      NvmeErrorCode = "invalid parameters"
	ErrCodeOutOfBounds            NvmeErrorCode = "out of bounds"
	ErrCodeOutOfMemory            NvmeErrorCode = "out of memory"
	ErrCodeClosed                 NvmeErrorCode = "device closed"
	ErrCodeSaveRestoreUnsupported NvmeErrorCode = "save/restore not supported"
)

// NvmeError is the sentinel error type for errors.Is matching
type NvmeError string

func (e NvmeError) Error() string {
	return string(e)
}

// Sentinel error constants
const (
	ErrNotReady               NvmeError = "device not ready"
	ErrClosed                 NvmeError = "device closed"
	ErrInvalidParameters      NvmeError = "invalid parameters"
	ErrOutOfBounds            NvmeError = "out of bounds"
	ErrOutOfMemory            NvmeError = "out of memory"
	ErrSaveRestoreUnsupported NvmeError = "save/restore not supported"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code NvmeErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code NvmeErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// NewNamespaceError creates a new namespace-specific error
func NewNamespaceError(op string, nsid uint32, code NvmeErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		NSID:  nsid,
		Code:  code,
		Msg:   msg,
	}
}

// NewStatusError creates an error from a non-success NVMe completion status
func NewStatusError(op string, queue int, nsid uint32, status uint16) *Error {
	return &Error{
		Op:     op,
		Queue:  queue,
		NSID:   nsid,
		Status: status,
		Code:   StatusToCode(status),
		Msg:    fmt.Sprintf("completion status 0x%x", status),
	}
}

// WrapError wraps an existing error with nvme context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Queue:  ne.Queue,
			NSID:   ne.NSID,
			Status: ne.Status,
			Code:   ne.Code,
			Msg:    ne.Msg,
			Inner:  ne.Inner,
		}
	}

	// Map sentinel errors to codes where a direct mapping exists
	code := ErrCodeCommandFailed
	if ne, ok := inner.(NvmeError); ok {
		code = NvmeErrorCode(ne)
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// StatusToCode maps an NVMe completion status to an error code
func StatusToCode(status uint16) NvmeErrorCode {
	switch status {
	case wire.NVME_SC_SUCCESS:
		return ""
	case wire.NVME_SC_LBA_RANGE:
		return ErrCodeLBAOutOfRange
	case wire.NVME_SC_INVALID_NS:
		return ErrCodeNamespaceNotFound
	case wire.NVME_SC_ABORT_REQ, wire.NVME_SC_ABORT_SQ_DELETED:
		return ErrCodeAborted
	case wire.NVME_SC_NS_NOT_READY:
		return ErrCodeDeviceNotReady
	case wire.NVME_SC_INVALID_OPCODE, wire.NVME_SC_INVALID_FIELD:
		return ErrCodeInvalidParameters
	default:
		return ErrCodeCommandFailed
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code NvmeErrorCode) bool {
	var nvmeErr *Error
	if errors.As(err, &nvmeErr) {
		return nvmeErr.Code == code
	}
	return false
}

// IsStatus checks if an error carries a specific NVMe completion status
func IsStatus(err error, status uint16) bool {
	var nvmeErr *Error
	if errors.As(err, &nvmeErr) {
		return nvmeErr.Status == status
	}
	return false
}
