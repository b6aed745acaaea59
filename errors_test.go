package nvmemu

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ehrlich-b/go-nvmemu/internal/wire"
)

func TestStructuredError(t *testing.T) {
	// Test basic error creation
	err := NewError("IDENTIFY", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "IDENTIFY" {
		t.Errorf("Expected Op=IDENTIFY, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "nvme: invalid queue depth (op=IDENTIFY)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorMessageParts(t *testing.T) {
	qerr := NewQueueError("CREATE_IO_QUEUE", 3, ErrCodeQueueFull, "no free slot")
	expected := "nvme: no free slot (op=CREATE_IO_QUEUE queue=3)"
	if qerr.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, qerr.Error())
	}

	nserr := NewNamespaceError("READ", 7, ErrCodeNamespaceNotFound, "no such namespace")
	expected = "nvme: no such namespace (op=READ nsid=7)"
	if nserr.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, nserr.Error())
	}

	// Empty message falls back to the code text
	bare := NewError("SUBMIT", ErrCodeTimeout, "")
	expected = "nvme: timeout (op=SUBMIT)"
	if bare.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, bare.Error())
	}
}

func TestStatusError(t *testing.T) {
	err := NewStatusError("READ", 2, 1, wire.NVME_SC_LBA_RANGE)

	if err.Code != ErrCodeLBAOutOfRange {
		t.Errorf("Expected Code=ErrCodeLBAOutOfRange, got %s", err.Code)
	}

	if err.Status != wire.NVME_SC_LBA_RANGE {
		t.Errorf("Expected Status=0x%x, got 0x%x", wire.NVME_SC_LBA_RANGE, err.Status)
	}

	expected := "nvme: completion status 0x80 (op=READ queue=2 nsid=1 status=0x80)"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	if !IsStatus(err, wire.NVME_SC_LBA_RANGE) {
		t.Error("IsStatus should match the carried status")
	}
	if IsStatus(err, wire.NVME_SC_INVALID_NS) {
		t.Error("IsStatus should not match a different status")
	}
}

func TestWrapError(t *testing.T) {
	// Sentinel inner errors map directly to their code
	err := WrapError("SUBMIT", ErrClosed)

	if err.Code != ErrCodeClosed {
		t.Errorf("Expected Code=ErrCodeClosed, got %s", err.Code)
	}

	if !errors.Is(err, ErrClosed) {
		t.Error("Expected wrapped error to satisfy errors.Is for ErrClosed")
	}

	// Arbitrary inner errors keep their chain and fall back to a generic code
	inner := fmt.Errorf("backing store went away")
	err = WrapError("FLUSH", inner)

	if err.Code != ErrCodeCommandFailed {
		t.Errorf("Expected Code=ErrCodeCommandFailed, got %s", err.Code)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner error")
	}

	// Re-wrapping a structured error updates the op and keeps everything else
	base := NewStatusError("READ", 1, 2, wire.NVME_SC_INVALID_NS)
	rewrapped := WrapError("NAMESPACE_ATTACH", base)
	if rewrapped.Op != "NAMESPACE_ATTACH" {
		t.Errorf("Expected Op=NAMESPACE_ATTACH, got %s", rewrapped.Op)
	}
	if rewrapped.Status != wire.NVME_SC_INVALID_NS || rewrapped.NSID != 2 {
		t.Error("Re-wrapping should preserve status and namespace context")
	}

	// nil in, nil out
	if got := WrapError("NOP", nil); got != nil {
		t.Errorf("Expected nil for nil inner error, got %v", got)
	}
}

func TestSentinelErrors(t *testing.T) {
	// Sentinel errors work with errors.Is
	var sentinelErr error = ErrInvalidParameters

	// Structured error should match sentinel by code
	structuredErr := &Error{Queue: -1, Code: ErrCodeInvalidParameters}

	if !errors.Is(structuredErr, ErrInvalidParameters) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	// Sentinel error message
	if sentinelErr.Error() != "invalid parameters" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	// Two structured errors match when their codes agree
	other := NewError("OTHER", ErrCodeInvalidParameters, "same category")
	if !errors.Is(structuredErr, other) {
		t.Error("Structured errors with equal codes should match via errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("ENABLE", ErrCodeTimeout, "controller never became ready")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeControllerFatal) {
		t.Error("IsCode should return false for non-matching code")
	}

	// Test with nil error
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}

	// IsCode sees through wrapping
	wrapped := fmt.Errorf("bring-up: %w", err)
	if !IsCode(wrapped, ErrCodeTimeout) {
		t.Error("IsCode should match through fmt.Errorf wrapping")
	}
}

func TestStatusMapping(t *testing.T) {
	testCases := []struct {
		status   uint16
		expected NvmeErrorCode
	}{
		{wire.NVME_SC_LBA_RANGE, ErrCodeLBAOutOfRange},
		{wire.NVME_SC_INVALID_NS, ErrCodeNamespaceNotFound},
		{wire.NVME_SC_ABORT_REQ, ErrCodeAborted},
		{wire.NVME_SC_ABORT_SQ_DELETED, ErrCodeAborted},
		{wire.NVME_SC_NS_NOT_READY, ErrCodeDeviceNotReady},
		{wire.NVME_SC_INVALID_OPCODE, ErrCodeInvalidParameters},
		{wire.NVME_SC_INVALID_FIELD, ErrCodeInvalidParameters},
		{wire.NVME_SC_INTERNAL, ErrCodeCommandFailed},
	}

	for _, tc := range testCases {
		code := StatusToCode(tc.status)
		if code != tc.expected {
			t.Errorf("StatusToCode(0x%x) = %s, want %s", tc.status, code, tc.expected)
		}
	}

	if StatusToCode(wire.NVME_SC_SUCCESS) != "" {
		t.Error("StatusToCode(success) should be empty")
	}
}
