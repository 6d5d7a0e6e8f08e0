package domain

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Every error that crosses a component boundary wraps one of these.
var (
	ErrNotFound        = fmt.Errorf("not found")
	ErrAmbiguousTarget = fmt.Errorf("ambiguous target")
	ErrUnknownDevice   = fmt.Errorf("unknown device")
	ErrUnreachable     = fmt.Errorf("device unreachable")
	ErrRejected        = fmt.Errorf("rejected by device")
	ErrRecorder        = fmt.Errorf("incident recorder failed")
	ErrNotifier        = fmt.Errorf("notifier failed")
)

// Supporting sentinels.
var (
	ErrDuplicate            = fmt.Errorf("duplicate")
	ErrInvalidInput         = fmt.Errorf("invalid input")
	ErrInvalidTransition    = fmt.Errorf("invalid state transition")
	ErrCancelled            = fmt.Errorf("request cancelled")
	ErrAlreadySent          = fmt.Errorf("report already sent")
	ErrInventoryUnavailable = fmt.Errorf("source of truth unavailable")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrAuditWrite           = fmt.Errorf("audit log write failed")
	ErrStore                = fmt.Errorf("report store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.Dispatch")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "inventory", "router"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transport failure that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsStructuralError reports whether err is an identity or routing failure that
// retrying cannot fix and that needs a human.
func IsStructuralError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAmbiguousTarget) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInventoryUnavailable)
}

// AsTimeout converts a context deadline into the given boundary sentinel so a
// timeout drives the same failure path as the collaborator's own failure.
// Other errors are returned unchanged.
func AsTimeout(op string, err, sentinel error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, sentinel) {
		return NewDomainError(op, sentinel, "timed out")
	}
	return err
}

// ErrorCode is a machine-parseable error category for reports and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeAmbiguousTarget      ErrorCode = "AMBIGUOUS_TARGET"
	CodeUnknownDevice        ErrorCode = "UNKNOWN_DEVICE"
	CodeUnreachable          ErrorCode = "UNREACHABLE"
	CodeRejected             ErrorCode = "REJECTED"
	CodeRecorder             ErrorCode = "RECORDER_ERROR"
	CodeNotifier             ErrorCode = "NOTIFIER_ERROR"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeAlreadySent          ErrorCode = "ALREADY_SENT"
	CodeInventoryUnavailable ErrorCode = "INVENTORY_UNAVAILABLE"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeAuditWrite           ErrorCode = "AUDIT_WRITE"
	CodeStore                ErrorCode = "STORE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeDeviceNotInInventory ErrorCode = "DEVICE_NOT_IN_INVENTORY"
	CodeAgentDuplicate       ErrorCode = "AGENT_DUPLICATE"
	CodeReportNotFound       ErrorCode = "REPORT_NOT_FOUND"
	CodeTicketNotFound       ErrorCode = "TICKET_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrAmbiguousTarget:      CodeAmbiguousTarget,
	ErrUnknownDevice:        CodeUnknownDevice,
	ErrUnreachable:          CodeUnreachable,
	ErrRejected:             CodeRejected,
	ErrRecorder:             CodeRecorder,
	ErrNotifier:             CodeNotifier,
	ErrDuplicate:            CodeDuplicate,
	ErrInvalidInput:         CodeInvalidInput,
	ErrInvalidTransition:    CodeInvalidTransition,
	ErrCancelled:            CodeCancelled,
	ErrAlreadySent:          CodeAlreadySent,
	ErrInventoryUnavailable: CodeInventoryUnavailable,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrAuditWrite:           CodeAuditWrite,
	ErrStore:                CodeStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"inventory": CodeDeviceNotInInventory,
		"store":     CodeReportNotFound,
		"ticketing": CodeTicketNotFound,
	},
	ErrDuplicate: {
		"router": CodeAgentDuplicate,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Walk the chain in taxonomy order so a wrapped timeout resolves to its boundary.
	for _, sentinel := range codeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeUnknown
}

// codeOrder fixes the errors.Is walk order; map iteration would make
// multi-wrapped errors resolve nondeterministically.
var codeOrder = []error{
	ErrNotFound, ErrAmbiguousTarget, ErrUnknownDevice, ErrRejected, ErrUnreachable,
	ErrInventoryUnavailable, ErrRecorder, ErrNotifier, ErrCancelled, ErrInvalidTransition,
	ErrInvalidInput, ErrDuplicate, ErrAlreadySent, ErrConfigLoad, ErrDecryption, ErrAuditWrite, ErrStore,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	var inner *DomainError
	if errors.As(e.Err, &inner) {
		return inner.Code()
	}
	return CodeUnknown
}
