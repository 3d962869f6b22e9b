package async

import (
	"fmt"
	"strings"

	"github.com/ohcifw/async-engine/internal/txn"
)

// Error represents a structured async-engine error with context.
type Error struct {
	Op      string      // Operation that failed (e.g., "Read", "Write", "SubmitRequest")
	Label   uint8       // Transaction label (0xFF if not applicable)
	Context string      // Additional context, e.g. a node ID or offset
	Code    TxErrorCode // High-level error category
	Inner   error       // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Label != InvalidLabel {
		parts = append(parts, fmt.Sprintf("label=%d", e.Label))
	}
	if e.Context != "" {
		parts = append(parts, e.Context)
	}

	msg := string(e.Code)
	if len(parts) > 0 {
		return fmt.Sprintf("async: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("async: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for comparing by error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// TxErrorCode is the public error taxonomy surfaced by this module,
// translated at the boundary from the internal transaction manager's
// txn.StatusCode (kept separate to avoid a dependency from internal/txn
// back onto this package).
type TxErrorCode string

const (
	ErrCodeBusy          TxErrorCode = "responder busy"
	ErrCodeInvalid       TxErrorCode = "invalid argument"
	ErrCodeNotReady      TxErrorCode = "engine not ready"
	ErrCodeTimeout       TxErrorCode = "transaction timed out"
	ErrCodeHardwareError TxErrorCode = "hardware reported an error"
	ErrCodeCancelled     TxErrorCode = "transaction cancelled"
	ErrCodeResource      TxErrorCode = "resource exhausted"
)

// InvalidLabel is used in Error.Label when no label applies.
const InvalidLabel uint8 = 0xFF

// NewError builds an Error for a failure that never reached a label
// allocation (e.g. argument validation).
func NewError(op string, code TxErrorCode, context string, inner error) *Error {
	return &Error{Op: op, Label: InvalidLabel, Context: context, Code: code, Inner: inner}
}

// NewTxError builds an Error scoped to a specific transaction label.
func NewTxError(op string, label uint8, code TxErrorCode, context string, inner error) *Error {
	return &Error{Op: op, Label: label, Context: context, Code: code, Inner: inner}
}

// WrapError wraps inner with op and a best-effort code translation if inner
// already carries one.
func WrapError(op string, inner error) *Error {
	if ae, ok := inner.(*Error); ok {
		return &Error{Op: op, Label: ae.Label, Context: ae.Context, Code: ae.Code, Inner: inner}
	}
	return &Error{Op: op, Label: InvalidLabel, Code: ErrCodeInvalid, Inner: inner}
}

// IsCode reports whether err's code equals code.
func IsCode(err error, code TxErrorCode) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}

// txStatusToCode translates the internal transaction manager's result
// taxonomy to the public TxErrorCode surfaced from Error.
func txStatusToCode(code txn.StatusCode) TxErrorCode {
	switch code {
	case txn.StatusSuccess:
		return ""
	case txn.StatusBusy:
		return ErrCodeBusy
	case txn.StatusInvalid:
		return ErrCodeInvalid
	case txn.StatusNotReady:
		return ErrCodeNotReady
	case txn.StatusTimeout:
		return ErrCodeTimeout
	case txn.StatusHardwareError:
		return ErrCodeHardwareError
	case txn.StatusCancelled:
		return ErrCodeCancelled
	case txn.StatusResource:
		return ErrCodeResource
	default:
		return ErrCodeInvalid
	}
}
