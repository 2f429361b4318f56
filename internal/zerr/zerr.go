// Package zerr defines the engine's structured error codes, following an
// errors.Is-testable sentinel pattern, plus helpers to wrap causes with
// github.com/pkg/errors (cross-package context). internal/txn uses
// github.com/juju/errors directly for its commit/abort annotation.
package zerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is one of the error kinds the core produces.
type Code int

const (
	CodeNone Code = iota
	CodeLatchQFail
	CodeParentLatchQFail
	CodeDirectFixSwizzledPtr
	CodeOutOfLogSpace
	CodeWrongPageLSNChain
	CodeDeadlock
	CodeInternal
	CodeConditionalFail
	CodeWouldBlock
	CodeRecoveryFailed
	CodeCorrupted
)

func (c Code) String() string {
	switch c {
	case CodeLatchQFail:
		return "eLATCHQFAIL"
	case CodeParentLatchQFail:
		return "ePARENTLATCHQFAIL"
	case CodeDirectFixSwizzledPtr:
		return "eBF_DIRECTFIX_SWIZZLED_PTR"
	case CodeOutOfLogSpace:
		return "eOUTOFLOGSPACE"
	case CodeWrongPageLSNChain:
		return "eWRONG_PAGE_LSNCHAIN"
	case CodeDeadlock:
		return "eDEADLOCK"
	case CodeInternal:
		return "eINTERNAL"
	case CodeConditionalFail:
		return "eWOULDBLOCK"
	case CodeWouldBlock:
		return "eWOULDBLOCK"
	case CodeRecoveryFailed:
		return "eRECOVERY_FAILED"
	case CodeCorrupted:
		return "eCORRUPTED"
	default:
		return "eNONE"
	}
}

// Error is a structured engine error carrying a Code so callers can branch
// on errors.As without string matching.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error for op with the given code, optionally wrapping cause.
func New(op string, code Code, cause error) error {
	return &Error{Op: op, Code: code, Err: cause}
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinel values for recoverable/expected outcomes: optimistic-fail and
// conditional-fail never surface as logged errors higher up; code checks
// them with errors.Is.
var (
	ErrLatchQFail           = New("latch", CodeLatchQFail, nil)
	ErrParentLatchQFail     = New("fix", CodeParentLatchQFail, nil)
	ErrDirectFixSwizzledPtr = New("fix_direct", CodeDirectFixSwizzledPtr, nil)
	ErrOutOfLogSpace        = New("reserve", CodeOutOfLogSpace, nil)
	ErrWrongPageLSNChain    = New("check_read_page", CodeWrongPageLSNChain, nil)
	ErrDeadlock             = New("lock", CodeDeadlock, nil)
	ErrInternal             = New("internal", CodeInternal, nil)
	ErrWouldBlock           = New("acquire", CodeWouldBlock, nil)
)

// Wrap adds op context to err using github.com/pkg/errors, for
// cross-package propagation.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, "op=%s", op)
}

// Cause unwraps a pkg/errors-wrapped chain back to its root cause.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}
