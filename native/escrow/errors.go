package escrow

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable numeric taxonomy surfaced to ledger callers.
type ErrorCode uint32

const (
	CodeProjectNotFound  ErrorCode = 1
	CodeInvalidMilestone ErrorCode = 2
	CodeAlreadyFunded    ErrorCode = 3
	CodeNotFunded        ErrorCode = 4
	CodeNotReleasable    ErrorCode = 5
	CodeUnauthorized     ErrorCode = 6
)

// String returns the taxonomy name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeProjectNotFound:
		return "ProjectNotFound"
	case CodeInvalidMilestone:
		return "InvalidMilestone"
	case CodeAlreadyFunded:
		return "AlreadyFunded"
	case CodeNotFunded:
		return "NotFunded"
	case CodeNotReleasable:
		return "NotReleasable"
	case CodeUnauthorized:
		return "Unauthorized"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// Valid reports whether the code belongs to the published taxonomy.
func (c ErrorCode) Valid() bool {
	return c >= CodeProjectNotFound && c <= CodeUnauthorized
}

// Error is returned by every rejected ledger operation. Two errors match under
// errors.Is when their codes are equal, so callers compare against the
// exported sentinels regardless of the detail text.
type Error struct {
	Code   ErrorCode
	Op     Operation
	Detail string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "escrow: " + e.Code.String()
	if e.Op != "" {
		msg = "escrow: " + string(e.Op) + ": " + e.Code.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches on the error code only.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrProjectNotFound  = &Error{Code: CodeProjectNotFound}
	ErrInvalidMilestone = &Error{Code: CodeInvalidMilestone}
	ErrAlreadyFunded    = &Error{Code: CodeAlreadyFunded}
	ErrNotFunded        = &Error{Code: CodeNotFunded}
	ErrNotReleasable    = &Error{Code: CodeNotReleasable}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
)

func newError(code ErrorCode, op Operation, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ledger error code from err. Zero is returned for nil
// errors and for failures that did not originate from the taxonomy, such as
// storage faults.
func CodeOf(err error) ErrorCode {
	var ledgerErr *Error
	if errors.As(err, &ledgerErr) && ledgerErr != nil {
		return ledgerErr.Code
	}
	return 0
}

// ErrorFromCode rebuilds a ledger error received over the wire.
func ErrorFromCode(code ErrorCode, op Operation, detail string) error {
	if !code.Valid() {
		return fmt.Errorf("escrow: unknown error code %d: %s", uint32(code), detail)
	}
	return &Error{Code: code, Op: op, Detail: detail}
}

// UserMessage maps a ledger failure to an actionable, role-specific message
// suitable for display to the party that triggered it.
func UserMessage(op Operation, err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case CodeProjectNotFound:
		return "this project does not exist; check the project id"
	case CodeInvalidMilestone:
		if op == OpCreateProject {
			return "a project needs at least one milestone, every amount must be positive, and client and freelancer must be different accounts"
		}
		return "this project has no milestone at that position"
	case CodeAlreadyFunded:
		return "this milestone has already been funded"
	case CodeNotFunded:
		return "the client must fund this milestone before work can be submitted"
	case CodeNotReleasable:
		return "the freelancer must submit work for this milestone before funds can be released"
	case CodeUnauthorized:
		switch op {
		case OpCreateProject:
			return "only the client named on the project may create it"
		case OpFundMilestone:
			return "only the project's client may fund this milestone"
		case OpSubmitMilestone:
			return "only the project's freelancer may submit this milestone"
		case OpReleaseMilestone:
			return "only the project's client may release this milestone"
		default:
			return "you are not a party to this project"
		}
	default:
		return "the escrow ledger could not process the request; try again later"
	}
}
