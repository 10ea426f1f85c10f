package bounty

import "errors"

// Code classifies ledger failures into the stable categories callers use to
// pick messages and retry policy. The string values are part of the RPC
// contract and must not change.
type Code string

const (
	CodeValidation    Code = "validation"
	CodeAuthorization Code = "authorization"
	CodeConflict      Code = "conflict"
	CodeResource      Code = "resource"
	CodeNotFound      Code = "not_found"
)

// Error is a ledger failure carrying its taxonomy code. Every sentinel below
// wraps one; callers match with errors.Is and classify with CodeOf.
type Error struct {
	code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

// ErrCode returns the taxonomy code for the error.
func (e *Error) ErrCode() Code { return e.code }

func newError(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

var (
	ErrNotFound           = newError(CodeNotFound, "bounty: not found")
	ErrBountyExists       = newError(CodeConflict, "bounty: identifier already exists")
	ErrInvalidSchedule    = newError(CodeValidation, "bounty: invalid prize schedule")
	ErrInvalidAmount      = newError(CodeValidation, "bounty: amount must be positive")
	ErrInvalidProofRef    = newError(CodeValidation, "bounty: proof reference required")
	ErrInvalidDeadline    = newError(CodeValidation, "bounty: deadline must not be negative")
	ErrInsufficientFunds  = newError(CodeResource, "bounty: insufficient creator balance")
	ErrBountyNotOpen      = newError(CodeAuthorization, "bounty: not open")
	ErrCreatorSubmission  = newError(CodeAuthorization, "bounty: creator may not submit")
	ErrSelfVote           = newError(CodeAuthorization, "bounty: self vote forbidden")
	ErrCreatorVote        = newError(CodeAuthorization, "bounty: creator vote forbidden")
	ErrNoSuchSubmitter    = newError(CodeAuthorization, "bounty: target never submitted")
	ErrInvalidCap         = newError(CodeAuthorization, "bounty: invalid creator capability")
	ErrInvalidPosition    = newError(CodeValidation, "bounty: prize position out of range")
	ErrPositionAwarded    = newError(CodeConflict, "bounty: position already awarded")
	ErrInsufficientEscrow = newError(CodeResource, "bounty: insufficient escrow")
)

// CodeOf extracts the taxonomy code from an error chain. Unclassified errors
// report an empty code.
func CodeOf(err error) Code {
	var ledgerErr *Error
	if errors.As(err, &ledgerErr) {
		return ledgerErr.ErrCode()
	}
	return ""
}
