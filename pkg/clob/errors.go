package clob

import "fmt"

// RejectCode classifies why a command was refused.
type RejectCode string

const (
	RejectInvalidPrice        RejectCode = "INVALID_PRICE"
	RejectInvalidQuantity     RejectCode = "INVALID_QUANTITY"
	RejectUnknownMarket       RejectCode = "UNKNOWN_MARKET"
	RejectUnknownOrder        RejectCode = "UNKNOWN_ORDER"
	RejectUnknownUser         RejectCode = "UNKNOWN_USER"
	RejectMarketNotOpen       RejectCode = "MARKET_NOT_OPEN"
	RejectNotCancellable      RejectCode = "NOT_CANCELLABLE"
	RejectNotOwner            RejectCode = "NOT_OWNER"
	RejectInsufficientBalance RejectCode = "INSUFFICIENT_BALANCE"
	RejectInsufficientShares  RejectCode = "INSUFFICIENT_SHARES"
	RejectNotAdmin            RejectCode = "NOT_ADMIN"
	RejectRateLimited         RejectCode = "RATE_LIMITED"
	RejectLedgerConflict      RejectCode = "LEDGER_CONFLICT"
)

// Retriable reports whether the caller may retry the same command
// unchanged and expect a different result.
func (c RejectCode) Retriable() bool {
	switch c {
	case RejectLedgerConflict, RejectRateLimited:
		return true
	}
	return false
}

// Reject is the error returned to callers for client-fault refusals.
type Reject struct {
	Code   RejectCode
	Detail string
}

func (r *Reject) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Rejectf builds a Reject with a formatted detail message.
func Rejectf(code RejectCode, format string, args ...any) *Reject {
	return &Reject{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a Reject, or nil if it is not one.
func AsReject(err error) *Reject {
	r, _ := err.(*Reject)
	return r
}
