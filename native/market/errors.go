package market

import (
	"errors"

	nativecommon "rlfmarket/native/common"
)

// Error kinds. Every failure returned by the engine matches exactly one of
// these through errors.Is.
var (
	ErrUnauthorized     = errors.New("market: unauthorized")
	ErrInvalidState     = errors.New("market: invalid state")
	ErrNotFound         = errors.New("market: not found")
	ErrValidationFailed = errors.New("market: validation failed")
	ErrResourceFailure  = errors.New("market: resource failure")
	ErrLocked           = errors.New("market: listing locked by settlement")
	ErrEscrowInProgress = errors.New("market: escrow in progress")
	// ErrInvariantViolation is fatal for the affected record: processing of it
	// halts until an operator intervenes.
	ErrInvariantViolation = errors.New("market: invariant violation")
)

// Error is a specific failure with a stable code. It unwraps to its kind.
type Error struct {
	Code string
	Kind error
	msg  string
}

func newError(code string, kind error, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

func (e *Error) Error() string { return "market: " + e.msg }

func (e *Error) Unwrap() error { return e.Kind }

var (
	ErrNotOwner              = newError("NotOwner", ErrUnauthorized, "seller does not own asset")
	ErrNotSeller             = newError("NotSeller", ErrUnauthorized, "caller is not the listing seller")
	ErrNotBuyer              = newError("NotBuyer", ErrUnauthorized, "caller is not the offer buyer")
	ErrAlreadyListed         = newError("AlreadyListed", ErrInvalidState, "asset already has an active listing")
	ErrListingNotActive      = newError("ListingNotActive", ErrInvalidState, "listing is not active")
	ErrOfferNotOpen          = newError("OfferNotOpen", ErrInvalidState, "offer is not open")
	ErrAlreadyInitialized    = newError("AlreadyInitialized", ErrInvalidState, "marketplace already initialised")
	ErrNotInitialized        = newError("NotInitialized", ErrInvalidState, "marketplace not initialised")
	ErrPaused                = newError("Paused", ErrInvalidState, "marketplace paused")
	ErrSelfOffer             = newError("SelfOffer", ErrValidationFailed, "seller cannot offer on own listing")
	ErrTokenMismatch         = newError("TokenMismatch", ErrValidationFailed, "payment token does not match listing")
	ErrBelowMinimum          = newError("BelowMinimum", ErrValidationFailed, "offer amount below listing minimum")
	ErrStalePrice            = newError("StalePrice", ErrValidationFailed, "offer amount below current listing minimum")
	ErrOwnershipChanged      = newError("OwnershipChanged", ErrResourceFailure, "asset ownership changed")
	ErrInsufficientBalance   = newError("InsufficientBalance", ErrResourceFailure, "insufficient balance")
	ErrInsufficientAuthority = newError("InsufficientAuthority", ErrResourceFailure, "insufficient authority to transfer")
)

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrInvariantViolation, "InvariantViolation"},
	{ErrEscrowInProgress, "EscrowInProgress"},
	{ErrLocked, "Locked"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidState, "InvalidState"},
	{ErrNotFound, "NotFound"},
	{ErrValidationFailed, "ValidationFailed"},
	{ErrResourceFailure, "ResourceFailure"},
	{nativecommon.ErrModulePaused, "Paused"},
}

// Code returns the stable failure code for err: the specific code when one is
// present in the chain, otherwise the code of its kind. Unknown errors map to
// "Internal"; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	for _, entry := range kindCodes {
		if errors.Is(err, entry.kind) {
			return entry.code
		}
	}
	return "Internal"
}

// Kind returns the error kind sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, entry := range kindCodes {
		if errors.Is(err, entry.kind) {
			return entry.kind
		}
	}
	return nil
}
