// Package coreerrors defines the closed failure taxonomy shared by every
// ledger/batch/settlement operation. Handlers in internal/api map these to
// HTTP status codes; nothing downstream of a CoreError needs string matching.
package coreerrors

import "errors"

// Kind is one of the named failure categories from the error-handling design.
type Kind string

const (
	InvalidAmount            Kind = "InvalidAmount"
	InvalidAssetID           Kind = "InvalidAssetId"
	InvalidPairID            Kind = "InvalidPairId"
	PendingOrderExists       Kind = "PendingOrderExists"
	NoPendingOrder           Kind = "NoPendingOrder"
	BatchNotFinalized        Kind = "BatchNotFinalized"
	BatchIDMismatch          Kind = "BatchIdMismatch"
	InsufficientBalance      Kind = "InsufficientBalance"
	MinOutputNotMet          Kind = "MinOutputNotMet"
	AbortedComputation       Kind = "AbortedComputation"
	StaleAccumulator         Kind = "StaleAccumulator"
	SettlementPending        Kind = "SettlementPending"
	FaucetLimitExceeded      Kind = "FaucetLimitExceeded"
	RecipientAccountNotFound Kind = "RecipientAccountNotFound"
	ProfileNotFound          Kind = "ProfileNotFound"
	ProfileExists            Kind = "ProfileExists"
	AccumulatorInitializing  Kind = "AccumulatorInitializing"
	BatchRevealing           Kind = "BatchRevealing"
	ArithmeticOverflow       Kind = "ArithmeticOverflow"
)

// CoreError wraps a Kind with the underlying cause, if any.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New constructs a CoreError carrying no underlying cause.
func New(kind Kind) *CoreError {
	return &CoreError{Kind: kind}
}

// Wrap constructs a CoreError carrying an underlying cause.
func Wrap(kind Kind, err error) *CoreError {
	return &CoreError{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *CoreError.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
