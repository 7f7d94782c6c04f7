package services

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrSignatureInvalid: the signed payload did not verify against the platform key.
	ErrSignatureInvalid = errors.New("purchase signature invalid")
	// ErrMalformedPurchase: the signature verified but the payload lacks required fields.
	ErrMalformedPurchase = errors.New("purchase payload malformed")
	// ErrRemoteUnavailable: the billing platform could not be reached; the caller may retry.
	ErrRemoteUnavailable = errors.New("remote verification unavailable")
	// ErrMalformedNotification: a push envelope that cannot be decoded.
	ErrMalformedNotification = errors.New("notification malformed")
	// ErrDuplicateTrial: the user already used their one trial.
	ErrDuplicateTrial = errors.New("trial already used")
	// ErrInvalidTransition: the requested change is not an edge of the plan state machine.
	ErrInvalidTransition = errors.New("invalid plan transition")
	// ErrPurchaseOwnership: the purchase token is bound to another user.
	ErrPurchaseOwnership = errors.New("purchase belongs to another user")
	// ErrStorageUnavailable: the persistence layer failed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Error codes returned to API clients
const (
	CodeSignatureInvalid      = "SIGNATURE_INVALID"
	CodeMalformedPurchase     = "MALFORMED_PURCHASE"
	CodeRemoteUnavailable     = "REMOTE_VERIFICATION_UNAVAILABLE"
	CodeMalformedNotification = "MALFORMED_NOTIFICATION"
	CodeDuplicateTrial        = "DUPLICATE_TRIAL"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodePurchaseOwnership     = "PURCHASE_OWNED_BY_OTHER_USER"
	CodeStorageUnavailable    = "STORAGE_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSignatureInvalid, CodeSignatureInvalid},
	{ErrMalformedPurchase, CodeMalformedPurchase},
	{ErrRemoteUnavailable, CodeRemoteUnavailable},
	{ErrMalformedNotification, CodeMalformedNotification},
	{ErrDuplicateTrial, CodeDuplicateTrial},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrPurchaseOwnership, CodePurchaseOwnership},
	{ErrStorageUnavailable, CodeStorageUnavailable},
}

// ErrorCode maps an error from this package to its client-facing code
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// IsRetryable reports whether the client should retry the same request later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrStorageUnavailable)
}

// storageError tags persistence failures so callers can tell them apart from
// domain rejections. Record-not-found passes through untouched.
func storageError(err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return errors.Join(ErrStorageUnavailable, err)
}
