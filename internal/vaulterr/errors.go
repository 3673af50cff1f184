package vaulterr

import (
	"errors"
	"fmt"
)

var (
	// Authorization errors
	ErrNotOwner               = errors.New("caller is not the owner")
	ErrRequesterNotVerified   = errors.New("requester is not verified")
	ErrOwnerNotVerified       = errors.New("owner is not verified")
	ErrUploaderNotVerified    = errors.New("uploader is not verified")
	ErrResponderNotAuthorized = errors.New("responder is not authorized for emergency access")
	ErrNotAuthority           = errors.New("caller is not a registry authority")
	ErrNotPatient             = errors.New("owner is not a patient")

	// State conflict errors
	ErrNotPending              = errors.New("request is not pending")
	ErrAlreadyRegistered       = errors.New("address already registered")
	ErrRequestExpired          = errors.New("request expired")
	ErrRequestNotExpired       = errors.New("request has not expired")
	ErrAlreadyVerified         = errors.New("user already verified")
	ErrRecordExists            = errors.New("record already exists")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrRequestKindMismatch     = errors.New("request kind mismatch")
	ErrInvalidStatusTransition = errors.New("invalid record status transition")
	ErrRecordOwnerMismatch     = errors.New("record belongs to another owner")
	ErrAccessExpired           = errors.New("access expired")
	ErrStaleState              = errors.New("state changed during transition")

	// Crypto errors
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrWrapFailed       = errors.New("key wrap failed")
	ErrUnwrapFailed     = errors.New("key unwrap failed")
	ErrAuditChainBroken = errors.New("audit chain verification failed")
	ErrBlobCorrupted    = errors.New("blob content does not match its reference")

	// Not found errors
	ErrNotFound    = errors.New("not found")
	ErrNoKeyOnFile = errors.New("no public key on file")

	// Validation errors
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidPatientAddress = errors.New("invalid patient address")
	ErrInvalidRole           = errors.New("invalid role")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidDataType       = errors.New("invalid data type")
	ErrInvalidKind           = errors.New("invalid request kind")
	ErrInvalidContentRef     = errors.New("invalid content reference")
	ErrInvalidAmount         = errors.New("invalid amount")

	// Infrastructure errors
	ErrKMSUnavailable   = errors.New("KMS service unavailable")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBlobUnavailable  = errors.New("blob store unavailable")
)

func NewNotFoundError(what, key string, op Op) error {
	return fmt.Errorf("%w: %s '%s' during %s", ErrNotFound, what, key, op)
}

func NewNotOwnerError(caller, owner string, op Op) error {
	return fmt.Errorf("%w: %s cannot %s on behalf of %s", ErrNotOwner, caller, op, owner)
}

func NewNotPendingError(requestID, status string, op Op) error {
	return fmt.Errorf("%w: request '%s' is %s, cannot %s", ErrNotPending, requestID, status, op)
}

func NewRequestExpiredError(requestID string, op Op) error {
	return fmt.Errorf("%w: request '%s' cannot %s after its deadline", ErrRequestExpired, requestID, op)
}

func NewUnverifiedError(sentinel error, addr string, op Op) error {
	return fmt.Errorf("%w: '%s' for %s", sentinel, addr, op)
}

func NewCryptoError(sentinel error, op Op, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", sentinel, op, cause)
	}
	return fmt.Errorf("%w: %s", sentinel, op)
}

// IsAuthorizationError reports failures the caller fixes by correcting identity or role.
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrRequesterNotVerified) ||
		errors.Is(err, ErrOwnerNotVerified) ||
		errors.Is(err, ErrUploaderNotVerified) ||
		errors.Is(err, ErrResponderNotAuthorized) ||
		errors.Is(err, ErrNotAuthority) ||
		errors.Is(err, ErrNotPatient)
}

// IsStateConflictError reports failures the caller must re-read state before retrying.
func IsStateConflictError(err error) bool {
	return errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrRequestNotExpired) ||
		errors.Is(err, ErrAlreadyVerified) ||
		errors.Is(err, ErrRecordExists) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrRequestKindMismatch) ||
		errors.Is(err, ErrInvalidStatusTransition) ||
		errors.Is(err, ErrRecordOwnerMismatch) ||
		errors.Is(err, ErrAccessExpired) ||
		errors.Is(err, ErrStaleState)
}

// IsCryptoError reports terminal cryptographic failures.
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrEncryptionFailed) ||
		errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrWrapFailed) ||
		errors.Is(err, ErrUnwrapFailed) ||
		errors.Is(err, ErrAuditChainBroken) ||
		errors.Is(err, ErrBlobCorrupted)
}

// IsNotFoundError reports a missing prerequisite.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNoKeyOnFile)
}

// IsValidationError reports malformed input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidPatientAddress) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrInvalidPublicKey) ||
		errors.Is(err, ErrInvalidDataType) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInvalidContentRef) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsRetryableError returns true if the error represents a transient failure that might succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrKMSUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrBlobUnavailable)
}
