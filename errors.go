package medvault

import "github.com/hengadev/medvault/internal/vaulterr"

var (
	// Authorization errors
	ErrNotOwner               = vaulterr.ErrNotOwner
	ErrRequesterNotVerified   = vaulterr.ErrRequesterNotVerified
	ErrOwnerNotVerified       = vaulterr.ErrOwnerNotVerified
	ErrUploaderNotVerified    = vaulterr.ErrUploaderNotVerified
	ErrResponderNotAuthorized = vaulterr.ErrResponderNotAuthorized
	ErrNotAuthority           = vaulterr.ErrNotAuthority
	ErrNotPatient             = vaulterr.ErrNotPatient

	// State conflicts
	ErrNotPending              = vaulterr.ErrNotPending
	ErrAlreadyRegistered       = vaulterr.ErrAlreadyRegistered
	ErrRequestExpired          = vaulterr.ErrRequestExpired
	ErrRequestNotExpired       = vaulterr.ErrRequestNotExpired
	ErrAlreadyVerified         = vaulterr.ErrAlreadyVerified
	ErrRecordExists            = vaulterr.ErrRecordExists
	ErrInsufficientFunds       = vaulterr.ErrInsufficientFunds
	ErrRequestKindMismatch     = vaulterr.ErrRequestKindMismatch
	ErrInvalidStatusTransition = vaulterr.ErrInvalidStatusTransition
	ErrRecordOwnerMismatch     = vaulterr.ErrRecordOwnerMismatch
	ErrAccessExpired           = vaulterr.ErrAccessExpired
	ErrStaleState              = vaulterr.ErrStaleState

	// Crypto errors
	ErrEncryptionFailed = vaulterr.ErrEncryptionFailed
	ErrDecryptionFailed = vaulterr.ErrDecryptionFailed
	ErrWrapFailed       = vaulterr.ErrWrapFailed
	ErrUnwrapFailed     = vaulterr.ErrUnwrapFailed
	ErrAuditChainBroken = vaulterr.ErrAuditChainBroken
	ErrBlobCorrupted    = vaulterr.ErrBlobCorrupted

	// Lookup errors
	ErrNotFound    = vaulterr.ErrNotFound
	ErrNoKeyOnFile = vaulterr.ErrNoKeyOnFile

	// Validation errors
	ErrInvalidAddress        = vaulterr.ErrInvalidAddress
	ErrInvalidPatientAddress = vaulterr.ErrInvalidPatientAddress
	ErrInvalidRole           = vaulterr.ErrInvalidRole
	ErrInvalidPublicKey      = vaulterr.ErrInvalidPublicKey
	ErrInvalidDataType       = vaulterr.ErrInvalidDataType
	ErrInvalidKind           = vaulterr.ErrInvalidKind
	ErrInvalidContentRef     = vaulterr.ErrInvalidContentRef
	ErrInvalidAmount         = vaulterr.ErrInvalidAmount

	// Transient collaborator failures
	ErrKMSUnavailable   = vaulterr.ErrKMSUnavailable
	ErrStoreUnavailable = vaulterr.ErrStoreUnavailable
	ErrBlobUnavailable  = vaulterr.ErrBlobUnavailable
)

func IsAuthorizationError(err error) bool { return vaulterr.IsAuthorizationError(err) }

func IsStateConflictError(err error) bool { return vaulterr.IsStateConflictError(err) }

func IsCryptoError(err error) bool { return vaulterr.IsCryptoError(err) }

func IsNotFoundError(err error) bool { return vaulterr.IsNotFoundError(err) }

func IsValidationError(err error) bool { return vaulterr.IsValidationError(err) }

// IsRetryableError reports transient KMS, store or blob failures.
func IsRetryableError(err error) bool { return vaulterr.IsRetryableError(err) }
