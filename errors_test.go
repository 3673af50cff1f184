package medvault

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		authorization bool
		conflict      bool
		crypto        bool
		notFound      bool
		validation    bool
		retryable     bool
	}{
		{name: "not owner", err: ErrNotOwner, authorization: true},
		{name: "responder", err: ErrResponderNotAuthorized, authorization: true},
		{name: "not pending", err: ErrNotPending, conflict: true},
		{name: "stale state", err: ErrStaleState, conflict: true},
		{name: "unwrap", err: ErrUnwrapFailed, crypto: true},
		{name: "corrupted blob", err: ErrBlobCorrupted, crypto: true},
		{name: "not found", err: ErrNotFound, notFound: true},
		{name: "data type", err: ErrInvalidDataType, validation: true},
		{name: "kms", err: ErrKMSUnavailable, retryable: true},
		{name: "blob store", err: ErrBlobUnavailable, retryable: true},
		{name: "ledger", err: ErrStoreUnavailable, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("upload: %w", tt.err)
			assert.Equal(t, tt.authorization, IsAuthorizationError(wrapped))
			assert.Equal(t, tt.conflict, IsStateConflictError(wrapped))
			assert.Equal(t, tt.crypto, IsCryptoError(wrapped))
			assert.Equal(t, tt.notFound, IsNotFoundError(wrapped))
			assert.Equal(t, tt.validation, IsValidationError(wrapped))
			assert.Equal(t, tt.retryable, IsRetryableError(wrapped))
		})
	}
}
