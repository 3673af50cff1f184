package protocol

import (
	"context"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// RequestBatchAccess opens a request covering every record owner holds at approval time.
func (e *Engine) RequestBatchAccess(ctx context.Context, requester, owner types.Address, kind types.RequestKind, incentive uint64) (types.PermissionRequest, error) {
	return e.openRequest(ctx, vaulterr.OpRequestBatch, requester, owner, "", kind, incentive)
}

// ApproveBatchAccess re-wraps the key of each record the owner holds now for the requester.
// The grant is a snapshot: records uploaded afterwards need a new request.
func (e *Engine) ApproveBatchAccess(ctx context.Context, caller types.Address, requestID string, rw Rewrapper) ([]types.GrantedAccess, error) {
	return e.approve(ctx, vaulterr.OpApproveBatch, caller, requestID, rw, true)
}
