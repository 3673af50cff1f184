package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func errMissingPrewrap(recordID string) error {
	return fmt.Errorf("%w: no pre-wrapped key supplied for record '%s'", vaulterr.ErrWrapFailed, recordID)
}

// Request opens a Pending permission request for one of owner's records. A non-zero
// incentive is moved from the requester's balance into escrow on the request.
func (e *Engine) Request(ctx context.Context, requester, owner types.Address, recordRef string, kind types.RequestKind, incentive uint64) (types.PermissionRequest, error) {
	if recordRef == "" {
		return types.PermissionRequest{}, fmt.Errorf("%w: single-record requests need a record reference", vaulterr.ErrInvalidContentRef)
	}
	return e.openRequest(ctx, vaulterr.OpRequest, requester, owner, recordRef, kind, incentive)
}

func (e *Engine) openRequest(ctx context.Context, op vaulterr.Op, requester, owner types.Address, recordRef string, kind types.RequestKind, incentive uint64) (types.PermissionRequest, error) {
	if !kind.Valid() {
		return types.PermissionRequest{}, fmt.Errorf("%w: %d", vaulterr.ErrInvalidKind, kind)
	}

	var req types.PermissionRequest
	attrs := []any{"requester", requester, "owner", owner, "record", recordRef, "kind", kind, "incentive", incentive}
	err := e.update(ctx, op, attrs, func(tx store.Tx, now time.Time) error {
		if _, err := verifiedParty(tx, requester, vaulterr.ErrRequesterNotVerified, op); err != nil {
			return err
		}
		ownerUser, err := verifiedParty(tx, owner, vaulterr.ErrOwnerNotVerified, op)
		if err != nil {
			return err
		}
		if ownerUser.Role != types.RolePatient {
			return fmt.Errorf("%w: '%s' is a %s", vaulterr.ErrNotPatient, owner, ownerUser.Role)
		}
		if recordRef != "" {
			rec, err := tx.GetRecord(recordRef)
			if err != nil {
				return err
			}
			if rec.Owner != owner {
				return fmt.Errorf("%w: record '%s' is not owned by '%s'", vaulterr.ErrRecordOwnerMismatch, recordRef, owner)
			}
		}
		if incentive > 0 {
			if _, err := debit(tx, requester, incentive); err != nil {
				return err
			}
		}

		id, err := e.newID()
		if err != nil {
			return err
		}
		req = types.PermissionRequest{
			ID:              id,
			Requester:       requester,
			Owner:           owner,
			RecordRef:       recordRef,
			Kind:            kind,
			IncentiveBased:  incentive > 0,
			IncentiveAmount: incentive,
			Status:          types.RequestPending,
			RequestedAt:     now.UTC(),
			ExpiresAt:       now.UTC().Add(e.requestWindow),
		}
		if err := tx.PutRequest(req); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{
			action:  AuditRequest,
			actor:   requester,
			subject: owner,
			ref:     id,
			details: kind.String(),
		})
	})
	return req, err
}

// approvalPlan is what the owner-side checks resolved before any key is re-wrapped.
type approvalPlan struct {
	req          types.PermissionRequest
	records      []types.Record
	recipientKey []byte
}

// checkApprovable applies the approval guards in a fixed order: an expired request fails
// with ErrRequestExpired whoever calls, then ownership, status, kind and the requester.
func checkApprovable(tx store.Tx, now time.Time, caller types.Address, id string, batch bool, op vaulterr.Op) (types.PermissionRequest, error) {
	req, err := tx.GetRequest(id)
	if err != nil {
		return req, err
	}
	if req.EffectiveStatus(now) == types.RequestExpired {
		return req, vaulterr.NewRequestExpiredError(id, op)
	}
	if caller != req.Owner {
		return req, vaulterr.NewNotOwnerError(string(caller), string(req.Owner), op)
	}
	if req.Status != types.RequestPending {
		return req, vaulterr.NewNotPendingError(id, req.Status.String(), op)
	}
	if req.IsBatch() != batch {
		want := "single-record"
		if batch {
			want = "batch"
		}
		return req, fmt.Errorf("%w: request '%s' is not a %s request", vaulterr.ErrRequestKindMismatch, id, want)
	}
	if _, err := verifiedParty(tx, req.Requester, vaulterr.ErrRequesterNotVerified, op); err != nil {
		return req, err
	}
	return req, nil
}

func (e *Engine) planApproval(tx store.Tx, now time.Time, caller types.Address, id string, batch bool, op vaulterr.Op) (approvalPlan, error) {
	req, err := checkApprovable(tx, now, caller, id, batch, op)
	if err != nil {
		return approvalPlan{}, err
	}
	key, err := publicKeyOf(tx, req.Requester)
	if err != nil {
		return approvalPlan{}, err
	}
	plan := approvalPlan{req: req, recipientKey: key}
	if batch {
		plan.records, err = e.recordsOf(tx, req.Owner)
		if err != nil {
			return approvalPlan{}, err
		}
	} else {
		rec, err := tx.GetRecord(req.RecordRef)
		if err != nil {
			return approvalPlan{}, err
		}
		plan.records = []types.Record{rec}
	}
	return plan, nil
}

// approve runs the three phases shared by single and batch approval: read and check,
// re-wrap outside any transaction, then re-check and commit.
func (e *Engine) approve(ctx context.Context, op vaulterr.Op, caller types.Address, id string, rw Rewrapper, batch bool) ([]types.GrantedAccess, error) {
	if rw == nil {
		return nil, fmt.Errorf("%w: no rewrapper supplied", vaulterr.ErrWrapFailed)
	}
	var grants []types.GrantedAccess
	err := e.observe(ctx, op, []any{"caller", caller, "request", id}, func() error {
		var plan approvalPlan
		if err := e.view(ctx, func(tx store.Tx, now time.Time) (err error) {
			plan, err = e.planApproval(tx, now, caller, id, batch, op)
			return err
		}); err != nil {
			return err
		}

		wrapped := make(map[string][]byte, len(plan.records))
		for _, rec := range plan.records {
			w, err := rw.Rewrap(ctx, rec, plan.recipientKey)
			if err != nil {
				return err
			}
			wrapped[rec.ID] = w
		}

		return e.commit(ctx, func(tx store.Tx, now time.Time) error {
			req, err := checkApprovable(tx, now, caller, id, batch, op)
			if err != nil {
				return err
			}
			key, err := publicKeyOf(tx, req.Requester)
			if err != nil {
				return err
			}
			if !bytes.Equal(key, plan.recipientKey) {
				return fmt.Errorf("%w: requester '%s' changed keys during approval", vaulterr.ErrStaleState, req.Requester)
			}

			grants = grants[:0]
			for _, rec := range plan.records {
				source := types.SourceRequest
				if batch {
					source = types.SourceBatch
				}
				g := types.GrantedAccess{
					Owner:             req.Owner,
					Grantee:           req.Requester,
					RecordRef:         rec.ID,
					DataType:          rec.DataType,
					GranteeWrappedKey: wrapped[rec.ID],
					GrantedAt:         now.UTC(),
					ExpiresAt:         now.UTC().Add(e.grantDuration),
					RequestID:         req.ID,
					Source:            source,
				}
				if err := tx.PutGrant(g); err != nil {
					return err
				}
				grants = append(grants, g)
			}

			if req.IncentiveAmount > 0 {
				if _, err := credit(tx, req.Owner, req.IncentiveAmount); err != nil {
					return err
				}
			}
			req.Status = types.RequestApproved
			req.ResolvedAt = now.UTC()
			if err := tx.PutRequest(req); err != nil {
				return err
			}
			action := AuditApprove
			if batch {
				action = AuditBatchApprove
			}
			return e.appendAudit(tx, now, auditEvent{
				action:  action,
				actor:   caller,
				subject: req.Requester,
				ref:     req.ID,
				details: fmt.Sprintf("records=%d", len(grants)),
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

// Approve grants the requester access to the requested record. rw must act with the
// owner's authority: it re-wraps the record key for the requester's public key.
func (e *Engine) Approve(ctx context.Context, caller types.Address, requestID string, rw Rewrapper) (types.GrantedAccess, error) {
	grants, err := e.approve(ctx, vaulterr.OpApprove, caller, requestID, rw, false)
	if err != nil {
		return types.GrantedAccess{}, err
	}
	return grants[0], nil
}

// Reject closes a pending request and refunds any escrowed incentive.
func (e *Engine) Reject(ctx context.Context, caller types.Address, requestID string) error {
	return e.update(ctx, vaulterr.OpReject, []any{"caller", caller, "request", requestID}, func(tx store.Tx, now time.Time) error {
		req, err := tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		if caller != req.Owner {
			return vaulterr.NewNotOwnerError(string(caller), string(req.Owner), vaulterr.OpReject)
		}
		if status := req.EffectiveStatus(now); status != types.RequestPending {
			return vaulterr.NewNotPendingError(requestID, status.String(), vaulterr.OpReject)
		}
		return e.close(tx, now, req, types.RequestRejected, AuditReject, caller)
	})
}

// Expire records the expiry of a pending request past its deadline and refunds any escrowed
// incentive. Anyone may call it.
func (e *Engine) Expire(ctx context.Context, caller types.Address, requestID string) error {
	return e.update(ctx, vaulterr.OpExpire, []any{"caller", caller, "request", requestID}, func(tx store.Tx, now time.Time) error {
		req, err := tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status != types.RequestPending {
			return vaulterr.NewNotPendingError(requestID, req.Status.String(), vaulterr.OpExpire)
		}
		if !req.Expired(now) {
			return fmt.Errorf("%w: request '%s' is open until %s", vaulterr.ErrRequestNotExpired, requestID, req.ExpiresAt.Format(time.RFC3339))
		}
		return e.close(tx, now, req, types.RequestExpired, AuditExpire, caller)
	})
}

func (e *Engine) close(tx store.Tx, now time.Time, req types.PermissionRequest, status types.RequestStatus, action string, caller types.Address) error {
	if req.IncentiveAmount > 0 {
		if _, err := credit(tx, req.Requester, req.IncentiveAmount); err != nil {
			return err
		}
	}
	req.Status = status
	req.ResolvedAt = now.UTC()
	if err := tx.PutRequest(req); err != nil {
		return err
	}
	return e.appendAudit(tx, now, auditEvent{action: action, actor: caller, subject: req.Requester, ref: req.ID})
}

// GetPermissionRequest returns the request as every reader must see it: a pending request
// past its deadline is reported Expired.
func (e *Engine) GetPermissionRequest(ctx context.Context, id string) (types.PermissionRequest, error) {
	var req types.PermissionRequest
	err := e.view(ctx, func(tx store.Tx, now time.Time) (err error) {
		req, err = tx.GetRequest(id)
		if err != nil {
			return err
		}
		req.Status = req.EffectiveStatus(now)
		return nil
	})
	return req, err
}

// PendingRequests lists the owner's requests that can still be approved or rejected.
func (e *Engine) PendingRequests(ctx context.Context, owner types.Address) ([]types.PermissionRequest, error) {
	var out []types.PermissionRequest
	err := e.view(ctx, func(tx store.Tx, now time.Time) error {
		for req, err := range tx.RequestsByOwner(owner) {
			if err != nil {
				return err
			}
			if req.EffectiveStatus(now) == types.RequestPending {
				out = append(out, req)
			}
		}
		return nil
	})
	return out, err
}

// ExpiredRequests lists the owner's requests that read as Expired but still hold escrow,
// i.e. the ones an Expire call would refund.
func (e *Engine) ExpiredRequests(ctx context.Context, owner types.Address) ([]types.PermissionRequest, error) {
	var out []types.PermissionRequest
	err := e.view(ctx, func(tx store.Tx, now time.Time) error {
		for req, err := range tx.RequestsByOwner(owner) {
			if err != nil {
				return err
			}
			if req.Status == types.RequestPending && req.Expired(now) {
				out = append(out, req)
			}
		}
		return nil
	})
	return out, err
}

// CheckAccess reports whether grantee holds an unexpired grant on recordRef.
func (e *Engine) CheckAccess(ctx context.Context, grantee types.Address, recordRef string) (bool, error) {
	_, err := e.GetGrant(ctx, grantee, recordRef)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, vaulterr.ErrNotFound), errors.Is(err, vaulterr.ErrAccessExpired):
		return false, nil
	default:
		return false, err
	}
}

// GetGrant returns grantee's grant on recordRef, including the wrapped key.
func (e *Engine) GetGrant(ctx context.Context, grantee types.Address, recordRef string) (types.GrantedAccess, error) {
	var g types.GrantedAccess
	err := e.view(ctx, func(tx store.Tx, now time.Time) (err error) {
		g, err = tx.GetGrant(grantee, recordRef)
		if err != nil {
			return err
		}
		if !g.Active(now) {
			return fmt.Errorf("%w: grant for '%s' on '%s' ended %s", vaulterr.ErrAccessExpired, grantee, recordRef, g.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
	return g, err
}

// Revoke deletes grantee's grant on recordRef. A key the grantee already unwrapped stays
// known to them; only future lookups fail.
func (e *Engine) Revoke(ctx context.Context, owner, grantee types.Address, recordRef string) error {
	attrs := []any{"owner", owner, "grantee", grantee, "record", recordRef}
	return e.update(ctx, vaulterr.OpRevoke, attrs, func(tx store.Tx, now time.Time) error {
		rec, err := tx.GetRecord(recordRef)
		if err != nil {
			return err
		}
		if rec.Owner != owner {
			return vaulterr.NewNotOwnerError(string(owner), string(rec.Owner), vaulterr.OpRevoke)
		}
		if _, err := tx.GetGrant(grantee, recordRef); err != nil {
			return err
		}
		if err := tx.DeleteGrant(grantee, recordRef); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditRevoke, actor: owner, subject: grantee, ref: recordRef})
	})
}
