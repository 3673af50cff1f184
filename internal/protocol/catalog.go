package protocol

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// NewRecord is the input to PutRecord.
type NewRecord struct {
	Owner               types.Address
	DataType            types.DataType
	ContentRef          string
	OwnerWrappedKey     []byte
	CustodianWrappedKey []byte
}

// PutRecord catalogs an uploaded blob. The record id is its content reference. Records
// uploaded by their owner start Completed, third-party uploads start Pending.
func (e *Engine) PutRecord(ctx context.Context, uploader types.Address, in NewRecord) (types.Record, error) {
	if !in.DataType.Valid() {
		return types.Record{}, fmt.Errorf("%w: %s", vaulterr.ErrInvalidDataType, in.DataType)
	}
	if in.ContentRef == "" {
		return types.Record{}, fmt.Errorf("%w: empty", vaulterr.ErrInvalidContentRef)
	}
	if len(in.OwnerWrappedKey) == 0 {
		return types.Record{}, fmt.Errorf("%w: record '%s' has no owner-wrapped key", vaulterr.ErrWrapFailed, in.ContentRef)
	}

	var rec types.Record
	attrs := []any{"uploader", uploader, "owner", in.Owner, "record", in.ContentRef}
	err := e.update(ctx, vaulterr.OpPutRecord, attrs, func(tx store.Tx, now time.Time) error {
		owner, err := verifiedParty(tx, in.Owner, vaulterr.ErrOwnerNotVerified, vaulterr.OpPutRecord)
		if err != nil {
			return err
		}
		if owner.Role != types.RolePatient {
			return fmt.Errorf("%w: '%s' is a %s", vaulterr.ErrNotPatient, in.Owner, owner.Role)
		}
		if uploader != in.Owner {
			if _, err := verifiedParty(tx, uploader, vaulterr.ErrUploaderNotVerified, vaulterr.OpPutRecord); err != nil {
				return err
			}
		}

		_, err = tx.GetRecord(in.ContentRef)
		switch {
		case err == nil:
			return fmt.Errorf("%w: '%s'", vaulterr.ErrRecordExists, in.ContentRef)
		case !errors.Is(err, vaulterr.ErrNotFound):
			return err
		}

		status := types.RecordPending
		if uploader == in.Owner {
			status = types.RecordCompleted
		}
		rec, err = tx.PutRecord(types.Record{
			ID:                  in.ContentRef,
			Owner:               in.Owner,
			Uploader:            uploader,
			DataType:            in.DataType,
			OwnerWrappedKey:     in.OwnerWrappedKey,
			CustodianWrappedKey: in.CustodianWrappedKey,
			CreatedAt:           now.UTC(),
			Status:              status,
		})
		if err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{
			action:  AuditPutRecord,
			actor:   uploader,
			subject: in.Owner,
			ref:     rec.ID,
			details: in.DataType.String(),
		})
	})
	return rec, err
}

// GetRecord returns the catalog entry for id.
func (e *Engine) GetRecord(ctx context.Context, id string) (types.Record, error) {
	var rec types.Record
	err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
		rec, err = tx.GetRecord(id)
		return err
	})
	return rec, err
}

// ListByOwner yields the owner's records in upload order. Nothing is read until the
// sequence is ranged over; each range takes one consistent snapshot and yields it outside
// the read transaction, so the caller may start transitions from inside the loop.
func (e *Engine) ListByOwner(ctx context.Context, owner types.Address) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		var recs []types.Record
		err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
			recs, err = e.recordsOf(tx, owner)
			return err
		})
		if err != nil {
			yield(types.Record{}, err)
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// SetRecordStatus moves a record forward through Pending, Completed and Valid, or marks it
// Invalid. Only the owner or the uploader may change it.
func (e *Engine) SetRecordStatus(ctx context.Context, caller types.Address, id string, status types.RecordStatus) error {
	attrs := []any{"caller", caller, "record", id, "status", status}
	return e.update(ctx, vaulterr.OpSetRecordStatus, attrs, func(tx store.Tx, now time.Time) error {
		rec, err := tx.GetRecord(id)
		if err != nil {
			return err
		}
		if caller != rec.Owner && caller != rec.Uploader {
			return vaulterr.NewNotOwnerError(string(caller), string(rec.Owner), vaulterr.OpSetRecordStatus)
		}
		if !rec.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s to %s", vaulterr.ErrInvalidStatusTransition, rec.Status, status)
		}
		rec.Status = status
		if _, err := tx.PutRecord(rec); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{
			action:  AuditRecordStatus,
			actor:   caller,
			subject: rec.Owner,
			ref:     id,
			details: status.String(),
		})
	})
}

func (e *Engine) recordsOf(tx store.Tx, owner types.Address) ([]types.Record, error) {
	var out []types.Record
	for rec, err := range tx.RecordsByOwner(owner) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
