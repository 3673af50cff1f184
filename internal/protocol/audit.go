package protocol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// Audit actions.
const (
	AuditRegister        = "register"
	AuditSetPublicKey    = "set_public_key"
	AuditVerify          = "verify"
	AuditSetActive       = "set_active"
	AuditDesignate       = "designate_emergency_provider"
	AuditPutRecord       = "put_record"
	AuditRecordStatus    = "set_record_status"
	AuditRequest         = "request"
	AuditApprove         = "approve"
	AuditReject          = "reject"
	AuditExpire          = "expire"
	AuditRevoke          = "revoke"
	AuditDeposit         = "deposit"
	AuditWithdraw        = "withdraw"
	AuditEmergencyAccess = "emergency_access"
	AuditEmergencyEnd    = "emergency_end"
	AuditBatchApprove    = "approve_batch"
)

type auditEvent struct {
	action  string
	actor   types.Address
	subject types.Address
	ref     string
	details string
}

// appendAudit links a new entry to the newest one in the log.
func (e *Engine) appendAudit(tx store.Tx, now time.Time, ev auditEvent) error {
	last, ok, err := tx.LastAudit()
	if err != nil {
		return fmt.Errorf("failed to read audit head: %w", err)
	}
	id, err := e.newID()
	if err != nil {
		return err
	}
	entry := types.AuditEntry{
		Seq:     1,
		ID:      id,
		Action:  ev.action,
		Actor:   ev.actor,
		Subject: ev.subject,
		Ref:     ev.ref,
		Details: ev.details,
		At:      now.UTC(),
	}
	if ok {
		entry.Seq = last.Seq + 1
		entry.PrevHash = last.Hash
	}
	entry.Hash = HashAuditEntry(entry)
	return tx.AppendAudit(entry)
}

// HashAuditEntry is the SHA-256 over the entry's canonical fields and its predecessor hash.
func HashAuditEntry(e types.AuditEntry) string {
	fields := []string{
		strconv.FormatUint(e.Seq, 10),
		e.ID,
		e.Action,
		string(e.Actor),
		string(e.Subject),
		e.Ref,
		e.Details,
		e.At.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	}
	h := sha256.New()
	for _, f := range fields {
		// length-prefix each field so no two field lists encode the same bytes
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// AuditLog returns every audit entry in order.
func (e *Engine) AuditLog(ctx context.Context) ([]types.AuditEntry, error) {
	var out []types.AuditEntry
	err := e.view(ctx, func(tx store.Tx, _ time.Time) error {
		for entry, err := range tx.AuditEntries() {
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// AuditTrail returns the entries whose actor, subject or ref matches key.
func (e *Engine) AuditTrail(ctx context.Context, key string) ([]types.AuditEntry, error) {
	all, err := e.AuditLog(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.AuditEntry
	for _, entry := range all {
		if string(entry.Actor) == key || string(entry.Subject) == key || entry.Ref == key {
			out = append(out, entry)
		}
	}
	return out, nil
}

// VerifyAuditChain walks the log and checks sequence numbers, links and hashes. It returns
// the number of verified entries.
func (e *Engine) VerifyAuditChain(ctx context.Context) (int, error) {
	count := 0
	err := e.view(ctx, func(tx store.Tx, _ time.Time) error {
		var prev string
		for entry, err := range tx.AuditEntries() {
			if err != nil {
				return err
			}
			want := uint64(count) + 1
			switch {
			case entry.Seq != want:
				return fmt.Errorf("%w: entry %d has sequence %d", vaulterr.ErrAuditChainBroken, want, entry.Seq)
			case entry.PrevHash != prev:
				return fmt.Errorf("%w: entry %d does not link to its predecessor", vaulterr.ErrAuditChainBroken, entry.Seq)
			case !strings.EqualFold(entry.Hash, HashAuditEntry(entry)):
				return fmt.Errorf("%w: entry %d hash mismatch", vaulterr.ErrAuditChainBroken, entry.Seq)
			}
			prev = entry.Hash
			count++
		}
		return nil
	})
	return count, err
}
