package protocol

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

type emergencyPlan struct {
	records      []types.Record
	recipientKey []byte
}

func checkEmergency(tx store.Tx, responder, patient types.Address) ([]byte, error) {
	p, err := tx.GetUser(patient)
	if err != nil || p.Role != types.RolePatient {
		if err != nil && !vaulterr.IsNotFoundError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: '%s' is not a registered patient", vaulterr.ErrInvalidPatientAddress, patient)
	}
	r, err := tx.GetUser(responder)
	if err != nil && !vaulterr.IsNotFoundError(err) {
		return nil, err
	}
	if err != nil || !r.CanRespondToEmergency() {
		return nil, vaulterr.NewUnverifiedError(vaulterr.ErrResponderNotAuthorized, string(responder), vaulterr.OpEmergencyAccess)
	}
	return publicKeyOf(tx, responder)
}

// EmergencyAccess grants responder time-boxed access to every record of patient without
// owner approval. custodian must be able to re-wrap the patient's keys; each use is written
// to the audit log with both parties and the time.
func (e *Engine) EmergencyAccess(ctx context.Context, responder, patient types.Address, custodian Rewrapper) (types.EmergencyGrant, error) {
	if custodian == nil {
		return types.EmergencyGrant{}, fmt.Errorf("%w: no emergency custodian configured", vaulterr.ErrWrapFailed)
	}
	var grant types.EmergencyGrant
	attrs := []any{"responder", responder, "patient", patient}
	err := e.observe(ctx, vaulterr.OpEmergencyAccess, attrs, func() error {
		var plan emergencyPlan
		if err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
			if plan.recipientKey, err = checkEmergency(tx, responder, patient); err != nil {
				return err
			}
			plan.records, err = e.recordsOf(tx, patient)
			return err
		}); err != nil {
			return err
		}

		wrapped := make(map[string][]byte, len(plan.records))
		for _, rec := range plan.records {
			w, err := custodian.Rewrap(ctx, rec, plan.recipientKey)
			if err != nil {
				return err
			}
			wrapped[rec.ID] = w
		}

		return e.commit(ctx, func(tx store.Tx, now time.Time) error {
			key, err := checkEmergency(tx, responder, patient)
			if err != nil {
				return err
			}
			if !bytes.Equal(key, plan.recipientKey) {
				return fmt.Errorf("%w: responder '%s' changed keys during emergency access", vaulterr.ErrStaleState, responder)
			}

			displaced, err := carriedDisplaced(tx, responder, patient, now)
			if err != nil {
				return err
			}
			expires := now.UTC().Add(e.emergencyWindow)
			grant = types.EmergencyGrant{
				Responder: responder,
				Patient:   patient,
				Active:    true,
				GrantedAt: now.UTC(),
				ExpiresAt: expires,
				Records:   make([]string, 0, len(plan.records)),
			}
			for _, rec := range plan.records {
				existing, err := tx.GetGrant(responder, rec.ID)
				switch {
				case err == nil && existing.Source != types.SourceEmergency && !existing.ExpiresAt.Before(expires):
					// a consented grant that outlasts the window stays as it is
					continue
				case err == nil && existing.Source != types.SourceEmergency && existing.Active(now):
					displaced[rec.ID] = existing
				case err != nil && !vaulterr.IsNotFoundError(err):
					return err
				}
				if err := tx.PutGrant(types.GrantedAccess{
					Owner:             patient,
					Grantee:           responder,
					RecordRef:         rec.ID,
					DataType:          rec.DataType,
					GranteeWrappedKey: wrapped[rec.ID],
					GrantedAt:         now.UTC(),
					ExpiresAt:         expires,
					Source:            types.SourceEmergency,
				}); err != nil {
					return err
				}
				grant.Records = append(grant.Records, rec.ID)
			}
			for _, ref := range grant.Records {
				if d, ok := displaced[ref]; ok {
					grant.Displaced = append(grant.Displaced, d)
				}
			}
			if err := tx.PutEmergencyGrant(grant); err != nil {
				return err
			}
			return e.appendAudit(tx, now, auditEvent{
				action:  AuditEmergencyAccess,
				actor:   responder,
				subject: patient,
				details: fmt.Sprintf("records=%d expires=%s", len(plan.records), expires.Format(time.RFC3339)),
			})
		})
	})
	return grant, err
}

// carriedDisplaced returns the consented grants displaced by an override still in effect,
// so that renewing the override does not lose them.
func carriedDisplaced(tx store.Tx, responder, patient types.Address, now time.Time) (map[string]types.GrantedAccess, error) {
	displaced := make(map[string]types.GrantedAccess)
	prev, err := tx.GetEmergencyGrant(responder, patient)
	if err != nil {
		if vaulterr.IsNotFoundError(err) {
			return displaced, nil
		}
		return nil, err
	}
	if prev.InEffect(now) {
		for _, d := range prev.Displaced {
			displaced[d.RecordRef] = d
		}
	}
	return displaced, nil
}

// EndEmergencyAccess lets the patient close an override before its window runs out.
// Grants that came from consent are left in place, and consented grants the override
// replaced are restored while they are still valid.
func (e *Engine) EndEmergencyAccess(ctx context.Context, caller, responder types.Address) error {
	attrs := []any{"patient", caller, "responder", responder}
	return e.update(ctx, vaulterr.OpEndEmergency, attrs, func(tx store.Tx, now time.Time) error {
		u, err := tx.GetUser(caller)
		if err != nil {
			return err
		}
		if u.Role != types.RolePatient {
			return fmt.Errorf("%w: '%s' is a %s", vaulterr.ErrNotPatient, caller, u.Role)
		}
		g, err := tx.GetEmergencyGrant(responder, caller)
		if err != nil {
			return err
		}
		if !g.InEffect(now) {
			return fmt.Errorf("%w: emergency access of '%s' to '%s' already ended", vaulterr.ErrAccessExpired, responder, caller)
		}
		displaced := make(map[string]types.GrantedAccess, len(g.Displaced))
		for _, d := range g.Displaced {
			displaced[d.RecordRef] = d
		}
		for _, ref := range g.Records {
			existing, err := tx.GetGrant(responder, ref)
			if err != nil {
				if vaulterr.IsNotFoundError(err) {
					continue
				}
				return err
			}
			if existing.Source != types.SourceEmergency {
				continue
			}
			if d, ok := displaced[ref]; ok && d.Active(now) {
				if err := tx.PutGrant(d); err != nil {
					return err
				}
				continue
			}
			if err := tx.DeleteGrant(responder, ref); err != nil {
				return err
			}
		}
		g.Active = false
		g.EndedAt = now.UTC()
		if err := tx.PutEmergencyGrant(g); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditEmergencyEnd, actor: caller, subject: responder})
	})
}

// GetEmergencyGrant returns the override responder holds for patient. Active is reported
// false once the window has passed.
func (e *Engine) GetEmergencyGrant(ctx context.Context, responder, patient types.Address) (types.EmergencyGrant, error) {
	var g types.EmergencyGrant
	err := e.view(ctx, func(tx store.Tx, now time.Time) (err error) {
		g, err = tx.GetEmergencyGrant(responder, patient)
		if err != nil {
			return err
		}
		g.Active = g.InEffect(now)
		return nil
	})
	return g, err
}
