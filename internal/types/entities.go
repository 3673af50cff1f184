package types

import "time"

// Address identifies a participant. On a ledger it is the caller's client identity.
type Address string

// User is an entry of the identity registry.
type User struct {
	Address          Address   `json:"address"`
	Role             Role      `json:"role"`
	Verified         bool      `json:"verified"`
	Active           bool      `json:"active"`
	PublicKey        []byte    `json:"publicKey,omitempty"`
	EmergencyCapable bool      `json:"emergencyCapable,omitempty"`
	RegisteredAt     time.Time `json:"registeredAt"`
	VerifiedAt       time.Time `json:"verifiedAt,omitempty"`
}

// IsVerifiedParty reports whether the user may take part in a transition.
func (u User) IsVerifiedParty() bool {
	return u.Role != RoleNone && u.Verified && u.Active
}

// CanRespondToEmergency reports whether the user may invoke the emergency override.
func (u User) CanRespondToEmergency() bool {
	if !u.IsVerifiedParty() {
		return false
	}
	switch u.Role {
	case RoleAmbulance:
		return true
	case RoleProvider:
		return u.EmergencyCapable
	case RoleNone, RolePatient, RoleResearcher, RoleHospital, RoleInsurer, RolePharmacy, RoleLab:
		return false
	default:
		return false
	}
}

// Record is catalog metadata for one encrypted blob. ID is the blob's content reference.
type Record struct {
	ID                  string       `json:"id"`
	Owner               Address      `json:"owner"`
	Uploader            Address      `json:"uploader"`
	DataType            DataType     `json:"dataType"`
	OwnerWrappedKey     []byte       `json:"ownerWrappedKey"`
	CustodianWrappedKey []byte       `json:"custodianWrappedKey,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	Status              RecordStatus `json:"status"`
	Seq                 uint64       `json:"seq"`
}

// PermissionRequest asks the owner for access to one record, or to all of them when
// RecordRef is empty.
type PermissionRequest struct {
	ID              string        `json:"id"`
	Requester       Address       `json:"requester"`
	Owner           Address       `json:"owner"`
	RecordRef       string        `json:"recordRef"`
	Kind            RequestKind   `json:"kind"`
	IncentiveBased  bool          `json:"incentiveBased"`
	IncentiveAmount uint64        `json:"incentiveAmount"`
	Status          RequestStatus `json:"status"`
	RequestedAt     time.Time     `json:"requestedAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	ResolvedAt      time.Time     `json:"resolvedAt,omitempty"`
}

// IsBatch reports whether a request targets the owner's whole record set.
func (r PermissionRequest) IsBatch() bool { return r.RecordRef == "" }

// Expired reports whether now is at or past the request deadline.
func (r PermissionRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EffectiveStatus is the status every reader must observe: a Pending request past its
// deadline reads as Expired even when no expiry transition has been recorded.
func (r PermissionRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status == RequestPending && r.Expired(now) {
		return RequestExpired
	}
	return r.Status
}

// GrantedAccess holds the record key wrapped for one grantee.
type GrantedAccess struct {
	Owner             Address     `json:"owner"`
	Grantee           Address     `json:"grantee"`
	RecordRef         string      `json:"recordRef"`
	DataType          DataType    `json:"dataType"`
	GranteeWrappedKey []byte      `json:"granteeWrappedKey"`
	GrantedAt         time.Time   `json:"grantedAt"`
	ExpiresAt         time.Time   `json:"expiresAt"`
	RequestID         string      `json:"requestId,omitempty"`
	Source            GrantSource `json:"source"`
}

// Active reports whether the grant still authorizes access at now.
func (g GrantedAccess) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// EmergencyGrant records an override issued to a responder for one patient.
type EmergencyGrant struct {
	Responder Address   `json:"responder"`
	Patient   Address   `json:"patient"`
	Active    bool      `json:"active"`
	GrantedAt time.Time `json:"grantedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Records   []string  `json:"records"`
	// Displaced holds consented grants the override replaced; they come back when the
	// override is ended early.
	Displaced []GrantedAccess `json:"displaced,omitempty"`
}

// InEffect reports whether the override is both active and inside its window.
func (g EmergencyGrant) InEffect(now time.Time) bool {
	return g.Active && now.Before(g.ExpiresAt)
}

// AuditEntry is one link of the hash-chained audit log.
type AuditEntry struct {
	Seq      uint64    `json:"seq"`
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	Actor    Address   `json:"actor"`
	Subject  Address   `json:"subject,omitempty"`
	Ref      string    `json:"ref,omitempty"`
	Details  string    `json:"details,omitempty"`
	At       time.Time `json:"at"`
	PrevHash string    `json:"prevHash"`
	Hash     string    `json:"hash"`
}
