package types

import (
	"fmt"
	"strings"
)

// Role is the closed set of participant roles. Access-control decisions switch on it
// exhaustively instead of comparing strings at each call site.
type Role int8

const (
	RoleNone Role = iota
	RolePatient
	RoleProvider
	RoleResearcher
	RoleHospital
	RoleInsurer
	RoleAmbulance
	RolePharmacy
	RoleLab
)

var roleNames = map[Role]string{
	RoleNone:       "none",
	RolePatient:    "patient",
	RoleProvider:   "provider",
	RoleResearcher: "researcher",
	RoleHospital:   "hospital",
	RoleInsurer:    "insurer",
	RoleAmbulance:  "ambulance",
	RolePharmacy:   "pharmacy",
	RoleLab:        "lab",
}

func (r Role) String() string {
	if str, ok := roleNames[r]; ok {
		return str
	}
	return "unknown"
}

// Valid reports whether r is a role a user can register with.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RoleResearcher, RoleHospital,
		RoleInsurer, RoleAmbulance, RolePharmacy, RoleLab:
		return true
	case RoleNone:
		return false
	default:
		return false
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRole maps a role name (case-insensitive) to its Role.
func ParseRole(s string) (Role, error) {
	return parseEnum(s, roleNames, "role")
}

// DataType classifies the medical content of a record.
type DataType int8

const (
	DataTypeUnknown DataType = iota
	DataTypeEHR
	DataTypePHR
	DataTypeLabResult
	DataTypePrescription
	DataTypeImaging
	DataTypeInsuranceClaim
	DataTypeEmergencyRecord
)

var dataTypeNames = map[DataType]string{
	DataTypeUnknown:         "unknown",
	DataTypeEHR:             "ehr",
	DataTypePHR:             "phr",
	DataTypeLabResult:       "lab_result",
	DataTypePrescription:    "prescription",
	DataTypeImaging:         "imaging",
	DataTypeInsuranceClaim:  "insurance_claim",
	DataTypeEmergencyRecord: "emergency_record",
}

func (d DataType) String() string {
	if str, ok := dataTypeNames[d]; ok {
		return str
	}
	return "unknown"
}

func (d DataType) Valid() bool {
	return d > DataTypeUnknown && d <= DataTypeEmergencyRecord
}

func (d DataType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func ParseDataType(s string) (DataType, error) {
	return parseEnum(s, dataTypeNames, "data type")
}

// RecordStatus is ordered: Pending < Completed < Valid. Invalid is reachable from any
// other status through explicit invalidation.
type RecordStatus int8

const (
	RecordPending RecordStatus = iota
	RecordCompleted
	RecordValid
	RecordInvalid
)

var recordStatusNames = map[RecordStatus]string{
	RecordPending:   "pending",
	RecordCompleted: "completed",
	RecordValid:     "valid",
	RecordInvalid:   "invalid",
}

func (s RecordStatus) String() string {
	if str, ok := recordStatusNames[s]; ok {
		return str
	}
	return "unknown"
}

// CanTransitionTo reports whether moving from s to next respects the monotonic ordering.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	if s == RecordInvalid {
		return false
	}
	if next == RecordInvalid {
		return true
	}
	return next > s && next <= RecordValid
}

func (s RecordStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RecordStatus) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), recordStatusNames, "record status")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseRecordStatus(s string) (RecordStatus, error) {
	return parseEnum(s, recordStatusNames, "record status")
}

// RequestKind is the purpose a permission request is made for.
type RequestKind int8

const (
	KindView RequestKind = iota
	KindEdit
	KindEmergency
	KindInsuranceProcessing
	KindLabProcessing
	KindPrescriptionProcessing
)

var requestKindNames = map[RequestKind]string{
	KindView:                   "view",
	KindEdit:                   "edit",
	KindEmergency:              "emergency",
	KindInsuranceProcessing:    "insurance_processing",
	KindLabProcessing:          "lab_processing",
	KindPrescriptionProcessing: "prescription_processing",
}

func (k RequestKind) String() string {
	if str, ok := requestKindNames[k]; ok {
		return str
	}
	return "unknown"
}

func (k RequestKind) Valid() bool {
	_, ok := requestKindNames[k]
	return ok
}

func (k RequestKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RequestKind) UnmarshalText(b []byte) error {
	v, err := ParseRequestKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParseRequestKind(s string) (RequestKind, error) {
	return parseEnum(s, requestKindNames, "request kind")
}

// RequestStatus is the permission request state. Approved, Rejected and Expired are terminal.
type RequestStatus int8

const (
	RequestPending RequestStatus = iota
	RequestApproved
	RequestRejected
	RequestExpired
)

var requestStatusNames = map[RequestStatus]string{
	RequestPending:  "pending",
	RequestApproved: "approved",
	RequestRejected: "rejected",
	RequestExpired:  "expired",
}

func (s RequestStatus) String() string {
	if str, ok := requestStatusNames[s]; ok {
		return str
	}
	return "unknown"
}

func (s RequestStatus) Terminal() bool { return s != RequestPending }

func (s RequestStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RequestStatus) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), requestStatusNames, "request status")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// GrantSource records which transition produced a GrantedAccess row.
type GrantSource int8

const (
	SourceRequest GrantSource = iota
	SourceBatch
	SourceEmergency
)

var grantSourceNames = map[GrantSource]string{
	SourceRequest:   "request",
	SourceBatch:     "batch",
	SourceEmergency: "emergency",
}

func (s GrantSource) String() string {
	if str, ok := grantSourceNames[s]; ok {
		return str
	}
	return "unknown"
}

func (s GrantSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *GrantSource) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), grantSourceNames, "grant source")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func parseEnum[T comparable](s string, names map[T]string, what string) (T, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for v, name := range names {
		if name == needle {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", what, s)
}
