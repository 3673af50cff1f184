package medvault

import "github.com/hengadev/medvault/internal/types"

type (
	Address           = types.Address
	Role              = types.Role
	DataType          = types.DataType
	RecordStatus      = types.RecordStatus
	RequestKind       = types.RequestKind
	RequestStatus     = types.RequestStatus
	GrantSource       = types.GrantSource
	User              = types.User
	Record            = types.Record
	PermissionRequest = types.PermissionRequest
	GrantedAccess     = types.GrantedAccess
	EmergencyGrant    = types.EmergencyGrant
	AuditEntry        = types.AuditEntry
)

const (
	RoleNone       = types.RoleNone
	RolePatient    = types.RolePatient
	RoleProvider   = types.RoleProvider
	RoleResearcher = types.RoleResearcher
	RoleHospital   = types.RoleHospital
	RoleInsurer    = types.RoleInsurer
	RoleAmbulance  = types.RoleAmbulance
	RolePharmacy   = types.RolePharmacy
	RoleLab        = types.RoleLab
)

const (
	DataTypeEHR             = types.DataTypeEHR
	DataTypePHR             = types.DataTypePHR
	DataTypeLabResult       = types.DataTypeLabResult
	DataTypePrescription    = types.DataTypePrescription
	DataTypeImaging         = types.DataTypeImaging
	DataTypeInsuranceClaim  = types.DataTypeInsuranceClaim
	DataTypeEmergencyRecord = types.DataTypeEmergencyRecord
)

const (
	RecordPending   = types.RecordPending
	RecordCompleted = types.RecordCompleted
	RecordValid     = types.RecordValid
	RecordInvalid   = types.RecordInvalid
)

const (
	KindView                   = types.KindView
	KindEdit                   = types.KindEdit
	KindEmergency              = types.KindEmergency
	KindInsuranceProcessing    = types.KindInsuranceProcessing
	KindLabProcessing          = types.KindLabProcessing
	KindPrescriptionProcessing = types.KindPrescriptionProcessing
)

const (
	RequestPending  = types.RequestPending
	RequestApproved = types.RequestApproved
	RequestRejected = types.RequestRejected
	RequestExpired  = types.RequestExpired
)

const (
	SourceRequest   = types.SourceRequest
	SourceBatch     = types.SourceBatch
	SourceEmergency = types.SourceEmergency
)

var (
	ParseRole        = types.ParseRole
	ParseDataType    = types.ParseDataType
	ParseRequestKind = types.ParseRequestKind
)
