package vaulterr

// Op names the transition or query an error was raised from.
type Op int8

const (
	OpUnknown Op = iota
	OpRegister
	OpSetPublicKey
	OpVerify
	OpSetActive
	OpDesignate
	OpPutRecord
	OpSetRecordStatus
	OpRequest
	OpApprove
	OpReject
	OpExpire
	OpRevoke
	OpDeposit
	OpWithdraw
	OpEmergencyAccess
	OpEndEmergency
	OpRequestBatch
	OpApproveBatch
	OpEncrypt
	OpDecrypt
	OpWrap
	OpUnwrap
)

var opNames = map[Op]string{
	OpUnknown:         "unknown",
	OpRegister:        "register",
	OpSetPublicKey:    "set public key",
	OpVerify:          "verify",
	OpSetActive:       "set active",
	OpDesignate:       "designate emergency provider",
	OpPutRecord:       "put record",
	OpSetRecordStatus: "set record status",
	OpRequest:         "request",
	OpApprove:         "approve",
	OpReject:          "reject",
	OpExpire:          "expire",
	OpRevoke:          "revoke",
	OpDeposit:         "deposit",
	OpWithdraw:        "withdraw",
	OpEmergencyAccess: "emergency access",
	OpEndEmergency:    "end emergency access",
	OpRequestBatch:    "request batch access",
	OpApproveBatch:    "approve batch access",
	OpEncrypt:         "encrypt",
	OpDecrypt:         "decrypt",
	OpWrap:            "wrap",
	OpUnwrap:          "unwrap",
}

func (o Op) String() string {
	if str, ok := opNames[o]; ok {
		return str
	}
	return "unknown"
}
