// Package chaincode exposes the consent protocol as a Hyperledger Fabric contract. Every
// invocation runs one engine transition against the world state through StubStore, with
// the caller taken from the client identity and the clock from the transaction timestamp.
// The contract never holds key material: approvals and emergency overrides carry keys
// that the owner or the custodian wrapped off-chain.
package chaincode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/protocol"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// NetworkConfig is written once by InitLedger and read by every later invocation.
type NetworkConfig struct {
	Authorities            []types.Address `json:"authorities"`
	RequestWindowSeconds   int64           `json:"requestWindowSeconds,omitempty"`
	GrantDurationSeconds   int64           `json:"grantDurationSeconds,omitempty"`
	EmergencyWindowSeconds int64           `json:"emergencyWindowSeconds,omitempty"`
}

// Contract is the medvault chaincode.
type Contract struct {
	contractapi.Contract
	logger *slog.Logger
}

// NewContract returns a Contract logging to logger. A nil logger discards.
func NewContract(logger *slog.Logger) *Contract {
	if logger == nil {
		logger = monitoring.DiscardLogger()
	}
	return &Contract{logger: logger}
}

type invocation struct {
	engine *protocol.Engine
	caller types.Address
	ctx    contractapi.TransactionContextInterface
}

func (c *Contract) log() *slog.Logger {
	if c.logger == nil {
		return monitoring.DiscardLogger()
	}
	return c.logger
}

func callerID(ctx contractapi.TransactionContextInterface) (types.Address, error) {
	id, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return "", fmt.Errorf("failed to get client ID: %v", err)
	}
	if id == "" {
		return "", fmt.Errorf("client ID is empty")
	}
	return types.Address(id), nil
}

func networkConfigKey(ctx contractapi.TransactionContextInterface) (string, error) {
	return ctx.GetStub().CreateCompositeKey(objNetworkConfig, []string{"network"})
}

func readNetworkConfig(ctx contractapi.TransactionContextInterface) (NetworkConfig, bool, error) {
	key, err := networkConfigKey(ctx)
	if err != nil {
		return NetworkConfig{}, false, err
	}
	data, err := ctx.GetStub().GetState(key)
	if err != nil {
		return NetworkConfig{}, false, fmt.Errorf("failed to read network config: %v", err)
	}
	if len(data) == 0 {
		return NetworkConfig{}, false, nil
	}
	var cfg NetworkConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return NetworkConfig{}, false, fmt.Errorf("failed to decode network config: %v", err)
	}
	return cfg, true, nil
}

// begin builds the engine for one invocation.
func (c *Contract) begin(ctx contractapi.TransactionContextInterface) (*invocation, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok, err := readNetworkConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ledger not initialized, call InitLedger first")
	}

	stub := ctx.GetStub()
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction timestamp: %v", err)
	}
	now := ts.AsTime()
	txID := stub.GetTxID()
	var n int

	opts := []protocol.Option{
		protocol.WithClock(func() time.Time { return now }),
		protocol.WithIDGenerator(func() (string, error) {
			n++
			return fmt.Sprintf("%s-%d", txID, n), nil
		}),
		protocol.WithAuthorities(cfg.Authorities...),
		protocol.WithLogger(c.log().With("tx_id", txID)),
	}
	if cfg.RequestWindowSeconds > 0 {
		opts = append(opts, protocol.WithRequestWindow(time.Duration(cfg.RequestWindowSeconds)*time.Second))
	}
	if cfg.GrantDurationSeconds > 0 {
		opts = append(opts, protocol.WithGrantDuration(time.Duration(cfg.GrantDurationSeconds)*time.Second))
	}
	if cfg.EmergencyWindowSeconds > 0 {
		opts = append(opts, protocol.WithEmergencyWindow(time.Duration(cfg.EmergencyWindowSeconds)*time.Second))
	}
	engine, err := protocol.NewEngine(NewStubStore(stub), opts...)
	if err != nil {
		return nil, err
	}
	return &invocation{engine: engine, caller: caller, ctx: ctx}, nil
}

// emit publishes the outcome of a transition. Fabric keeps one event per transaction.
func (inv *invocation) emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %v", name, err)
	}
	return inv.ctx.GetStub().SetEvent("medvault."+name, data)
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %v", err)
	}
	return string(data), nil
}

// InitLedger records the authorities and protocol windows. Zero windows keep the engine
// defaults. It can run only once.
func (c *Contract) InitLedger(ctx contractapi.TransactionContextInterface, authorities []string, requestWindowSeconds, grantDurationSeconds, emergencyWindowSeconds int64) error {
	_, ok, err := readNetworkConfig(ctx)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: ledger already initialized", vaulterr.ErrAlreadyRegistered)
	}
	if len(authorities) == 0 {
		return fmt.Errorf("at least one authority is required")
	}
	if requestWindowSeconds < 0 || grantDurationSeconds < 0 || emergencyWindowSeconds < 0 {
		return fmt.Errorf("protocol windows cannot be negative")
	}
	cfg := NetworkConfig{
		RequestWindowSeconds:   requestWindowSeconds,
		GrantDurationSeconds:   grantDurationSeconds,
		EmergencyWindowSeconds: emergencyWindowSeconds,
	}
	for _, a := range authorities {
		if a == "" {
			return fmt.Errorf("authority address cannot be empty")
		}
		cfg.Authorities = append(cfg.Authorities, types.Address(a))
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	key, err := networkConfigKey(ctx)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(key, data); err != nil {
		return fmt.Errorf("failed to store network config: %v", err)
	}
	c.log().Info("ledger initialized", "authorities", len(cfg.Authorities))
	return nil
}

// Register enrolls the caller with a role and an optional PEM public key.
func (c *Contract) Register(ctx contractapi.TransactionContextInterface, role, publicKeyPEM string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	r, err := types.ParseRole(role)
	if err != nil {
		return "", err
	}
	u, err := inv.engine.Register(context.Background(), inv.caller, r, []byte(publicKeyPEM))
	if err != nil {
		return "", err
	}
	if err := inv.emit("user_registered", map[string]any{"address": u.Address, "role": u.Role}); err != nil {
		return "", err
	}
	return toJSON(u)
}

func (c *Contract) SetPublicKey(ctx contractapi.TransactionContextInterface, publicKeyPEM string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return inv.engine.SetPublicKey(context.Background(), inv.caller, []byte(publicKeyPEM))
}

func (c *Contract) Verify(ctx contractapi.TransactionContextInterface, addr string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	if err := inv.engine.Verify(context.Background(), inv.caller, types.Address(addr)); err != nil {
		return err
	}
	return inv.emit("user_verified", map[string]any{"address": addr, "authority": inv.caller})
}

func (c *Contract) SetActive(ctx contractapi.TransactionContextInterface, addr string, active bool) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return inv.engine.SetActive(context.Background(), inv.caller, types.Address(addr), active)
}

func (c *Contract) DesignateEmergencyProvider(ctx contractapi.TransactionContextInterface, addr string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return inv.engine.DesignateEmergencyProvider(context.Background(), inv.caller, types.Address(addr))
}

// PutRecord catalogs a blob uploaded off-chain. Wrapped keys are base64; the custodian
// key may be empty.
func (c *Contract) PutRecord(ctx contractapi.TransactionContextInterface, owner, dataType, contentRef, ownerWrappedKeyB64, custodianWrappedKeyB64 string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	dt, err := types.ParseDataType(dataType)
	if err != nil {
		return "", err
	}
	ownerKey, err := base64.StdEncoding.DecodeString(ownerWrappedKeyB64)
	if err != nil {
		return "", fmt.Errorf("invalid owner wrapped key: %v", err)
	}
	var custodianKey []byte
	if custodianWrappedKeyB64 != "" {
		if custodianKey, err = base64.StdEncoding.DecodeString(custodianWrappedKeyB64); err != nil {
			return "", fmt.Errorf("invalid custodian wrapped key: %v", err)
		}
	}
	rec, err := inv.engine.PutRecord(context.Background(), inv.caller, protocol.NewRecord{
		Owner:               types.Address(owner),
		DataType:            dt,
		ContentRef:          contentRef,
		OwnerWrappedKey:     ownerKey,
		CustodianWrappedKey: custodianKey,
	})
	if err != nil {
		return "", err
	}
	if err := inv.emit("record_added", map[string]any{"id": rec.ID, "owner": rec.Owner, "dataType": rec.DataType}); err != nil {
		return "", err
	}
	return toJSON(rec)
}

func (c *Contract) SetRecordStatus(ctx contractapi.TransactionContextInterface, id, status string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	s, err := types.ParseRecordStatus(status)
	if err != nil {
		return err
	}
	return inv.engine.SetRecordStatus(context.Background(), inv.caller, id, s)
}

// Request asks owner for one record. A non-zero incentive is escrowed from the caller.
func (c *Contract) Request(ctx contractapi.TransactionContextInterface, owner, recordRef, kind string, incentive uint64) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	k, err := types.ParseRequestKind(kind)
	if err != nil {
		return "", err
	}
	req, err := inv.engine.Request(context.Background(), inv.caller, types.Address(owner), recordRef, k, incentive)
	if err != nil {
		return "", err
	}
	return inv.requested(req)
}

func (c *Contract) RequestBatchAccess(ctx contractapi.TransactionContextInterface, owner, kind string, incentive uint64) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	k, err := types.ParseRequestKind(kind)
	if err != nil {
		return "", err
	}
	req, err := inv.engine.RequestBatchAccess(context.Background(), inv.caller, types.Address(owner), k, incentive)
	if err != nil {
		return "", err
	}
	return inv.requested(req)
}

func (inv *invocation) requested(req types.PermissionRequest) (string, error) {
	if err := inv.emit("permission_requested", map[string]any{"id": req.ID, "owner": req.Owner, "requester": req.Requester}); err != nil {
		return "", err
	}
	return toJSON(req)
}

func decodeWrappedKeys(wrappedKeysJSON string) (protocol.PrewrappedKeys, error) {
	keys := protocol.PrewrappedKeys{}
	if wrappedKeysJSON == "" {
		return keys, nil
	}
	if err := json.Unmarshal([]byte(wrappedKeysJSON), &keys); err != nil {
		return nil, fmt.Errorf("invalid wrapped keys, want a JSON object of record id to base64 key: %v", err)
	}
	return keys, nil
}

// Approve grants the requester access. wrappedKeysJSON maps the record id to its key
// wrapped for the requester.
func (c *Contract) Approve(ctx contractapi.TransactionContextInterface, requestID, wrappedKeysJSON string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	keys, err := decodeWrappedKeys(wrappedKeysJSON)
	if err != nil {
		return "", err
	}
	g, err := inv.engine.Approve(context.Background(), inv.caller, requestID, keys)
	if err != nil {
		return "", err
	}
	if err := inv.emit("permission_approved", map[string]any{"id": requestID, "grantee": g.Grantee, "records": 1}); err != nil {
		return "", err
	}
	return toJSON(g)
}

// ApproveBatchAccess needs a wrapped key for every record the owner holds at approval.
func (c *Contract) ApproveBatchAccess(ctx contractapi.TransactionContextInterface, requestID, wrappedKeysJSON string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	keys, err := decodeWrappedKeys(wrappedKeysJSON)
	if err != nil {
		return "", err
	}
	grants, err := inv.engine.ApproveBatchAccess(context.Background(), inv.caller, requestID, keys)
	if err != nil {
		return "", err
	}
	if err := inv.emit("permission_approved", map[string]any{"id": requestID, "records": len(grants)}); err != nil {
		return "", err
	}
	return toJSON(grants)
}

func (c *Contract) Reject(ctx contractapi.TransactionContextInterface, requestID string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	if err := inv.engine.Reject(context.Background(), inv.caller, requestID); err != nil {
		return err
	}
	return inv.emit("permission_rejected", map[string]any{"id": requestID})
}

// Expire closes a request past its deadline and refunds its incentive.
func (c *Contract) Expire(ctx contractapi.TransactionContextInterface, requestID string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return inv.engine.Expire(context.Background(), inv.caller, requestID)
}

func (c *Contract) Revoke(ctx contractapi.TransactionContextInterface, grantee, recordRef string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	if err := inv.engine.Revoke(context.Background(), inv.caller, types.Address(grantee), recordRef); err != nil {
		return err
	}
	return inv.emit("access_revoked", map[string]any{"grantee": grantee, "recordRef": recordRef})
}

func (c *Contract) Deposit(ctx contractapi.TransactionContextInterface, amount uint64) (uint64, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	return inv.engine.Deposit(context.Background(), inv.caller, amount)
}

func (c *Contract) Withdraw(ctx contractapi.TransactionContextInterface, amount uint64) (uint64, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	return inv.engine.Withdraw(context.Background(), inv.caller, amount)
}

func (c *Contract) Balance(ctx contractapi.TransactionContextInterface) (uint64, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	return inv.engine.Balance(context.Background(), inv.caller)
}

// EmergencyAccess issues the override for patient. The custodian service supplies the
// patient's keys wrapped for the caller, keyed by record id.
func (c *Contract) EmergencyAccess(ctx contractapi.TransactionContextInterface, patient, wrappedKeysJSON string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	keys, err := decodeWrappedKeys(wrappedKeysJSON)
	if err != nil {
		return "", err
	}
	g, err := inv.engine.EmergencyAccess(context.Background(), inv.caller, types.Address(patient), keys)
	if err != nil {
		return "", err
	}
	c.log().Warn("emergency access granted", "responder", g.Responder, "patient", g.Patient, "records", len(g.Records))
	if err := inv.emit("emergency_access", map[string]any{"responder": g.Responder, "patient": g.Patient, "records": len(g.Records)}); err != nil {
		return "", err
	}
	return toJSON(g)
}

// EndEmergencyAccess lets the patient close an override early.
func (c *Contract) EndEmergencyAccess(ctx contractapi.TransactionContextInterface, responder string) error {
	inv, err := c.begin(ctx)
	if err != nil {
		return err
	}
	return inv.engine.EndEmergencyAccess(context.Background(), inv.caller, types.Address(responder))
}

func (c *Contract) GetUser(ctx contractapi.TransactionContextInterface, addr string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	u, err := inv.engine.GetUser(context.Background(), types.Address(addr))
	if err != nil {
		return "", err
	}
	return toJSON(u)
}

func (c *Contract) GetRecord(ctx contractapi.TransactionContextInterface, id string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	rec, err := inv.engine.GetRecord(context.Background(), id)
	if err != nil {
		return "", err
	}
	return toJSON(rec)
}

func (c *Contract) ListByOwner(ctx contractapi.TransactionContextInterface, owner string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	records := []types.Record{}
	for rec, err := range inv.engine.ListByOwner(context.Background(), types.Address(owner)) {
		if err != nil {
			return "", err
		}
		records = append(records, rec)
	}
	return toJSON(records)
}

func (c *Contract) GetPermissionRequest(ctx contractapi.TransactionContextInterface, id string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	req, err := inv.engine.GetPermissionRequest(context.Background(), id)
	if err != nil {
		return "", err
	}
	return toJSON(req)
}

// PendingRequests lists the requests awaiting the caller.
func (c *Contract) PendingRequests(ctx contractapi.TransactionContextInterface) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	reqs, err := inv.engine.PendingRequests(context.Background(), inv.caller)
	if err != nil {
		return "", err
	}
	return toJSON(nonNil(reqs))
}

// ExpiredRequests lists the caller's requests past their deadline that still hold escrow.
func (c *Contract) ExpiredRequests(ctx contractapi.TransactionContextInterface) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	reqs, err := inv.engine.ExpiredRequests(context.Background(), inv.caller)
	if err != nil {
		return "", err
	}
	return toJSON(nonNil(reqs))
}

func (c *Contract) CheckAccess(ctx contractapi.TransactionContextInterface, grantee, recordRef string) (bool, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return false, err
	}
	return inv.engine.CheckAccess(context.Background(), types.Address(grantee), recordRef)
}

// GetGrant returns the caller's grant on recordRef, including the wrapped key.
func (c *Contract) GetGrant(ctx contractapi.TransactionContextInterface, recordRef string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	g, err := inv.engine.GetGrant(context.Background(), inv.caller, recordRef)
	if err != nil {
		return "", err
	}
	return toJSON(g)
}

func (c *Contract) GetEmergencyGrant(ctx contractapi.TransactionContextInterface, responder, patient string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	g, err := inv.engine.GetEmergencyGrant(context.Background(), types.Address(responder), types.Address(patient))
	if err != nil {
		return "", err
	}
	return toJSON(g)
}

// AuditTrail lists the audit entries naming key as actor, subject or reference.
func (c *Contract) AuditTrail(ctx contractapi.TransactionContextInterface, key string) (string, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	entries, err := inv.engine.AuditTrail(context.Background(), key)
	if err != nil {
		return "", err
	}
	return toJSON(nonNil(entries))
}

// VerifyAuditChain recomputes the hash chain and returns the number of entries checked.
func (c *Contract) VerifyAuditChain(ctx contractapi.TransactionContextInterface) (int, error) {
	inv, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	return inv.engine.VerifyAuditChain(context.Background())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
