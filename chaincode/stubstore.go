package chaincode

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/hyperledger/fabric-chaincode-go/shim"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// Object types of the composite keys the contract writes.
const (
	objUser          = "medvault.user"
	objRecord        = "medvault.record"
	objOwnerRecord   = "medvault.owner_record"
	objOwnerSeq      = "medvault.owner_seq"
	objRequest       = "medvault.request"
	objOwnerRequest  = "medvault.owner_request"
	objCounter       = "medvault.counter"
	objGrant         = "medvault.grant"
	objEmergency     = "medvault.emergency"
	objBalance       = "medvault.balance"
	objAudit         = "medvault.audit"
	objNetworkConfig = "medvault.config"
)

const (
	counterRequests = "requests"
	counterAudit    = "audit"
)

// seqKey renders a sequence number so that key order is numeric order.
func seqKey(n uint64) string { return fmt.Sprintf("%020d", n) }

// StubStore is a store.Store over the world state of one chaincode invocation. Writes are
// buffered and reach the stub only when an Update succeeds, and reads inside the Update
// see the buffered writes. Fabric only exposes committed state to GetState, so without the
// buffer a transition could not read back what it just wrote.
type StubStore struct {
	stub shim.ChaincodeStubInterface
}

var _ store.Store = (*StubStore)(nil)

func NewStubStore(stub shim.ChaincodeStubInterface) *StubStore {
	return &StubStore{stub: stub}
}

func (s *StubStore) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&stubTx{stub: s.stub})
}

func (s *StubStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &stubTx{stub: s.stub, writable: true, pending: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.flush()
}

func (s *StubStore) Close() error { return nil }

type stubTx struct {
	stub     shim.ChaincodeStubInterface
	writable bool
	// pending maps keys to their new value; a nil value deletes the key.
	pending map[string][]byte
}

func (t *stubTx) flush() error {
	for _, key := range slices.Sorted(maps.Keys(t.pending)) {
		value := t.pending[key]
		var err error
		if value == nil {
			err = t.stub.DelState(key)
		} else {
			err = t.stub.PutState(key, value)
		}
		if err != nil {
			return fmt.Errorf("%w: write '%s': %v", vaulterr.ErrStoreUnavailable, printableKey(key), err)
		}
	}
	return nil
}

func (t *stubTx) key(objectType string, attrs ...string) (string, error) {
	key, err := t.stub.CreateCompositeKey(objectType, attrs)
	if err != nil {
		return "", fmt.Errorf("invalid %s key: %w", objectType, err)
	}
	return key, nil
}

func (t *stubTx) read(key string) ([]byte, error) {
	if value, ok := t.pending[key]; ok {
		return value, nil
	}
	value, err := t.stub.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("%w: read '%s': %v", vaulterr.ErrStoreUnavailable, printableKey(key), err)
	}
	return value, nil
}

func (t *stubTx) write(key string, value []byte) error {
	if !t.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	if value == nil {
		value = []byte{}
	}
	t.pending[key] = value
	return nil
}

func (t *stubTx) delete(key string) error {
	if !t.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	t.pending[key] = nil
	return nil
}

// get decodes the JSON value at key into v, reporting absence as vaulterr.ErrNotFound.
func (t *stubTx) get(v any, what string, objectType string, attrs ...string) error {
	key, err := t.key(objectType, attrs...)
	if err != nil {
		return err
	}
	data, err := t.read(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", vaulterr.ErrNotFound, what)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", vaulterr.ErrStoreUnavailable, what, err)
	}
	return nil
}

func (t *stubTx) put(v any, objectType string, attrs ...string) error {
	key, err := t.key(objectType, attrs...)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", objectType, err)
	}
	return t.write(key, data)
}

func (t *stubTx) counter(name string) (uint64, error) {
	key, err := t.key(objCounter, name)
	if err != nil {
		return 0, err
	}
	data, err := t.read(key)
	if err != nil || len(data) == 0 {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func (t *stubTx) setCounter(objectType, name string, n uint64) error {
	key, err := t.key(objectType, name)
	if err != nil {
		return err
	}
	return t.write(key, []byte(strconv.FormatUint(n, 10)))
}

// scan yields the values under a partial composite key in key order, with buffered writes
// merged in.
func (t *stubTx) scan(objectType string, attrs ...string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		prefix, err := t.key(objectType, attrs...)
		if err != nil {
			yield(nil, err)
			return
		}
		it, err := t.stub.GetStateByPartialCompositeKey(objectType, attrs)
		if err != nil {
			yield(nil, fmt.Errorf("%w: scan %s: %v", vaulterr.ErrStoreUnavailable, objectType, err))
			return
		}
		defer it.Close()

		merged := make(map[string][]byte)
		for it.HasNext() {
			kv, err := it.Next()
			if err != nil {
				yield(nil, fmt.Errorf("%w: scan %s: %v", vaulterr.ErrStoreUnavailable, objectType, err))
				return
			}
			merged[kv.Key] = kv.Value
		}
		for key, value := range t.pending {
			if strings.HasPrefix(key, prefix) {
				merged[key] = value
			}
		}
		for _, key := range slices.Sorted(maps.Keys(merged)) {
			if value := merged[key]; value != nil {
				if !yield(value, nil) {
					return
				}
			}
		}
	}
}

func decodeAll[T any](seq iter.Seq2[[]byte, error], what string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for data, err := range seq {
			var v T
			if err == nil {
				if uerr := json.Unmarshal(data, &v); uerr != nil {
					err = fmt.Errorf("%w: decode %s: %v", vaulterr.ErrStoreUnavailable, what, uerr)
				}
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

func (t *stubTx) GetUser(addr types.Address) (types.User, error) {
	var u types.User
	err := t.get(&u, fmt.Sprintf("user '%s'", addr), objUser, string(addr))
	return u, err
}

func (t *stubTx) PutUser(u types.User) error {
	return t.put(u, objUser, string(u.Address))
}

func (t *stubTx) GetRecord(id string) (types.Record, error) {
	var r types.Record
	err := t.get(&r, fmt.Sprintf("record '%s'", id), objRecord, id)
	return r, err
}

func (t *stubTx) PutRecord(r types.Record) (types.Record, error) {
	existing, err := t.GetRecord(r.ID)
	switch {
	case err == nil:
		r.Seq = existing.Seq
	case vaulterr.IsNotFoundError(err):
		n, err := t.ownerSeq(r.Owner)
		if err != nil {
			return types.Record{}, err
		}
		r.Seq = n + 1
		if err := t.setCounter(objOwnerSeq, string(r.Owner), r.Seq); err != nil {
			return types.Record{}, err
		}
		if err := t.put(r.ID, objOwnerRecord, string(r.Owner), seqKey(r.Seq)); err != nil {
			return types.Record{}, err
		}
	default:
		return types.Record{}, err
	}
	return r, t.put(r, objRecord, r.ID)
}

func (t *stubTx) ownerSeq(owner types.Address) (uint64, error) {
	key, err := t.key(objOwnerSeq, string(owner))
	if err != nil {
		return 0, err
	}
	data, err := t.read(key)
	if err != nil || len(data) == 0 {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func (t *stubTx) RecordsByOwner(owner types.Address) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		for id, err := range decodeAll[string](t.scan(objOwnerRecord, string(owner)), "record index") {
			if err != nil {
				yield(types.Record{}, err)
				return
			}
			r, err := t.GetRecord(id)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

func (t *stubTx) GetRequest(id string) (types.PermissionRequest, error) {
	var r types.PermissionRequest
	err := t.get(&r, fmt.Sprintf("request '%s'", id), objRequest, id)
	return r, err
}

func (t *stubTx) PutRequest(r types.PermissionRequest) error {
	if _, err := t.GetRequest(r.ID); vaulterr.IsNotFoundError(err) {
		n, err := t.counter(counterRequests)
		if err != nil {
			return err
		}
		n++
		if err := t.setCounter(objCounter, counterRequests, n); err != nil {
			return err
		}
		if err := t.put(r.ID, objOwnerRequest, string(r.Owner), seqKey(n)); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return t.put(r, objRequest, r.ID)
}

func (t *stubTx) RequestsByOwner(owner types.Address) iter.Seq2[types.PermissionRequest, error] {
	return func(yield func(types.PermissionRequest, error) bool) {
		for id, err := range decodeAll[string](t.scan(objOwnerRequest, string(owner)), "request index") {
			if err != nil {
				yield(types.PermissionRequest{}, err)
				return
			}
			r, err := t.GetRequest(id)
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

func (t *stubTx) GetGrant(grantee types.Address, recordRef string) (types.GrantedAccess, error) {
	var g types.GrantedAccess
	err := t.get(&g, fmt.Sprintf("grant for '%s' on '%s'", grantee, recordRef), objGrant, string(grantee), recordRef)
	return g, err
}

func (t *stubTx) PutGrant(g types.GrantedAccess) error {
	return t.put(g, objGrant, string(g.Grantee), g.RecordRef)
}

func (t *stubTx) DeleteGrant(grantee types.Address, recordRef string) error {
	key, err := t.key(objGrant, string(grantee), recordRef)
	if err != nil {
		return err
	}
	return t.delete(key)
}

func (t *stubTx) GetEmergencyGrant(responder, patient types.Address) (types.EmergencyGrant, error) {
	var g types.EmergencyGrant
	err := t.get(&g, fmt.Sprintf("emergency grant for '%s' on '%s'", responder, patient), objEmergency, string(responder), string(patient))
	return g, err
}

func (t *stubTx) PutEmergencyGrant(g types.EmergencyGrant) error {
	return t.put(g, objEmergency, string(g.Responder), string(g.Patient))
}

func (t *stubTx) Balance(addr types.Address) (uint64, error) {
	var bal uint64
	err := t.get(&bal, "balance", objBalance, string(addr))
	if vaulterr.IsNotFoundError(err) {
		return 0, nil
	}
	return bal, err
}

func (t *stubTx) SetBalance(addr types.Address, amount uint64) error {
	return t.put(amount, objBalance, string(addr))
}

func (t *stubTx) LastAudit() (types.AuditEntry, bool, error) {
	n, err := t.counter(counterAudit)
	if err != nil || n == 0 {
		return types.AuditEntry{}, false, err
	}
	var e types.AuditEntry
	if err := t.get(&e, fmt.Sprintf("audit entry %d", n), objAudit, seqKey(n)); err != nil {
		return types.AuditEntry{}, false, err
	}
	return e, true, nil
}

func (t *stubTx) AppendAudit(e types.AuditEntry) error {
	if err := t.put(e, objAudit, seqKey(e.Seq)); err != nil {
		return err
	}
	return t.setCounter(objCounter, counterAudit, e.Seq)
}

func (t *stubTx) AuditEntries() iter.Seq2[types.AuditEntry, error] {
	return decodeAll[types.AuditEntry](t.scan(objAudit), "audit entry")
}

// printableKey replaces the composite key separators for error messages.
func printableKey(key string) string {
	return strings.ReplaceAll(strings.Trim(key, "\x00"), "\x00", "/")
}
