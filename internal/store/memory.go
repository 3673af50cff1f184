package store

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sync"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

type grantKey struct {
	grantee   types.Address
	recordRef string
}

type emergencyKey struct {
	responder types.Address
	patient   types.Address
}

type memState struct {
	users          map[types.Address]types.User
	records        map[string]types.Record
	recordsByOwner map[types.Address][]string
	requests       map[string]types.PermissionRequest
	requestsOrder  []string
	grants         map[grantKey]types.GrantedAccess
	emergency      map[emergencyKey]types.EmergencyGrant
	balances       map[types.Address]uint64
	audit          []types.AuditEntry
}

func newMemState() *memState {
	return &memState{
		users:          make(map[types.Address]types.User),
		records:        make(map[string]types.Record),
		recordsByOwner: make(map[types.Address][]string),
		requests:       make(map[string]types.PermissionRequest),
		grants:         make(map[grantKey]types.GrantedAccess),
		emergency:      make(map[emergencyKey]types.EmergencyGrant),
		balances:       make(map[types.Address]uint64),
	}
}

// clone copies the maps and index slices. Values are stored by value and never mutated in
// place, so a shallow copy of each container is enough for rollback.
func (s *memState) clone() *memState {
	c := &memState{
		users:          maps.Clone(s.users),
		records:        maps.Clone(s.records),
		recordsByOwner: make(map[types.Address][]string, len(s.recordsByOwner)),
		requests:       maps.Clone(s.requests),
		requestsOrder:  s.requestsOrder[:len(s.requestsOrder):len(s.requestsOrder)],
		grants:         maps.Clone(s.grants),
		emergency:      maps.Clone(s.emergency),
		balances:       maps.Clone(s.balances),
		audit:          s.audit[:len(s.audit):len(s.audit)],
	}
	for k, v := range s.recordsByOwner {
		c.recordsByOwner[k] = v[:len(v):len(v)]
	}
	return c
}

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{s: m.state})
}

// Update runs fn against a private copy of the state and publishes it only if fn succeeds.
func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{s: next, writable: true}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	s        *memState
	writable bool
}

func (t *memTx) checkWritable() error {
	if !t.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	return nil
}

func (t *memTx) GetUser(addr types.Address) (types.User, error) {
	u, ok := t.s.users[addr]
	if !ok {
		return types.User{}, fmt.Errorf("%w: user '%s'", vaulterr.ErrNotFound, addr)
	}
	return u, nil
}

func (t *memTx) PutUser(u types.User) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.s.users[u.Address] = u
	return nil
}

func (t *memTx) GetRecord(id string) (types.Record, error) {
	r, ok := t.s.records[id]
	if !ok {
		return types.Record{}, fmt.Errorf("%w: record '%s'", vaulterr.ErrNotFound, id)
	}
	return r, nil
}

func (t *memTx) PutRecord(r types.Record) (types.Record, error) {
	if err := t.checkWritable(); err != nil {
		return types.Record{}, err
	}
	if existing, ok := t.s.records[r.ID]; ok {
		r.Seq = existing.Seq
	} else {
		ids := t.s.recordsByOwner[r.Owner]
		r.Seq = uint64(len(ids)) + 1
		t.s.recordsByOwner[r.Owner] = append(ids, r.ID)
	}
	t.s.records[r.ID] = r
	return r, nil
}

func (t *memTx) RecordsByOwner(owner types.Address) iter.Seq2[types.Record, error] {
	ids := t.s.recordsByOwner[owner]
	return func(yield func(types.Record, error) bool) {
		for _, id := range ids {
			if !yield(t.s.records[id], nil) {
				return
			}
		}
	}
}

func (t *memTx) GetRequest(id string) (types.PermissionRequest, error) {
	r, ok := t.s.requests[id]
	if !ok {
		return types.PermissionRequest{}, fmt.Errorf("%w: request '%s'", vaulterr.ErrNotFound, id)
	}
	return r, nil
}

func (t *memTx) PutRequest(r types.PermissionRequest) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.s.requests[r.ID]; !ok {
		t.s.requestsOrder = append(t.s.requestsOrder, r.ID)
	}
	t.s.requests[r.ID] = r
	return nil
}

func (t *memTx) RequestsByOwner(owner types.Address) iter.Seq2[types.PermissionRequest, error] {
	order := t.s.requestsOrder
	return func(yield func(types.PermissionRequest, error) bool) {
		for _, id := range order {
			r := t.s.requests[id]
			if r.Owner != owner {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (t *memTx) GetGrant(grantee types.Address, recordRef string) (types.GrantedAccess, error) {
	g, ok := t.s.grants[grantKey{grantee, recordRef}]
	if !ok {
		return types.GrantedAccess{}, fmt.Errorf("%w: grant for '%s' on '%s'", vaulterr.ErrNotFound, grantee, recordRef)
	}
	return g, nil
}

func (t *memTx) PutGrant(g types.GrantedAccess) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.s.grants[grantKey{g.Grantee, g.RecordRef}] = g
	return nil
}

func (t *memTx) DeleteGrant(grantee types.Address, recordRef string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.s.grants, grantKey{grantee, recordRef})
	return nil
}

func (t *memTx) GetEmergencyGrant(responder, patient types.Address) (types.EmergencyGrant, error) {
	g, ok := t.s.emergency[emergencyKey{responder, patient}]
	if !ok {
		return types.EmergencyGrant{}, fmt.Errorf("%w: emergency grant for '%s' on '%s'", vaulterr.ErrNotFound, responder, patient)
	}
	return g, nil
}

func (t *memTx) PutEmergencyGrant(g types.EmergencyGrant) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.s.emergency[emergencyKey{g.Responder, g.Patient}] = g
	return nil
}

func (t *memTx) Balance(addr types.Address) (uint64, error) {
	return t.s.balances[addr], nil
}

func (t *memTx) SetBalance(addr types.Address, amount uint64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.s.balances[addr] = amount
	return nil
}

func (t *memTx) LastAudit() (types.AuditEntry, bool, error) {
	if len(t.s.audit) == 0 {
		return types.AuditEntry{}, false, nil
	}
	return t.s.audit[len(t.s.audit)-1], true, nil
}

func (t *memTx) AppendAudit(e types.AuditEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.s.audit = append(t.s.audit, e)
	return nil
}

func (t *memTx) AuditEntries() iter.Seq2[types.AuditEntry, error] {
	entries := t.s.audit
	return func(yield func(types.AuditEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
