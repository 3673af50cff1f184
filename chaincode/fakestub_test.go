package chaincode

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/stretchr/testify/mock"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MockTransactionContext provides a mock transaction context for testing
type MockTransactionContext struct {
	mock.Mock
}

func (m *MockTransactionContext) GetStub() shim.ChaincodeStubInterface {
	args := m.Called()
	return args.Get(0).(shim.ChaincodeStubInterface)
}

func (m *MockTransactionContext) GetClientIdentity() cid.ClientIdentity {
	args := m.Called()
	return args.Get(0).(cid.ClientIdentity)
}

// MockClientIdentity provides a mock client identity for testing
type MockClientIdentity struct {
	cid.ClientIdentity
	mock.Mock
}

func (m *MockClientIdentity) GetID() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

// fakeStub is an in-memory world state. Writes commit immediately, so each contract call
// behaves like its own committed transaction.
type fakeStub struct {
	shim.ChaincodeStubInterface
	state    map[string][]byte
	events   map[string][]byte
	txID     string
	txTime   time.Time
	txCount  int
	putCalls int
	failPut  error
}

func newFakeStub(start time.Time) *fakeStub {
	return &fakeStub{
		state:  make(map[string][]byte),
		events: make(map[string][]byte),
		txTime: start,
	}
}

// nextTx starts a new transaction d after the previous one.
func (s *fakeStub) nextTx(d time.Duration) {
	s.txCount++
	s.txID = fmt.Sprintf("tx%04d", s.txCount)
	s.txTime = s.txTime.Add(d)
}

func (s *fakeStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	var b strings.Builder
	b.WriteString("\x00" + objectType + "\x00")
	for _, a := range attributes {
		if strings.ContainsRune(a, 0) {
			return "", fmt.Errorf("attribute %q contains a null byte", a)
		}
		b.WriteString(a + "\x00")
	}
	return b.String(), nil
}

func (s *fakeStub) GetState(key string) ([]byte, error) {
	return s.state[key], nil
}

func (s *fakeStub) PutState(key string, value []byte) error {
	s.putCalls++
	if s.failPut != nil {
		return s.failPut
	}
	s.state[key] = value
	return nil
}

func (s *fakeStub) DelState(key string) error {
	delete(s.state, key)
	return nil
}

func (s *fakeStub) GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	prefix, err := s.CreateCompositeKey(objectType, keys)
	if err != nil {
		return nil, err
	}
	it := &kvIterator{}
	for _, k := range slices.Sorted(maps.Keys(s.state)) {
		if strings.HasPrefix(k, prefix) {
			it.results = append(it.results, &queryresult.KV{Key: k, Value: s.state[k]})
		}
	}
	return it, nil
}

func (s *fakeStub) GetTxID() string { return s.txID }

func (s *fakeStub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	return timestamppb.New(s.txTime), nil
}

func (s *fakeStub) SetEvent(name string, payload []byte) error {
	s.events[name] = payload
	return nil
}

type kvIterator struct {
	results []*queryresult.KV
	index   int
}

func (it *kvIterator) HasNext() bool { return it.index < len(it.results) }

func (it *kvIterator) Next() (*queryresult.KV, error) {
	if it.index >= len(it.results) {
		return nil, fmt.Errorf("no more results")
	}
	kv := it.results[it.index]
	it.index++
	return kv, nil
}

func (it *kvIterator) Close() error { return nil }

// as returns a transaction context for caller over stub, on a fresh transaction.
func as(stub *fakeStub, caller string) *MockTransactionContext {
	stub.nextTx(time.Second)
	identity := new(MockClientIdentity)
	identity.On("GetID").Return(caller, nil)
	ctx := new(MockTransactionContext)
	ctx.On("GetStub").Return(stub)
	ctx.On("GetClientIdentity").Return(identity)
	return ctx
}
