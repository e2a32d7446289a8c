package db

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

// ValidatorDBInterface is the interface to the validator's persisted state.
// The validator rebuilds its signer set history and nonce ledger from here
// on startup.
type ValidatorDBInterface interface {
	StoreSignerSet(s *bridge.SignerSet) error
	StoreNonce(n *NonceEntry) error
	LoadValidatorState() (*ValidatorState, error)
}

// MockValidatorDB is a mock database for testing. It does not store anything.
type MockValidatorDB struct{}

func (d MockValidatorDB) StoreSignerSet(s *bridge.SignerSet) error { return nil }
func (d MockValidatorDB) StoreNonce(n *NonceEntry) error           { return nil }
func (d MockValidatorDB) LoadValidatorState() (*ValidatorState, error) {
	return &ValidatorState{}, nil
}

// ValidatorDB is the badger-backed implementation of ValidatorDBInterface.
type ValidatorDB struct {
	db *badger.DB
}

func NewValidatorDB(dbConn *badger.DB) *ValidatorDB {
	return &ValidatorDB{db: dbConn}
}

const (
	signerSetPrefix = "VALIDATOR:SET:V1:"
	noncePrefix     = "VALIDATOR:NONCE:V1:"
)

// NonceEntry records a consumed (sender, nonce) pair. Entries are append
// only and never deleted.
type NonceEntry struct {
	Sender bridge.Address
	Nonce  uint64
}

func (n *NonceEntry) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(n.Sender[:])
	bridge.MustWrite(buf, binary.BigEndian, n.Nonce)
	return buf.Bytes()
}

func UnmarshalNonceEntry(data []byte) (*NonceEntry, error) {
	if len(data) != 40 {
		return nil, fmt.Errorf("incorrect nonce entry length, should be 40, is %d", len(data))
	}

	n := &NonceEntry{}
	reader := bytes.NewReader(data)

	sender := bridge.Address{}
	if num, err := reader.Read(sender[:]); err != nil || num != 32 {
		return nil, fmt.Errorf("failed to read sender [%d]: %w", num, err)
	}
	n.Sender = sender

	if err := binary.Read(reader, binary.BigEndian, &n.Nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	return n, nil
}

// ValidatorState is everything the validator persists.
type ValidatorState struct {
	SignerSets []*bridge.SignerSet
	Nonces     []*NonceEntry
}

func (d *ValidatorDB) StoreSignerSet(s *bridge.SignerSet) error {
	b := s.Marshal()
	return update(d.db, signerSetKey(s.Index), b)
}

func (d *ValidatorDB) StoreNonce(n *NonceEntry) error {
	return update(d.db, nonceKey(n.Sender, n.Nonce), n.Marshal())
}

func (d *ValidatorDB) LoadValidatorState() (*ValidatorState, error) {
	state := &ValidatorState{
		SignerSets: []*bridge.SignerSet{},
		Nonces:     []*NonceEntry{},
	}

	if err := loadPrefix(d.db, signerSetPrefix, func(key []byte, val []byte) error {
		s, err := bridge.UnmarshalSignerSet(val)
		if err != nil {
			return fmt.Errorf("%w: signer set %s: %v", ErrUnmarshal, key, err)
		}
		state.SignerSets = append(state.SignerSets, s)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, noncePrefix, func(key []byte, val []byte) error {
		n, err := UnmarshalNonceEntry(val)
		if err != nil {
			return fmt.Errorf("%w: nonce entry %s: %v", ErrUnmarshal, key, err)
		}
		state.Nonces = append(state.Nonces, n)
		return nil
	}); err != nil {
		return nil, err
	}

	return state, nil
}

func signerSetKey(index uint32) []byte {
	return []byte(fmt.Sprintf("%v%010d", signerSetPrefix, index))
}

func nonceKey(sender bridge.Address, nonce uint64) []byte {
	return []byte(fmt.Sprintf("%v%s/%d", noncePrefix, sender, nonce))
}
