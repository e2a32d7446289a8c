package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

// ProofType identifies the class of fraud a proof alleges.
type ProofType uint8

const (
	ProofTypeNone ProofType = iota
	ProofTypeInvalidSignature
	ProofTypeDoubleSpending
	ProofTypeInvalidAmount
	ProofTypeInvalidToken
	ProofTypeReplayAttack
)

func (p ProofType) String() string {
	switch p {
	case ProofTypeNone:
		return "None"
	case ProofTypeInvalidSignature:
		return "InvalidSignature"
	case ProofTypeDoubleSpending:
		return "DoubleSpending"
	case ProofTypeInvalidAmount:
		return "InvalidAmount"
	case ProofTypeInvalidToken:
		return "InvalidToken"
	case ProofTypeReplayAttack:
		return "ReplayAttack"
	default:
		return fmt.Sprintf("unknown proof type: %d", uint8(p))
	}
}

// ProofVerdict is the outcome of verifying a proof. Pending means the proof
// has been submitted but not verified yet.
type ProofVerdict uint8

const (
	ProofVerdictPending ProofVerdict = iota
	ProofVerdictConfirmed
	ProofVerdictRejected
)

func (v ProofVerdict) String() string {
	switch v {
	case ProofVerdictPending:
		return "Pending"
	case ProofVerdictConfirmed:
		return "Confirmed"
	case ProofVerdictRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("unknown proof verdict: %d", uint8(v))
	}
}

// Proof is a submitted fraud proof together with its verdict. A proof is
// identified by the (request, type) pair, so the same request can accumulate
// proofs of different types but never two of the same type.
type Proof struct {
	RequestID   bridge.RequestID
	Type        ProofType
	Submitter   bridge.Address
	Evidence    []byte
	Verdict     ProofVerdict
	SubmittedAt time.Time
	VerifiedAt  time.Time
}

func (p *Proof) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(p.RequestID[:])
	bridge.MustWrite(buf, binary.BigEndian, uint8(p.Type))
	buf.Write(p.Submitter[:])
	bridge.MustWrite(buf, binary.BigEndian, uint8(p.Verdict))
	bridge.MustWrite(buf, binary.BigEndian, uint32(p.SubmittedAt.Unix())) // #nosec G115 -- time does not overflow int32
	verifiedAt := uint32(0)
	if !p.VerifiedAt.IsZero() {
		verifiedAt = uint32(p.VerifiedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, verifiedAt)
	if err := writeLenBytes(buf, p.Evidence); err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalProof(data []byte) (*Proof, error) {
	p := &Proof{}
	reader := bytes.NewReader(data)

	requestID := bridge.RequestID{}
	if n, err := reader.Read(requestID[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read request id [%d]: %w", n, err)
	}
	p.RequestID = requestID

	proofType := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &proofType); err != nil {
		return nil, fmt.Errorf("failed to read proof type: %w", err)
	}
	p.Type = ProofType(proofType)

	submitter := bridge.Address{}
	if n, err := reader.Read(submitter[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read submitter [%d]: %w", n, err)
	}
	p.Submitter = submitter

	verdict := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &verdict); err != nil {
		return nil, fmt.Errorf("failed to read verdict: %w", err)
	}
	p.Verdict = ProofVerdict(verdict)

	submittedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &submittedAt); err != nil {
		return nil, fmt.Errorf("failed to read submission time: %w", err)
	}
	p.SubmittedAt = time.Unix(int64(submittedAt), 0)

	verifiedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &verifiedAt); err != nil {
		return nil, fmt.Errorf("failed to read verification time: %w", err)
	}
	if verifiedAt != 0 {
		p.VerifiedAt = time.Unix(int64(verifiedAt), 0)
	}

	evidence, err := readLenBytes(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence: %w", err)
	}
	p.Evidence = evidence

	return p, nil
}

// TokenAuthorization records whether a token is authorized for bridging on a
// given chain.
type TokenAuthorization struct {
	Chain      bridge.ChainID
	Token      bridge.Address
	Authorized bool
}

func (t *TokenAuthorization) Marshal() []byte {
	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, uint16(t.Chain))
	buf.Write(t.Token[:])
	authorized := uint8(0)
	if t.Authorized {
		authorized = 1
	}
	bridge.MustWrite(buf, binary.BigEndian, authorized)
	return buf.Bytes()
}

func UnmarshalTokenAuthorization(data []byte) (*TokenAuthorization, error) {
	if len(data) != 35 {
		return nil, fmt.Errorf("incorrect token authorization length, should be 35, is %d", len(data))
	}

	t := &TokenAuthorization{}
	reader := bytes.NewReader(data)

	chain := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &chain); err != nil {
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}
	t.Chain = bridge.ChainID(chain)

	token := bridge.Address{}
	if n, err := reader.Read(token[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read token [%d]: %w", n, err)
	}
	t.Token = token

	authorized := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &authorized); err != nil {
		return nil, fmt.Errorf("failed to read authorization flag: %w", err)
	}
	t.Authorized = authorized != 0

	return t, nil
}

// StateRootEntry is the trusted state root of a source chain.
type StateRootEntry struct {
	Chain bridge.ChainID
	Root  common.Hash
}

func (r *StateRootEntry) Marshal() []byte {
	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, uint16(r.Chain))
	buf.Write(r.Root[:])
	return buf.Bytes()
}

func UnmarshalStateRootEntry(data []byte) (*StateRootEntry, error) {
	if len(data) != 34 {
		return nil, fmt.Errorf("incorrect state root length, should be 34, is %d", len(data))
	}

	r := &StateRootEntry{}
	reader := bytes.NewReader(data)

	chain := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &chain); err != nil {
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}
	r.Chain = bridge.ChainID(chain)

	root := common.Hash{}
	if n, err := reader.Read(root[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read root [%d]: %w", n, err)
	}
	r.Root = root

	return r, nil
}

// FraudState is everything the fraud proof engine persists.
type FraudState struct {
	Proofs      []*Proof
	Tokens      []*TokenAuthorization
	Roots       []*StateRootEntry
	NonceHashes []common.Hash
}

// FraudDBInterface is the interface to the fraud proof engine's persisted
// state.
type FraudDBInterface interface {
	StoreProof(p *Proof) error
	StoreTokenAuthorization(t *TokenAuthorization) error
	StoreStateRoot(r *StateRootEntry) error
	StoreUsedNonceHash(h common.Hash) error
	LoadFraudState() (*FraudState, error)
}

// MockFraudDB is a mock database for testing. It does not store anything.
type MockFraudDB struct{}

func (d MockFraudDB) StoreProof(p *Proof) error                           { return nil }
func (d MockFraudDB) StoreTokenAuthorization(t *TokenAuthorization) error { return nil }
func (d MockFraudDB) StoreStateRoot(r *StateRootEntry) error              { return nil }
func (d MockFraudDB) StoreUsedNonceHash(h common.Hash) error              { return nil }
func (d MockFraudDB) LoadFraudState() (*FraudState, error) {
	return &FraudState{}, nil
}

// FraudDB is the badger-backed implementation of FraudDBInterface.
type FraudDB struct {
	db *badger.DB
}

func NewFraudDB(dbConn *badger.DB) *FraudDB {
	return &FraudDB{db: dbConn}
}

const (
	proofPrefix     = "FRAUD:PROOF:V1:"
	tokenPrefix     = "FRAUD:TOKEN:V1:"
	rootPrefix      = "FRAUD:ROOT:V1:"
	nonceHashPrefix = "FRAUD:NONCEHASH:V1:"
)

func (d *FraudDB) StoreProof(p *Proof) error {
	b, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("%w: proof %s/%s: %v", ErrMarshal, p.RequestID, p.Type, err)
	}
	return update(d.db, proofKey(p.RequestID, p.Type), b)
}

func (d *FraudDB) StoreTokenAuthorization(t *TokenAuthorization) error {
	return update(d.db, tokenKey(t.Chain, t.Token), t.Marshal())
}

func (d *FraudDB) StoreStateRoot(r *StateRootEntry) error {
	return update(d.db, rootKey(r.Chain), r.Marshal())
}

func (d *FraudDB) StoreUsedNonceHash(h common.Hash) error {
	return update(d.db, nonceHashKey(h), h.Bytes())
}

func (d *FraudDB) LoadFraudState() (*FraudState, error) {
	state := &FraudState{
		Proofs:      []*Proof{},
		Tokens:      []*TokenAuthorization{},
		Roots:       []*StateRootEntry{},
		NonceHashes: []common.Hash{},
	}

	if err := loadPrefix(d.db, proofPrefix, func(key []byte, val []byte) error {
		p, err := UnmarshalProof(val)
		if err != nil {
			return fmt.Errorf("%w: proof %s: %v", ErrUnmarshal, key, err)
		}
		state.Proofs = append(state.Proofs, p)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, tokenPrefix, func(key []byte, val []byte) error {
		t, err := UnmarshalTokenAuthorization(val)
		if err != nil {
			return fmt.Errorf("%w: token authorization %s: %v", ErrUnmarshal, key, err)
		}
		state.Tokens = append(state.Tokens, t)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, rootPrefix, func(key []byte, val []byte) error {
		r, err := UnmarshalStateRootEntry(val)
		if err != nil {
			return fmt.Errorf("%w: state root %s: %v", ErrUnmarshal, key, err)
		}
		state.Roots = append(state.Roots, r)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, nonceHashPrefix, func(key []byte, val []byte) error {
		if len(val) != 32 {
			return fmt.Errorf("%w: nonce hash %s: incorrect length %d", ErrUnmarshal, key, len(val))
		}
		state.NonceHashes = append(state.NonceHashes, common.BytesToHash(val))
		return nil
	}); err != nil {
		return nil, err
	}

	return state, nil
}

func proofKey(id bridge.RequestID, proofType ProofType) []byte {
	return []byte(fmt.Sprintf("%v%s/%d", proofPrefix, id, uint8(proofType)))
}

func tokenKey(chain bridge.ChainID, token bridge.Address) []byte {
	return []byte(fmt.Sprintf("%v%d/%s", tokenPrefix, chain, token))
}

func rootKey(chain bridge.ChainID) []byte {
	return []byte(fmt.Sprintf("%v%d", rootPrefix, chain))
}

func nonceHashKey(h common.Hash) []byte {
	return []byte(fmt.Sprintf("%v%s", nonceHashPrefix, h.Hex()))
}
