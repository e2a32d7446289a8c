package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

// Deposit is the orchestrator's record of funds taken in for a bridge
// request. GrossAmount is what the sender paid in, Fee is the protocol cut.
// CompletedAt and RefundedAt stay zero until the transfer settles.
type Deposit struct {
	RequestID   bridge.RequestID
	Sender      bridge.Address
	Recipient   bridge.Address
	Token       bridge.Address
	GrossAmount *big.Int
	Fee         *big.Int
	SourceChain bridge.ChainID
	TargetChain bridge.ChainID
	InitiatedAt time.Time
	CompletedAt time.Time
	RefundedAt  time.Time
}

func (d *Deposit) Executed() bool {
	return !d.CompletedAt.IsZero()
}

func (d *Deposit) Refunded() bool {
	return !d.RefundedAt.IsZero()
}

func (d *Deposit) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(d.RequestID[:])
	buf.Write(d.Sender[:])
	buf.Write(d.Recipient[:])
	buf.Write(d.Token[:])
	if err := writeBigInt(buf, d.GrossAmount); err != nil {
		return nil, fmt.Errorf("failed to marshal gross amount: %w", err)
	}
	if err := writeBigInt(buf, d.Fee); err != nil {
		return nil, fmt.Errorf("failed to marshal fee: %w", err)
	}
	bridge.MustWrite(buf, binary.BigEndian, uint16(d.SourceChain))
	bridge.MustWrite(buf, binary.BigEndian, uint16(d.TargetChain))
	bridge.MustWrite(buf, binary.BigEndian, uint32(d.InitiatedAt.Unix())) // #nosec G115 -- time does not overflow int32
	completedAt := uint32(0)
	if !d.CompletedAt.IsZero() {
		completedAt = uint32(d.CompletedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, completedAt)
	refundedAt := uint32(0)
	if !d.RefundedAt.IsZero() {
		refundedAt = uint32(d.RefundedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, refundedAt)
	return buf.Bytes(), nil
}

func UnmarshalDeposit(data []byte) (*Deposit, error) {
	if len(data) != 208 {
		return nil, fmt.Errorf("incorrect deposit length, should be 208, is %d", len(data))
	}

	d := &Deposit{}
	reader := bytes.NewReader(data)

	requestID := bridge.RequestID{}
	if n, err := reader.Read(requestID[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read request id [%d]: %w", n, err)
	}
	d.RequestID = requestID

	sender := bridge.Address{}
	if n, err := reader.Read(sender[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read sender [%d]: %w", n, err)
	}
	d.Sender = sender

	recipient := bridge.Address{}
	if n, err := reader.Read(recipient[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read recipient [%d]: %w", n, err)
	}
	d.Recipient = recipient

	token := bridge.Address{}
	if n, err := reader.Read(token[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read token [%d]: %w", n, err)
	}
	d.Token = token

	gross, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gross amount: %w", err)
	}
	d.GrossAmount = gross

	fee, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read fee: %w", err)
	}
	d.Fee = fee

	sourceChain := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &sourceChain); err != nil {
		return nil, fmt.Errorf("failed to read source chain: %w", err)
	}
	d.SourceChain = bridge.ChainID(sourceChain)

	targetChain := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &targetChain); err != nil {
		return nil, fmt.Errorf("failed to read target chain: %w", err)
	}
	d.TargetChain = bridge.ChainID(targetChain)

	initiatedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &initiatedAt); err != nil {
		return nil, fmt.Errorf("failed to read initiation time: %w", err)
	}
	d.InitiatedAt = time.Unix(int64(initiatedAt), 0)

	completedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &completedAt); err != nil {
		return nil, fmt.Errorf("failed to read completion time: %w", err)
	}
	if completedAt != 0 {
		d.CompletedAt = time.Unix(int64(completedAt), 0)
	}

	refundedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &refundedAt); err != nil {
		return nil, fmt.Errorf("failed to read refund time: %w", err)
	}
	if refundedAt != 0 {
		d.RefundedAt = time.Unix(int64(refundedAt), 0)
	}

	return d, nil
}

// OrchestratorState is everything the orchestrator persists.
type OrchestratorState struct {
	Deposits []*Deposit
	Sequence uint64
}

// OrchestratorDBInterface is the interface to the orchestrator's persisted
// state.
type OrchestratorDBInterface interface {
	StoreDeposit(d *Deposit) error
	StoreSequence(seq uint64) error
	LoadOrchestratorState() (*OrchestratorState, error)
}

// MockOrchestratorDB is a mock database for testing. It does not store
// anything.
type MockOrchestratorDB struct{}

func (d MockOrchestratorDB) StoreDeposit(dep *Deposit) error { return nil }
func (d MockOrchestratorDB) StoreSequence(seq uint64) error  { return nil }
func (d MockOrchestratorDB) LoadOrchestratorState() (*OrchestratorState, error) {
	return &OrchestratorState{}, nil
}

// OrchestratorDB is the badger-backed implementation of
// OrchestratorDBInterface.
type OrchestratorDB struct {
	db *badger.DB
}

func NewOrchestratorDB(dbConn *badger.DB) *OrchestratorDB {
	return &OrchestratorDB{db: dbConn}
}

const (
	depositPrefix  = "ORCH:DEPOSIT:V1:"
	sequenceKeyStr = "ORCH:SEQ:V1"
)

func (d *OrchestratorDB) StoreDeposit(dep *Deposit) error {
	b, err := dep.Marshal()
	if err != nil {
		return fmt.Errorf("%w: deposit %s: %v", ErrMarshal, dep.RequestID, err)
	}
	return update(d.db, depositKey(dep.RequestID), b)
}

func (d *OrchestratorDB) StoreSequence(seq uint64) error {
	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, seq)
	return update(d.db, []byte(sequenceKeyStr), buf.Bytes())
}

func (d *OrchestratorDB) LoadOrchestratorState() (*OrchestratorState, error) {
	state := &OrchestratorState{
		Deposits: []*Deposit{},
	}

	if err := loadPrefix(d.db, depositPrefix, func(key []byte, val []byte) error {
		dep, err := UnmarshalDeposit(val)
		if err != nil {
			return fmt.Errorf("%w: deposit %s: %v", ErrUnmarshal, key, err)
		}
		state.Deposits = append(state.Deposits, dep)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, sequenceKeyStr, func(key []byte, val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: sequence: incorrect length %d", ErrUnmarshal, len(val))
		}
		state.Sequence = binary.BigEndian.Uint64(val)
		return nil
	}); err != nil {
		return nil, err
	}

	return state, nil
}

func depositKey(id bridge.RequestID) []byte {
	return []byte(fmt.Sprintf("%v%s", depositPrefix, id))
}
