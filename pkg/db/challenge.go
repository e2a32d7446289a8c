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

// RequestStatus tracks a bridge request through the challenge window. Every
// transition is one directional. Terminal statuses are Executed, Refunded
// and Cancelled.
type RequestStatus uint8

const (
	RequestStatusUnset RequestStatus = iota
	RequestStatusPending
	RequestStatusChallenged
	RequestStatusApproved
	RequestStatusExecuted
	RequestStatusRefunded
	RequestStatusCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestStatusUnset:
		return "Unset"
	case RequestStatusPending:
		return "Pending"
	case RequestStatusChallenged:
		return "Challenged"
	case RequestStatusApproved:
		return "Approved"
	case RequestStatusExecuted:
		return "Executed"
	case RequestStatusRefunded:
		return "Refunded"
	case RequestStatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("unknown request status: %d", uint8(s))
	}
}

// IsTerminal returns true if no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusExecuted || s == RequestStatusRefunded || s == RequestStatusCancelled
}

// BridgeRequest is a transfer moving through the challenge window, together
// with the challenge bookkeeping attached to it. Challenger, Bond,
// ChallengedAt and Reason stay zero until someone challenges.
type BridgeRequest struct {
	Message      *bridge.Message
	Status       RequestStatus
	SubmittedAt  time.Time
	Deadline     time.Time
	Challenger   bridge.Address
	Bond         *big.Int
	ChallengedAt time.Time
	Reason       string
}

func (r *BridgeRequest) RequestID() bridge.RequestID {
	return r.Message.RequestID
}

func (r *BridgeRequest) Marshal() ([]byte, error) {
	if r.Message == nil {
		return nil, fmt.Errorf("request has no message")
	}

	mb, err := r.Message.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, uint16(len(mb))) // #nosec G115 -- message wire size is fixed
	buf.Write(mb)
	bridge.MustWrite(buf, binary.BigEndian, uint8(r.Status))
	bridge.MustWrite(buf, binary.BigEndian, uint32(r.SubmittedAt.Unix())) // #nosec G115 -- time does not overflow int32
	bridge.MustWrite(buf, binary.BigEndian, uint32(r.Deadline.Unix()))    // #nosec G115 -- time does not overflow int32
	buf.Write(r.Challenger[:])
	if err := writeBigInt(buf, r.Bond); err != nil {
		return nil, fmt.Errorf("failed to marshal bond: %w", err)
	}
	challengedAt := uint32(0)
	if !r.ChallengedAt.IsZero() {
		challengedAt = uint32(r.ChallengedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, challengedAt)
	if err := writeLenString(buf, r.Reason); err != nil {
		return nil, fmt.Errorf("failed to marshal reason: %w", err)
	}

	return buf.Bytes(), nil
}

func UnmarshalBridgeRequest(data []byte) (*BridgeRequest, error) {
	r := &BridgeRequest{}
	reader := bytes.NewReader(data)

	msgLen := uint16(0)
	if err := binary.Read(reader, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}

	mb := make([]byte, msgLen)
	if n, err := reader.Read(mb); err != nil || n != int(msgLen) {
		return nil, fmt.Errorf("failed to read message [%d]: %w", n, err)
	}
	msg, err := bridge.Unmarshal(mb)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	r.Message = msg

	status := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &status); err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	r.Status = RequestStatus(status)

	submittedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &submittedAt); err != nil {
		return nil, fmt.Errorf("failed to read submission time: %w", err)
	}
	r.SubmittedAt = time.Unix(int64(submittedAt), 0)

	deadline := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &deadline); err != nil {
		return nil, fmt.Errorf("failed to read deadline: %w", err)
	}
	r.Deadline = time.Unix(int64(deadline), 0)

	challenger := bridge.Address{}
	if n, err := reader.Read(challenger[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read challenger [%d]: %w", n, err)
	}
	r.Challenger = challenger

	bond, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read bond: %w", err)
	}
	r.Bond = bond

	challengedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &challengedAt); err != nil {
		return nil, fmt.Errorf("failed to read challenge time: %w", err)
	}
	if challengedAt != 0 {
		r.ChallengedAt = time.Unix(int64(challengedAt), 0)
	}

	reason, err := readLenString(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read reason: %w", err)
	}
	r.Reason = reason

	return r, nil
}

// ChallengeDBInterface is the interface to the challenge window's persisted
// requests. Terminal requests are kept for the audit trail.
type ChallengeDBInterface interface {
	StoreBridgeRequest(r *BridgeRequest) error
	LoadBridgeRequests() ([]*BridgeRequest, error)
}

// MockChallengeDB is a mock database for testing. It does not store anything.
type MockChallengeDB struct{}

func (d MockChallengeDB) StoreBridgeRequest(r *BridgeRequest) error { return nil }
func (d MockChallengeDB) LoadBridgeRequests() ([]*BridgeRequest, error) {
	return []*BridgeRequest{}, nil
}

// ChallengeDB is the badger-backed implementation of ChallengeDBInterface.
type ChallengeDB struct {
	db *badger.DB
}

func NewChallengeDB(dbConn *badger.DB) *ChallengeDB {
	return &ChallengeDB{db: dbConn}
}

const requestPrefix = "CHALLENGE:REQUEST:V1:"

func (d *ChallengeDB) StoreBridgeRequest(r *BridgeRequest) error {
	b, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("%w: request %s: %v", ErrMarshal, r.RequestID(), err)
	}
	return update(d.db, requestKey(r.RequestID()), b)
}

func (d *ChallengeDB) LoadBridgeRequests() ([]*BridgeRequest, error) {
	requests := []*BridgeRequest{}

	if err := loadPrefix(d.db, requestPrefix, func(key []byte, val []byte) error {
		r, err := UnmarshalBridgeRequest(val)
		if err != nil {
			return fmt.Errorf("%w: request %s: %v", ErrUnmarshal, key, err)
		}
		requests = append(requests, r)
		return nil
	}); err != nil {
		return nil, err
	}

	return requests, nil
}

func requestKey(id bridge.RequestID) []byte {
	return []byte(fmt.Sprintf("%v%s", requestPrefix, id))
}
