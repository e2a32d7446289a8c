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

// ProposalAction identifies what a council proposal does when it executes.
type ProposalAction uint8

const (
	ProposalActionNone ProposalAction = iota
	ProposalActionBlacklist
	ProposalActionWhitelist
	ProposalActionPause
	ProposalActionUnpause
	ProposalActionAddGuardian
	ProposalActionRemoveGuardian
	ProposalActionUpdateThreshold
)

func (a ProposalAction) String() string {
	switch a {
	case ProposalActionNone:
		return "None"
	case ProposalActionBlacklist:
		return "Blacklist"
	case ProposalActionWhitelist:
		return "Whitelist"
	case ProposalActionPause:
		return "Pause"
	case ProposalActionUnpause:
		return "Unpause"
	case ProposalActionAddGuardian:
		return "AddGuardian"
	case ProposalActionRemoveGuardian:
		return "RemoveGuardian"
	case ProposalActionUpdateThreshold:
		return "UpdateThreshold"
	default:
		return fmt.Sprintf("unknown proposal action: %d", uint8(a))
	}
}

// ProposalStatus tracks a proposal's lifecycle. Reaching the approval
// threshold flips a proposal to Approved; execution is a separate step.
// Expiry is a property of time, not a stored status.
type ProposalStatus uint8

const (
	ProposalStatusUnset ProposalStatus = iota
	ProposalStatusPending
	ProposalStatusApproved
	ProposalStatusExecuted
	ProposalStatusCancelled
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalStatusUnset:
		return "Unset"
	case ProposalStatusPending:
		return "Pending"
	case ProposalStatusApproved:
		return "Approved"
	case ProposalStatusExecuted:
		return "Executed"
	case ProposalStatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("unknown proposal status: %d", uint8(s))
	}
}

// Proposal is a council action awaiting approvals. Target carries the subject
// address. Guardian targets are stored left padded. Value carries the new
// threshold for UpdateThreshold proposals and is zero otherwise.
type Proposal struct {
	ID         uint64
	Action     ProposalAction
	Proposer   common.Address
	Target     bridge.Address
	Value      uint64
	Approvals  []common.Address
	Status     ProposalStatus
	CreatedAt  time.Time
	ExecutedAt time.Time
}

func (p *Proposal) Marshal() ([]byte, error) {
	if len(p.Approvals) > 255 {
		return nil, fmt.Errorf("too many approvals: %d", len(p.Approvals))
	}

	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, p.ID)
	bridge.MustWrite(buf, binary.BigEndian, uint8(p.Action))
	buf.Write(p.Proposer[:])
	buf.Write(p.Target[:])
	bridge.MustWrite(buf, binary.BigEndian, p.Value)
	bridge.MustWrite(buf, binary.BigEndian, uint8(p.Status))
	bridge.MustWrite(buf, binary.BigEndian, uint32(p.CreatedAt.Unix())) // #nosec G115 -- time does not overflow int32
	executedAt := uint32(0)
	if !p.ExecutedAt.IsZero() {
		executedAt = uint32(p.ExecutedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, executedAt)
	bridge.MustWrite(buf, binary.BigEndian, uint8(len(p.Approvals))) // #nosec G115 -- count bounded above
	for _, a := range p.Approvals {
		buf.Write(a[:])
	}
	return buf.Bytes(), nil
}

func UnmarshalProposal(data []byte) (*Proposal, error) {
	p := &Proposal{}
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &p.ID); err != nil {
		return nil, fmt.Errorf("failed to read id: %w", err)
	}

	action := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &action); err != nil {
		return nil, fmt.Errorf("failed to read action: %w", err)
	}
	p.Action = ProposalAction(action)

	proposer := common.Address{}
	if n, err := reader.Read(proposer[:]); err != nil || n != 20 {
		return nil, fmt.Errorf("failed to read proposer [%d]: %w", n, err)
	}
	p.Proposer = proposer

	target := bridge.Address{}
	if n, err := reader.Read(target[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read target [%d]: %w", n, err)
	}
	p.Target = target

	if err := binary.Read(reader, binary.BigEndian, &p.Value); err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}

	status := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &status); err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	p.Status = ProposalStatus(status)

	createdAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to read creation time: %w", err)
	}
	p.CreatedAt = time.Unix(int64(createdAt), 0)

	executedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &executedAt); err != nil {
		return nil, fmt.Errorf("failed to read execution time: %w", err)
	}
	if executedAt != 0 {
		p.ExecutedAt = time.Unix(int64(executedAt), 0)
	}

	count := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read approval count: %w", err)
	}
	p.Approvals = make([]common.Address, count)
	for i := 0; i < int(count); i++ {
		addr := common.Address{}
		if n, err := reader.Read(addr[:]); err != nil || n != 20 {
			return nil, fmt.Errorf("failed to read approval %d [%d]: %w", i, n, err)
		}
		p.Approvals[i] = addr
	}

	return p, nil
}

// CouncilState is the council's roster and pause flag, written on every
// change. NextProposalID survives restarts so proposal ids are never reused.
type CouncilState struct {
	Guardians      []common.Address
	Threshold      int
	Paused         bool
	PausedBy       common.Address
	PausedAt       time.Time
	PauseReason    string
	NextProposalID uint64
}

func (s *CouncilState) Marshal() ([]byte, error) {
	if len(s.Guardians) > 255 {
		return nil, fmt.Errorf("too many guardians: %d", len(s.Guardians))
	}
	if s.Threshold < 0 || s.Threshold > 255 {
		return nil, fmt.Errorf("threshold out of range: %d", s.Threshold)
	}

	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, uint8(len(s.Guardians))) // #nosec G115 -- count bounded above
	for _, g := range s.Guardians {
		buf.Write(g[:])
	}
	bridge.MustWrite(buf, binary.BigEndian, uint8(s.Threshold)) // #nosec G115 -- range checked above
	paused := uint8(0)
	if s.Paused {
		paused = 1
	}
	bridge.MustWrite(buf, binary.BigEndian, paused)
	buf.Write(s.PausedBy[:])
	pausedAt := uint32(0)
	if !s.PausedAt.IsZero() {
		pausedAt = uint32(s.PausedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, pausedAt)
	if err := writeLenString(buf, s.PauseReason); err != nil {
		return nil, fmt.Errorf("failed to marshal pause reason: %w", err)
	}
	bridge.MustWrite(buf, binary.BigEndian, s.NextProposalID)
	return buf.Bytes(), nil
}

func UnmarshalCouncilState(data []byte) (*CouncilState, error) {
	s := &CouncilState{}
	reader := bytes.NewReader(data)

	count := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read guardian count: %w", err)
	}
	s.Guardians = make([]common.Address, count)
	for i := 0; i < int(count); i++ {
		addr := common.Address{}
		if n, err := reader.Read(addr[:]); err != nil || n != 20 {
			return nil, fmt.Errorf("failed to read guardian %d [%d]: %w", i, n, err)
		}
		s.Guardians[i] = addr
	}

	threshold := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &threshold); err != nil {
		return nil, fmt.Errorf("failed to read threshold: %w", err)
	}
	s.Threshold = int(threshold)

	paused := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &paused); err != nil {
		return nil, fmt.Errorf("failed to read paused flag: %w", err)
	}
	s.Paused = paused != 0

	pausedBy := common.Address{}
	if n, err := reader.Read(pausedBy[:]); err != nil || n != 20 {
		return nil, fmt.Errorf("failed to read pauser [%d]: %w", n, err)
	}
	s.PausedBy = pausedBy

	pausedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &pausedAt); err != nil {
		return nil, fmt.Errorf("failed to read pause time: %w", err)
	}
	if pausedAt != 0 {
		s.PausedAt = time.Unix(int64(pausedAt), 0)
	}

	reason, err := readLenString(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read pause reason: %w", err)
	}
	s.PauseReason = reason

	if err := binary.Read(reader, binary.BigEndian, &s.NextProposalID); err != nil {
		return nil, fmt.Errorf("failed to read next proposal id: %w", err)
	}

	return s, nil
}

// BlacklistEntry marks an address as blocked from initiating transfers.
// Whitelisting flips Blocked to false rather than deleting the entry, which
// keeps the history of past blacklistings.
type BlacklistEntry struct {
	Address bridge.Address
	Blocked bool
}

func (e *BlacklistEntry) Marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(e.Address[:])
	blocked := uint8(0)
	if e.Blocked {
		blocked = 1
	}
	bridge.MustWrite(buf, binary.BigEndian, blocked)
	return buf.Bytes()
}

func UnmarshalBlacklistEntry(data []byte) (*BlacklistEntry, error) {
	if len(data) != 33 {
		return nil, fmt.Errorf("incorrect blacklist entry length, should be 33, is %d", len(data))
	}

	e := &BlacklistEntry{}
	reader := bytes.NewReader(data)

	addr := bridge.Address{}
	if n, err := reader.Read(addr[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read address [%d]: %w", n, err)
	}
	e.Address = addr

	blocked := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &blocked); err != nil {
		return nil, fmt.Errorf("failed to read blocked flag: %w", err)
	}
	e.Blocked = blocked != 0

	return e, nil
}

// CouncilLoadResult is everything the council persists.
type CouncilLoadResult struct {
	State     *CouncilState
	Proposals []*Proposal
	Blacklist []*BlacklistEntry
}

// CouncilDBInterface is the interface to the council's persisted state.
type CouncilDBInterface interface {
	StoreProposal(p *Proposal) error
	StoreCouncilState(s *CouncilState) error
	StoreBlacklistEntry(e *BlacklistEntry) error
	LoadCouncilState() (*CouncilLoadResult, error)
}

// MockCouncilDB is a mock database for testing. It does not store anything.
type MockCouncilDB struct{}

func (d MockCouncilDB) StoreProposal(p *Proposal) error             { return nil }
func (d MockCouncilDB) StoreCouncilState(s *CouncilState) error     { return nil }
func (d MockCouncilDB) StoreBlacklistEntry(e *BlacklistEntry) error { return nil }
func (d MockCouncilDB) LoadCouncilState() (*CouncilLoadResult, error) {
	return &CouncilLoadResult{}, nil
}

// CouncilDB is the badger-backed implementation of CouncilDBInterface.
type CouncilDB struct {
	db *badger.DB
}

func NewCouncilDB(dbConn *badger.DB) *CouncilDB {
	return &CouncilDB{db: dbConn}
}

const (
	proposalPrefix     = "COUNCIL:PROPOSAL:V1:"
	blacklistPrefix    = "COUNCIL:BLACKLIST:V1:"
	councilStateKeyStr = "COUNCIL:STATE:V1"
)

func (d *CouncilDB) StoreProposal(p *Proposal) error {
	b, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("%w: proposal %d: %v", ErrMarshal, p.ID, err)
	}
	return update(d.db, proposalKey(p.ID), b)
}

func (d *CouncilDB) StoreCouncilState(s *CouncilState) error {
	b, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("%w: council state: %v", ErrMarshal, err)
	}
	return update(d.db, []byte(councilStateKeyStr), b)
}

func (d *CouncilDB) StoreBlacklistEntry(e *BlacklistEntry) error {
	return update(d.db, blacklistKey(e.Address), e.Marshal())
}

func (d *CouncilDB) LoadCouncilState() (*CouncilLoadResult, error) {
	result := &CouncilLoadResult{
		Proposals: []*Proposal{},
		Blacklist: []*BlacklistEntry{},
	}

	if err := loadPrefix(d.db, councilStateKeyStr, func(key []byte, val []byte) error {
		s, err := UnmarshalCouncilState(val)
		if err != nil {
			return fmt.Errorf("%w: council state: %v", ErrUnmarshal, err)
		}
		result.State = s
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, proposalPrefix, func(key []byte, val []byte) error {
		p, err := UnmarshalProposal(val)
		if err != nil {
			return fmt.Errorf("%w: proposal %s: %v", ErrUnmarshal, key, err)
		}
		result.Proposals = append(result.Proposals, p)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, blacklistPrefix, func(key []byte, val []byte) error {
		e, err := UnmarshalBlacklistEntry(val)
		if err != nil {
			return fmt.Errorf("%w: blacklist entry %s: %v", ErrUnmarshal, key, err)
		}
		result.Blacklist = append(result.Blacklist, e)
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func proposalKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%v%020d", proposalPrefix, id))
}

func blacklistKey(addr bridge.Address) []byte {
	return []byte(fmt.Sprintf("%v%s", blacklistPrefix, addr))
}
