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

// WindowKind distinguishes the governor's rolling volume windows.
type WindowKind uint8

const (
	WindowHourly WindowKind = iota
	WindowDaily
)

func (k WindowKind) String() string {
	switch k {
	case WindowHourly:
		return "hourly"
	case WindowDaily:
		return "daily"
	default:
		return fmt.Sprintf("unknown window kind: %d", uint8(k))
	}
}

// VolumeTransfer is a single transfer counted against the volume windows.
// USDValue is scaled by 1e18.
type VolumeTransfer struct {
	RequestID bridge.RequestID
	Token     bridge.Address
	Amount    *big.Int
	USDValue  *big.Int
	Timestamp time.Time
}

func (t *VolumeTransfer) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(t.RequestID[:])
	buf.Write(t.Token[:])
	if err := writeBigInt(buf, t.Amount); err != nil {
		return nil, fmt.Errorf("failed to marshal amount: %w", err)
	}
	if err := writeBigInt(buf, t.USDValue); err != nil {
		return nil, fmt.Errorf("failed to marshal usd value: %w", err)
	}
	bridge.MustWrite(buf, binary.BigEndian, uint32(t.Timestamp.Unix())) // #nosec G115 -- time does not overflow int32
	return buf.Bytes(), nil
}

func UnmarshalVolumeTransfer(data []byte) (*VolumeTransfer, error) {
	if len(data) != 132 {
		return nil, fmt.Errorf("incorrect volume transfer length, should be 132, is %d", len(data))
	}

	t := &VolumeTransfer{}
	reader := bytes.NewReader(data)

	requestID := bridge.RequestID{}
	if n, err := reader.Read(requestID[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read request id [%d]: %w", n, err)
	}
	t.RequestID = requestID

	token := bridge.Address{}
	if n, err := reader.Read(token[:]); err != nil || n != 32 {
		return nil, fmt.Errorf("failed to read token [%d]: %w", n, err)
	}
	t.Token = token

	amount, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	t.Amount = amount

	usd, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read usd value: %w", err)
	}
	t.USDValue = usd

	timestamp := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("failed to read timestamp: %w", err)
	}
	t.Timestamp = time.Unix(int64(timestamp), 0)

	return t, nil
}

// WindowSnapshot is the running total of one volume window, written on every
// change so the governor can pick up where it left off after a restart.
type WindowSnapshot struct {
	Kind     WindowKind
	Start    time.Time
	USDValue *big.Int
	Count    uint32
}

func (w *WindowSnapshot) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	bridge.MustWrite(buf, binary.BigEndian, uint8(w.Kind))
	start := uint32(0)
	if !w.Start.IsZero() {
		start = uint32(w.Start.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, start)
	if err := writeBigInt(buf, w.USDValue); err != nil {
		return nil, fmt.Errorf("failed to marshal usd value: %w", err)
	}
	bridge.MustWrite(buf, binary.BigEndian, w.Count)
	return buf.Bytes(), nil
}

func UnmarshalWindowSnapshot(data []byte) (*WindowSnapshot, error) {
	if len(data) != 41 {
		return nil, fmt.Errorf("incorrect window snapshot length, should be 41, is %d", len(data))
	}

	w := &WindowSnapshot{}
	reader := bytes.NewReader(data)

	kind := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &kind); err != nil {
		return nil, fmt.Errorf("failed to read window kind: %w", err)
	}
	w.Kind = WindowKind(kind)

	start := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &start); err != nil {
		return nil, fmt.Errorf("failed to read window start: %w", err)
	}
	if start != 0 {
		w.Start = time.Unix(int64(start), 0)
	}

	usd, err := readBigInt(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read usd value: %w", err)
	}
	w.USDValue = usd

	if err := binary.Read(reader, binary.BigEndian, &w.Count); err != nil {
		return nil, fmt.Errorf("failed to read count: %w", err)
	}

	return w, nil
}

// GovernorFlags is the governor's latched pause state. The flag survives a
// restart so an automatic pause is never cleared by crashing.
type GovernorFlags struct {
	Paused   bool
	PausedAt time.Time
	Reason   string
}

func (f *GovernorFlags) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	paused := uint8(0)
	if f.Paused {
		paused = 1
	}
	bridge.MustWrite(buf, binary.BigEndian, paused)
	pausedAt := uint32(0)
	if !f.PausedAt.IsZero() {
		pausedAt = uint32(f.PausedAt.Unix()) // #nosec G115 -- time does not overflow int32
	}
	bridge.MustWrite(buf, binary.BigEndian, pausedAt)
	if err := writeLenString(buf, f.Reason); err != nil {
		return nil, fmt.Errorf("failed to marshal reason: %w", err)
	}
	return buf.Bytes(), nil
}

func UnmarshalGovernorFlags(data []byte) (*GovernorFlags, error) {
	f := &GovernorFlags{}
	reader := bytes.NewReader(data)

	paused := uint8(0)
	if err := binary.Read(reader, binary.BigEndian, &paused); err != nil {
		return nil, fmt.Errorf("failed to read paused flag: %w", err)
	}
	f.Paused = paused != 0

	pausedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &pausedAt); err != nil {
		return nil, fmt.Errorf("failed to read pause time: %w", err)
	}
	if pausedAt != 0 {
		f.PausedAt = time.Unix(int64(pausedAt), 0)
	}

	reason, err := readLenString(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read reason: %w", err)
	}
	f.Reason = reason

	return f, nil
}

// GovernorState is everything the governor persists.
type GovernorState struct {
	Transfers []*VolumeTransfer
	Windows   []*WindowSnapshot
	Flags     *GovernorFlags
}

// GovernorDBInterface is the interface to the governor's persisted state.
type GovernorDBInterface interface {
	StoreVolumeTransfer(t *VolumeTransfer) error
	DeleteVolumeTransfer(t *VolumeTransfer) error
	StoreWindowSnapshot(w *WindowSnapshot) error
	StoreGovernorFlags(f *GovernorFlags) error
	LoadGovernorState() (*GovernorState, error)
}

// MockGovernorDB is a mock database for testing. It does not store anything.
type MockGovernorDB struct{}

func (d MockGovernorDB) StoreVolumeTransfer(t *VolumeTransfer) error  { return nil }
func (d MockGovernorDB) DeleteVolumeTransfer(t *VolumeTransfer) error { return nil }
func (d MockGovernorDB) StoreWindowSnapshot(w *WindowSnapshot) error  { return nil }
func (d MockGovernorDB) StoreGovernorFlags(f *GovernorFlags) error    { return nil }
func (d MockGovernorDB) LoadGovernorState() (*GovernorState, error) {
	return &GovernorState{}, nil
}

// GovernorDB is the badger-backed implementation of GovernorDBInterface.
type GovernorDB struct {
	db *badger.DB
}

func NewGovernorDB(dbConn *badger.DB) *GovernorDB {
	return &GovernorDB{db: dbConn}
}

const (
	volumePrefix   = "GOV:VOLUME:V1:"
	windowPrefix   = "GOV:WINDOW:V1:"
	govFlagsKeyStr = "GOV:FLAGS:V1"
)

func (d *GovernorDB) StoreVolumeTransfer(t *VolumeTransfer) error {
	b, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("%w: volume transfer %s: %v", ErrMarshal, t.RequestID, err)
	}
	return update(d.db, volumeKey(t.RequestID), b)
}

func (d *GovernorDB) DeleteVolumeTransfer(t *VolumeTransfer) error {
	return deleteEntry(d.db, volumeKey(t.RequestID))
}

func (d *GovernorDB) StoreWindowSnapshot(w *WindowSnapshot) error {
	b, err := w.Marshal()
	if err != nil {
		return fmt.Errorf("%w: window snapshot %s: %v", ErrMarshal, w.Kind, err)
	}
	return update(d.db, windowKey(w.Kind), b)
}

func (d *GovernorDB) StoreGovernorFlags(f *GovernorFlags) error {
	b, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("%w: governor flags: %v", ErrMarshal, err)
	}
	return update(d.db, []byte(govFlagsKeyStr), b)
}

func (d *GovernorDB) LoadGovernorState() (*GovernorState, error) {
	state := &GovernorState{
		Transfers: []*VolumeTransfer{},
		Windows:   []*WindowSnapshot{},
	}

	if err := loadPrefix(d.db, volumePrefix, func(key []byte, val []byte) error {
		t, err := UnmarshalVolumeTransfer(val)
		if err != nil {
			return fmt.Errorf("%w: volume transfer %s: %v", ErrUnmarshal, key, err)
		}
		state.Transfers = append(state.Transfers, t)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, windowPrefix, func(key []byte, val []byte) error {
		w, err := UnmarshalWindowSnapshot(val)
		if err != nil {
			return fmt.Errorf("%w: window snapshot %s: %v", ErrUnmarshal, key, err)
		}
		state.Windows = append(state.Windows, w)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadPrefix(d.db, govFlagsKeyStr, func(key []byte, val []byte) error {
		f, err := UnmarshalGovernorFlags(val)
		if err != nil {
			return fmt.Errorf("%w: governor flags: %v", ErrUnmarshal, err)
		}
		state.Flags = f
		return nil
	}); err != nil {
		return nil, err
	}

	return state, nil
}

func volumeKey(id bridge.RequestID) []byte {
	return []byte(fmt.Sprintf("%v%s", volumePrefix, id))
}

func windowKey(kind WindowKind) []byte {
	return []byte(fmt.Sprintf("%v%d", windowPrefix, uint8(kind)))
}
