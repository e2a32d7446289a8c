// The validator owns the signer set history and decides whether a bridge
// message carries a valid quorum of signatures. It also keeps the nonce
// ledger used for replay protection: a (sender, nonce) pair is consumed the
// moment a message verifies, and can never verify again.
//
// All checks run against the active signer set only. Signatures produced
// against a superseded set version are rejected outright, no matter how many
// of the old signers are still on the roster.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/db"
)

var (
	ErrNoActiveSignerSet      = errors.New("no active signer set")
	ErrSignerSetMismatch      = errors.New("signer set version is not the active set")
	ErrInsufficientSignatures = errors.New("fewer signatures than threshold")
	ErrDuplicateSignature     = errors.New("duplicate signature")
	ErrQuorumNotMet           = errors.New("quorum not met")
	ErrNonceAlreadyUsed       = errors.New("nonce already used")
	ErrMessageExpired         = errors.New("message deadline passed")
	ErrRotationCooldown       = errors.New("rotation cooldown not elapsed")
	ErrAlreadyInitialized     = errors.New("signer set already initialized")
	ErrSignerExists           = errors.New("signer already in set")
	ErrUnknownSigner          = errors.New("signer not in set")
)

var (
	metricVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_validator_verifications_total",
			Help: "Total number of quorum verifications by result",
		}, []string{"result"})
	metricRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_validator_rotations_total",
			Help: "Total number of signer set rotations",
		})
	metricSignerSetIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_validator_signer_set_index",
			Help: "Index of the active signer set",
		})
)

const DefaultRotationCooldown = 24 * time.Hour

type Config struct {
	// HomeChain is bound into rotation digests so approvals cannot be
	// replayed across deployments.
	HomeChain        bridge.ChainID
	RotationCooldown time.Duration
	MinSigners       int
	MaxSigners       int
}

func (c *Config) applyDefaults() {
	if c.RotationCooldown == 0 {
		c.RotationCooldown = DefaultRotationCooldown
	}
	if c.MinSigners == 0 {
		c.MinSigners = bridge.MinSignerCount
	}
	if c.MaxSigners == 0 {
		c.MaxSigners = bridge.MaxSignerCount
	}
}

type nonceKey struct {
	sender bridge.Address
	nonce  uint64
}

type Validator struct {
	mu     sync.RWMutex
	logger *zap.Logger
	db     db.ValidatorDBInterface
	cfg    Config

	sets    map[uint32]*bridge.SignerSet
	current uint32
	haveSet bool

	nonces map[nonceKey]bool
}

func NewValidator(logger *zap.Logger, database db.ValidatorDBInterface, cfg Config) *Validator {
	cfg.applyDefaults()
	return &Validator{
		logger: logger.With(zap.String("component", "validator")),
		db:     database,
		cfg:    cfg,
		sets:   make(map[uint32]*bridge.SignerSet),
		nonces: make(map[nonceKey]bool),
	}
}

// Run restores the signer set history and nonce ledger from the database.
func (v *Validator) Run(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadFromDB()
}

func (v *Validator) loadFromDB() error {
	state, err := v.db.LoadValidatorState()
	if err != nil {
		return fmt.Errorf("failed to load validator state: %w", err)
	}

	for _, s := range state.SignerSets {
		v.sets[s.Index] = s
		if !v.haveSet || s.Index > v.current {
			v.current = s.Index
		}
		v.haveSet = true
	}

	for _, n := range state.Nonces {
		v.nonces[nonceKey{sender: n.Sender, nonce: n.Nonce}] = true
	}

	if v.haveSet {
		metricSignerSetIndex.Set(float64(v.current))
		v.logger.Info("reloaded validator state",
			zap.Int("signerSets", len(v.sets)),
			zap.Uint32("currentIndex", v.current),
			zap.Int("nonces", len(v.nonces)),
		)
	}

	return nil
}

// InitSignerSet installs signer set zero. It can only be called once,
// before any rotation has happened.
func (v *Validator) InitSignerSet(keys []ethcommon.Address, threshold int) error {
	return v.InitSignerSetForTime(keys, threshold, time.Now())
}

func (v *Validator) InitSignerSetForTime(keys []ethcommon.Address, threshold int, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.haveSet {
		return ErrAlreadyInitialized
	}

	s := &bridge.SignerSet{
		Keys:        keys,
		Index:       0,
		Threshold:   threshold,
		ActivatedAt: now,
	}
	if err := s.Validate(v.cfg.MinSigners, v.cfg.MaxSigners); err != nil {
		return err
	}

	if err := v.db.StoreSignerSet(s); err != nil {
		return err
	}

	v.sets[0] = s
	v.current = 0
	v.haveSet = true
	metricSignerSetIndex.Set(0)

	v.logger.Info("installed initial signer set",
		zap.Strings("keys", s.KeysAsHexStrings()),
		zap.Int("threshold", s.Threshold),
	)
	return nil
}

// CurrentSignerSet returns the active signer set. Callers must not modify it.
func (v *Validator) CurrentSignerSet() (*bridge.SignerSet, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.haveSet {
		return nil, ErrNoActiveSignerSet
	}
	return v.sets[v.current], nil
}

// SignerSetByIndex returns a historical signer set, if known.
func (v *Validator) SignerSetByIndex(index uint32) (*bridge.SignerSet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, ok := v.sets[index]
	return s, ok
}

// VerifyQuorum checks a message's signatures against the active signer set
// and, if the quorum holds, consumes the message nonce. The check and the
// nonce record happen under one lock, so two copies of the same message can
// never both pass.
func (v *Validator) VerifyQuorum(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32) error {
	return v.VerifyQuorumForTime(msg, sigs, setVersion, time.Now())
}

func (v *Validator) VerifyQuorumForTime(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.checkQuorum(msg, sigs, setVersion, now); err != nil {
		metricVerifications.WithLabelValues(verificationResult(err)).Inc()
		return err
	}

	k := nonceKey{sender: msg.Sender, nonce: msg.Nonce}
	if err := v.db.StoreNonce(&db.NonceEntry{Sender: msg.Sender, Nonce: msg.Nonce}); err != nil {
		metricVerifications.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	v.nonces[k] = true

	metricVerifications.WithLabelValues("approved").Inc()
	v.logger.Debug("message quorum verified",
		zap.String("msgID", msg.MessageID()),
		zap.Uint32("setVersion", setVersion),
		zap.Int("signatures", len(sigs)),
	)
	return nil
}

// VerifyQuorumView runs the same checks as VerifyQuorum without consuming
// the nonce. It reports whether the quorum holds and how many distinct
// roster signatures were counted.
func (v *Validator) VerifyQuorumView(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32) (bool, int, error) {
	return v.VerifyQuorumViewForTime(msg, sigs, setVersion, time.Now())
}

func (v *Validator) VerifyQuorumViewForTime(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32, now time.Time) (bool, int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	matching, err := v.checkQuorum(msg, sigs, setVersion, now)
	if err != nil {
		return false, matching, err
	}
	return true, matching, nil
}

// checkQuorum runs the full verification pipeline. Callers hold v.mu.
// Check order: message validity, expiry, set version, signature count,
// signature recovery, quorum, replay.
func (v *Validator) checkQuorum(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32, now time.Time) (int, error) {
	if msg == nil {
		return 0, fmt.Errorf("message is nil")
	}

	digest, err := msg.SigningDigest()
	if err != nil {
		return 0, fmt.Errorf("failed to compute signing digest: %w", err)
	}

	if now.After(msg.Deadline) {
		return 0, fmt.Errorf("%w: deadline %s", ErrMessageExpired, msg.Deadline.UTC().Format(time.RFC3339))
	}

	if !v.haveSet {
		return 0, ErrNoActiveSignerSet
	}
	if setVersion != v.current {
		return 0, fmt.Errorf("%w: got %d, active is %d", ErrSignerSetMismatch, setVersion, v.current)
	}
	set := v.sets[v.current]

	if len(sigs) < set.Threshold {
		return 0, fmt.Errorf("%w: got %d, need %d", ErrInsufficientSignatures, len(sigs), set.Threshold)
	}

	matching, err := countRosterSignatures(set, digest, sigs)
	if err != nil {
		return matching, err
	}
	if matching < set.Threshold {
		return matching, fmt.Errorf("%w: %d distinct signers of %d required", ErrQuorumNotMet, matching, set.Threshold)
	}

	if v.nonces[nonceKey{sender: msg.Sender, nonce: msg.Nonce}] {
		return matching, fmt.Errorf("%w: sender %s nonce %d", ErrNonceAlreadyUsed, msg.Sender, msg.Nonce)
	}

	return matching, nil
}

// countRosterSignatures recovers every signature against the digest and
// counts distinct roster members. Malformed signatures and signers outside
// the roster are skipped. The same recovered address appearing twice is a
// hard error.
func countRosterSignatures(set *bridge.SignerSet, digest ethcommon.Hash, sigs []bridge.Signature) (int, error) {
	seen := make(map[ethcommon.Address]bool, len(sigs))
	matching := 0
	for _, sig := range sigs {
		addr, err := sig.Recover(digest)
		if err != nil {
			continue
		}
		if seen[addr] {
			return matching, fmt.Errorf("%w: %s", ErrDuplicateSignature, addr.Hex())
		}
		seen[addr] = true
		if _, onRoster := set.KeyIndex(addr); onRoster {
			matching++
		}
	}
	return matching, nil
}

// UsedNonce reports whether a (sender, nonce) pair has been consumed.
func (v *Validator) UsedNonce(sender bridge.Address, nonce uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.nonces[nonceKey{sender: sender, nonce: nonce}]
}

// InvalidateNonce burns a (sender, nonce) pair before any message carrying
// it reaches verification. Fails if the pair was already consumed.
func (v *Validator) InvalidateNonce(sender bridge.Address, nonce uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := nonceKey{sender: sender, nonce: nonce}
	if v.nonces[k] {
		return fmt.Errorf("%w: sender %s nonce %d", ErrNonceAlreadyUsed, sender, nonce)
	}

	if err := v.db.StoreNonce(&db.NonceEntry{Sender: sender, Nonce: nonce}); err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	v.nonces[k] = true

	v.logger.Info("nonce invalidated", zap.String("sender", sender.String()), zap.Uint64("nonce", nonce))
	return nil
}

// AddSigner adds a key to the active set in place. The set version does not
// change; rotation is the only operation that bumps it.
func (v *Validator) AddSigner(addr ethcommon.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveSet {
		return ErrNoActiveSignerSet
	}
	set := v.sets[v.current]

	if _, ok := set.KeyIndex(addr); ok {
		return fmt.Errorf("%w: %s", ErrSignerExists, addr.Hex())
	}

	candidate := cloneSet(set)
	candidate.Keys = append(candidate.Keys, addr)
	if err := candidate.Validate(v.cfg.MinSigners, v.cfg.MaxSigners); err != nil {
		return err
	}

	return v.swapActiveSet(candidate, "added signer", zap.String("signer", addr.Hex()))
}

// RemoveSigner removes a key from the active set in place. Removals that
// would leave fewer signers than the threshold or the floor are rejected.
func (v *Validator) RemoveSigner(addr ethcommon.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveSet {
		return ErrNoActiveSignerSet
	}
	set := v.sets[v.current]

	idx, ok := set.KeyIndex(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, addr.Hex())
	}

	candidate := cloneSet(set)
	candidate.Keys = append(candidate.Keys[:idx], candidate.Keys[idx+1:]...)
	if err := candidate.Validate(v.cfg.MinSigners, v.cfg.MaxSigners); err != nil {
		return err
	}

	return v.swapActiveSet(candidate, "removed signer", zap.String("signer", addr.Hex()))
}

// UpdateThreshold changes the active set's threshold in place.
func (v *Validator) UpdateThreshold(threshold int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveSet {
		return ErrNoActiveSignerSet
	}
	set := v.sets[v.current]

	candidate := cloneSet(set)
	candidate.Threshold = threshold
	if err := candidate.Validate(v.cfg.MinSigners, v.cfg.MaxSigners); err != nil {
		return err
	}

	return v.swapActiveSet(candidate, "updated threshold", zap.Int("threshold", threshold))
}

// RotateSigners replaces the active set with a new one, bumping the set
// version. The rotation must carry approval signatures from a quorum of the
// current set over the rotation digest, and the cooldown since the current
// set activated must have elapsed.
func (v *Validator) RotateSigners(newKeys []ethcommon.Address, newThreshold int, sigs []bridge.Signature) error {
	return v.RotateSignersForTime(newKeys, newThreshold, sigs, time.Now())
}

func (v *Validator) RotateSignersForTime(newKeys []ethcommon.Address, newThreshold int, sigs []bridge.Signature, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.haveSet {
		return ErrNoActiveSignerSet
	}
	active := v.sets[v.current]

	candidate := &bridge.SignerSet{
		Keys:        newKeys,
		Index:       v.current + 1,
		Threshold:   newThreshold,
		ActivatedAt: now,
	}
	if err := candidate.Validate(v.cfg.MinSigners, v.cfg.MaxSigners); err != nil {
		return err
	}

	digest, err := bridge.RotationSigningDigest(v.cfg.HomeChain, v.current, newKeys, newThreshold)
	if err != nil {
		return fmt.Errorf("failed to compute rotation digest: %w", err)
	}

	if len(sigs) < active.Threshold {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSignatures, len(sigs), active.Threshold)
	}
	matching, err := countRosterSignatures(active, digest, sigs)
	if err != nil {
		return err
	}
	if matching < active.Threshold {
		return fmt.Errorf("%w: %d distinct signers of %d required", ErrQuorumNotMet, matching, active.Threshold)
	}

	if elapsed := now.Sub(active.ActivatedAt); elapsed < v.cfg.RotationCooldown {
		return fmt.Errorf("%w: %s since last rotation, need %s", ErrRotationCooldown, elapsed, v.cfg.RotationCooldown)
	}

	if err := v.db.StoreSignerSet(candidate); err != nil {
		return err
	}

	v.sets[candidate.Index] = candidate
	v.current = candidate.Index
	metricRotations.Inc()
	metricSignerSetIndex.Set(float64(v.current))

	v.logger.Info("rotated signer set",
		zap.Uint32("index", candidate.Index),
		zap.Strings("keys", candidate.KeysAsHexStrings()),
		zap.Int("threshold", candidate.Threshold),
	)
	return nil
}

// swapActiveSet persists and installs an edited copy of the active set.
// Callers hold v.mu.
func (v *Validator) swapActiveSet(candidate *bridge.SignerSet, what string, fields ...zap.Field) error {
	if err := v.db.StoreSignerSet(candidate); err != nil {
		return err
	}
	v.sets[candidate.Index] = candidate
	v.logger.Info(what, append(fields,
		zap.Uint32("index", candidate.Index),
		zap.Int("signers", len(candidate.Keys)),
		zap.Int("threshold", candidate.Threshold),
	)...)
	return nil
}

func cloneSet(s *bridge.SignerSet) *bridge.SignerSet {
	keys := make([]ethcommon.Address, len(s.Keys))
	copy(keys, s.Keys)
	return &bridge.SignerSet{
		Keys:        keys,
		Index:       s.Index,
		Threshold:   s.Threshold,
		ActivatedAt: s.ActivatedAt,
	}
}

// Stats is a point-in-time summary for the status server.
type Stats struct {
	Initialized bool   `json:"initialized"`
	SetVersion  uint32 `json:"setVersion"`
	SignerCount int    `json:"signerCount"`
	Threshold   int    `json:"threshold"`
	NonceCount  int    `json:"nonceCount"`
}

func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Stats{
		Initialized: v.haveSet,
		NonceCount:  len(v.nonces),
	}
	if v.haveSet {
		set := v.sets[v.current]
		s.SetVersion = v.current
		s.SignerCount = len(set.Keys)
		s.Threshold = set.Threshold
	}
	return s
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, ErrMessageExpired):
		return "expired"
	case errors.Is(err, ErrNoActiveSignerSet):
		return "no_signer_set"
	case errors.Is(err, ErrSignerSetMismatch):
		return "set_mismatch"
	case errors.Is(err, ErrInsufficientSignatures):
		return "insufficient_signatures"
	case errors.Is(err, ErrDuplicateSignature):
		return "duplicate_signature"
	case errors.Is(err, ErrQuorumNotMet):
		return "no_quorum"
	case errors.Is(err, ErrNonceAlreadyUsed):
		return "replay"
	default:
		return "invalid_message"
	}
}
