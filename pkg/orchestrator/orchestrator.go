// The orchestrator is the only component users and relayers call directly.
// It sequences a transfer across the trust layer: initiation consults the
// council and the volume governor, takes custody of the funds, and opens a
// challenge window request; completion demands a validated quorum over the
// exact stored message before releasing funds; refund returns the pre-fee
// principal once the window has ruled the request fraudulent.
//
// The orchestrator owns the deposit ledger and the TVL accounting. It never
// decides disputes or quorums itself; it only sequences the components that
// do.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/db"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidRecipient   = errors.New("recipient must not be zero")
	ErrUnsupportedChain   = errors.New("target chain is not supported")
	ErrInvalidDeadline    = errors.New("deadline must be in the future")
	ErrGuardianPaused     = errors.New("bridge is paused")
	ErrBlacklisted        = errors.New("sender is blacklisted")
	ErrRequestNotFound    = errors.New("request not found")
	ErrRequestNotApproved = errors.New("request not released by the challenge window")
	ErrMessageMismatch    = errors.New("message does not match the stored request")
	ErrAlreadyRefunded    = errors.New("deposit already refunded")
)

var (
	metricBridges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_orchestrator_bridges_total",
			Help: "Total number of bridge transfers, by lifecycle event",
		}, []string{"event"})
	metricTvl = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palisade_orchestrator_tvl",
			Help: "Net locked value per token, in native token units",
		}, []string{"token"})
)

// DefaultFeeBps is the protocol fee in basis points: ten bps is 0.1%.
const DefaultFeeBps = 10

const bpsDenominator = 10000

type Config struct {
	// HomeChain is the chain this deployment fronts; initiations leave it
	// and the target chain must differ from it.
	HomeChain bridge.ChainID
	FeeBps    uint64

	// Self is the identity the orchestrator presents to the challenge
	// window as submitter and executor.
	Self bridge.Address
}

func (c *Config) applyDefaults() {
	if c.FeeBps == 0 {
		c.FeeBps = DefaultFeeBps
	}
}

// guardianAuthority is the slice of the council the orchestrator consults.
type guardianAuthority interface {
	Paused() bool
	IsBlacklisted(addr bridge.Address) bool
}

// volumeLimiter is the slice of the governor the orchestrator consults.
type volumeLimiter interface {
	Paused() bool
	CheckTransferForTime(token bridge.Address, amount *big.Int, now time.Time) error
	CheckAndRecordForTime(requestID bridge.RequestID, token bridge.Address, amount *big.Int, now time.Time) error
}

// disputeWindow is the slice of the challenge window the orchestrator drives.
type disputeWindow interface {
	SubmitRequestForTime(caller bridge.Address, msg *bridge.Message, now time.Time) (*db.BridgeRequest, error)
	StatusOf(id bridge.RequestID) (db.RequestStatus, error)
	GetRequest(id bridge.RequestID) (*db.BridgeRequest, bool)
	MarkExecuted(caller bridge.Address, id bridge.RequestID) error
}

// quorumVerifier is the slice of the validator the orchestrator consumes at
// completion. VerifyQuorumForTime burns the message nonce on success.
type quorumVerifier interface {
	VerifyQuorumForTime(msg *bridge.Message, sigs []bridge.Signature, setVersion uint32, now time.Time) error
	CurrentSignerSet() (*bridge.SignerSet, error)
}

type Orchestrator struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     db.OrchestratorDBInterface
	cfg    Config

	council   guardianAuthority
	governor  volumeLimiter
	window    disputeWindow
	validator quorumVerifier
	ledger    AssetMover

	deposits map[bridge.RequestID]*db.Deposit
	sequence uint64
	tvl      map[bridge.Address]*big.Int
}

func NewOrchestrator(
	logger *zap.Logger,
	database db.OrchestratorDBInterface,
	council guardianAuthority,
	governor volumeLimiter,
	window disputeWindow,
	validator quorumVerifier,
	ledger AssetMover,
	cfg Config,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		logger:    logger.With(zap.String("component", "orchestrator")),
		db:        database,
		cfg:       cfg,
		council:   council,
		governor:  governor,
		window:    window,
		validator: validator,
		ledger:    ledger,
		deposits:  make(map[bridge.RequestID]*db.Deposit),
		tvl:       make(map[bridge.Address]*big.Int),
	}
}

// Run restores deposits and the request sequence from the database and
// rebuilds per-token TVL from the deposit history.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.db.LoadOrchestratorState()
	if err != nil {
		return fmt.Errorf("failed to load orchestrator state: %w", err)
	}

	o.sequence = state.Sequence
	for _, dep := range state.Deposits {
		o.deposits[dep.RequestID] = dep
		o.addTvlLocked(dep.Token, dep.GrossAmount)
		if dep.Executed() {
			o.subTvlLocked(dep.Token, netOf(dep))
		}
		if dep.Refunded() {
			o.subTvlLocked(dep.Token, dep.GrossAmount)
		}
	}

	if len(o.deposits) > 0 {
		o.logger.Info("reloaded orchestrator state",
			zap.Int("deposits", len(o.deposits)),
			zap.Uint64("sequence", o.sequence),
		)
	}
	return nil
}

// InitiateBridge starts a transfer off the home chain. It validates the
// request, consults the council and the governor, debits the gross amount
// from the sender, records the deposit and opens a challenge window request
// over the post-fee amount. Returns the assigned request id.
func (o *Orchestrator) InitiateBridge(sender, token bridge.Address, amount *big.Int, recipient bridge.Address, targetChain bridge.ChainID, deadline time.Time) (bridge.RequestID, error) {
	return o.InitiateBridgeForTime(sender, token, amount, recipient, targetChain, deadline, time.Now())
}

func (o *Orchestrator) InitiateBridgeForTime(sender, token bridge.Address, amount *big.Int, recipient bridge.Address, targetChain bridge.ChainID, deadline time.Time, now time.Time) (bridge.RequestID, error) {
	if amount == nil || amount.Sign() <= 0 {
		return bridge.RequestID{}, ErrInvalidAmount
	}
	if recipient.IsZero() {
		return bridge.RequestID{}, ErrInvalidRecipient
	}
	if !targetChain.IsKnown() || targetChain == o.cfg.HomeChain {
		return bridge.RequestID{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, targetChain)
	}
	if !deadline.After(now) {
		return bridge.RequestID{}, fmt.Errorf("%w: %s", ErrInvalidDeadline, deadline.UTC().Format(time.RFC3339))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.council.Paused() || o.governor.Paused() {
		return bridge.RequestID{}, ErrGuardianPaused
	}
	if o.council.IsBlacklisted(sender) {
		return bridge.RequestID{}, fmt.Errorf("%w: %s", ErrBlacklisted, sender)
	}

	fee := o.feeFor(amount)
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return bridge.RequestID{}, fmt.Errorf("%w: fee %s consumes the whole amount", ErrInvalidAmount, fee)
	}

	if err := o.governor.CheckTransferForTime(token, amount, now); err != nil {
		return bridge.RequestID{}, err
	}

	seq := o.sequence + 1
	if err := o.db.StoreSequence(seq); err != nil {
		return bridge.RequestID{}, fmt.Errorf("failed to persist sequence: %w", err)
	}
	o.sequence = seq
	id := requestID(o.cfg.HomeChain, seq, sender, now)

	if err := o.ledger.Debit(sender, token, amount); err != nil {
		return bridge.RequestID{}, err
	}
	if err := o.governor.CheckAndRecordForTime(id, token, amount, now); err != nil {
		if cerr := o.ledger.Credit(sender, token, amount); cerr != nil {
			o.logger.Error("failed to return funds after governor rejection",
				zap.String("requestID", id.String()),
				zap.Error(cerr),
			)
		}
		return bridge.RequestID{}, err
	}

	msg := &bridge.Message{
		RequestID:   id,
		Sender:      sender,
		Recipient:   recipient,
		Token:       token,
		Amount:      net,
		SourceChain: o.cfg.HomeChain,
		TargetChain: targetChain,
		Nonce:       seq,
		Deadline:    deadline,
	}
	if _, err := o.window.SubmitRequestForTime(o.cfg.Self, msg, now); err != nil {
		// The recorded volume stands: a rejected opening must never
		// loosen the limits.
		if cerr := o.ledger.Credit(sender, token, amount); cerr != nil {
			o.logger.Error("failed to return funds after window rejection",
				zap.String("requestID", id.String()),
				zap.Error(cerr),
			)
		}
		return bridge.RequestID{}, fmt.Errorf("failed to open challenge window request: %w", err)
	}

	dep := &db.Deposit{
		RequestID:   id,
		Sender:      sender,
		Recipient:   recipient,
		Token:       token,
		GrossAmount: new(big.Int).Set(amount),
		Fee:         fee,
		SourceChain: o.cfg.HomeChain,
		TargetChain: targetChain,
		InitiatedAt: now,
	}
	if err := o.db.StoreDeposit(dep); err != nil {
		return bridge.RequestID{}, fmt.Errorf("failed to persist deposit: %w", err)
	}
	o.deposits[id] = dep
	o.addTvlLocked(token, amount)

	metricBridges.WithLabelValues("initiated").Inc()
	o.logger.Info("bridge initiated",
		zap.String("requestID", id.String()),
		zap.String("sender", sender.String()),
		zap.String("token", token.String()),
		zap.String("gross", amount.String()),
		zap.String("fee", fee.String()),
		zap.Stringer("targetChain", targetChain),
	)
	return id, nil
}

// CompleteBridge settles an approved transfer. The caller supplies the
// message fields and a quorum of signatures; the fields must reproduce the
// stored request exactly and the quorum must verify, which burns the message
// nonce. On success the window request is marked executed and the post-fee
// amount is released to the recipient.
func (o *Orchestrator) CompleteBridge(id bridge.RequestID, sender, recipient, token bridge.Address, amount *big.Int, sourceChain bridge.ChainID, nonce uint64, deadline time.Time, sigs []bridge.Signature) error {
	return o.CompleteBridgeForTime(id, sender, recipient, token, amount, sourceChain, nonce, deadline, sigs, time.Now())
}

func (o *Orchestrator) CompleteBridgeForTime(id bridge.RequestID, sender, recipient, token bridge.Address, amount *big.Int, sourceChain bridge.ChainID, nonce uint64, deadline time.Time, sigs []bridge.Signature, now time.Time) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	dep, ok := o.deposits[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	status, err := o.window.StatusOf(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if status != db.RequestStatusApproved {
		return fmt.Errorf("%w: status is %s", ErrRequestNotApproved, status)
	}

	rebuilt := &bridge.Message{
		RequestID:   id,
		Sender:      sender,
		Recipient:   recipient,
		Token:       token,
		Amount:      amount,
		SourceChain: sourceChain,
		TargetChain: dep.TargetChain,
		Nonce:       nonce,
		Deadline:    deadline,
	}
	stored, ok := o.window.GetRequest(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	rebuiltBytes, err := rebuilt.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMessageMismatch, err)
	}
	storedBytes, err := stored.Message.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal stored message: %w", err)
	}
	if !bytes.Equal(rebuiltBytes, storedBytes) {
		return fmt.Errorf("%w: %s", ErrMessageMismatch, id)
	}

	set, err := o.validator.CurrentSignerSet()
	if err != nil {
		return err
	}
	if err := o.validator.VerifyQuorumForTime(rebuilt, sigs, set.Index, now); err != nil {
		return err
	}

	if err := o.window.MarkExecuted(o.cfg.Self, id); err != nil {
		return fmt.Errorf("failed to mark request executed: %w", err)
	}
	if err := o.ledger.Credit(recipient, token, amount); err != nil {
		o.logger.Error("failed to release funds for executed request",
			zap.String("requestID", id.String()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to release funds: %w", err)
	}

	dep.CompletedAt = now
	if err := o.db.StoreDeposit(dep); err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}
	o.subTvlLocked(token, amount)

	metricBridges.WithLabelValues("completed").Inc()
	o.logger.Info("bridge completed",
		zap.String("requestID", id.String()),
		zap.String("recipient", recipient.String()),
		zap.String("net", amount.String()),
	)
	return nil
}

// RefundBridge returns the pre-fee principal to the original sender once the
// challenge window has ruled the request fraudulent. A deposit refunds
// exactly once.
func (o *Orchestrator) RefundBridge(id bridge.RequestID) error {
	return o.RefundBridgeForTime(id, time.Now())
}

func (o *Orchestrator) RefundBridgeForTime(id bridge.RequestID, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	dep, ok := o.deposits[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	status, err := o.window.StatusOf(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if status != db.RequestStatusRefunded {
		return fmt.Errorf("%w: refund requires a fraud verdict, status is %s", ErrRequestNotApproved, status)
	}
	if dep.Refunded() {
		return fmt.Errorf("%w: %s", ErrAlreadyRefunded, id)
	}

	if err := o.ledger.Credit(dep.Sender, dep.Token, dep.GrossAmount); err != nil {
		return fmt.Errorf("failed to return funds: %w", err)
	}

	dep.RefundedAt = now
	if err := o.db.StoreDeposit(dep); err != nil {
		return fmt.Errorf("failed to persist refund: %w", err)
	}
	o.subTvlLocked(dep.Token, dep.GrossAmount)

	metricBridges.WithLabelValues("refunded").Inc()
	o.logger.Info("bridge refunded",
		zap.String("requestID", id.String()),
		zap.String("sender", dep.Sender.String()),
		zap.String("gross", dep.GrossAmount.String()),
	)
	return nil
}

// CalculateFee returns the protocol fee for an amount.
func (o *Orchestrator) CalculateFee(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return o.feeFor(amount), nil
}

func (o *Orchestrator) feeFor(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(o.cfg.FeeBps))
	return fee.Div(fee, big.NewInt(bpsDenominator))
}

// IsOperational reports whether transfers can currently be initiated: no
// council pause and no governor pause.
func (o *Orchestrator) IsOperational() bool {
	return !o.council.Paused() && !o.governor.Paused()
}

// GetTvl returns the net locked value for a token: deposits taken in, minus
// releases and refunds paid out. Fees stay locked.
func (o *Orchestrator) GetTvl(token bridge.Address) *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.tvl[token]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}

// GetDeposit returns a copy of a deposit record.
func (o *Orchestrator) GetDeposit(id bridge.RequestID) (*db.Deposit, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dep, ok := o.deposits[id]
	if !ok {
		return nil, false
	}
	cp := *dep
	cp.GrossAmount = new(big.Int).Set(dep.GrossAmount)
	cp.Fee = new(big.Int).Set(dep.Fee)
	return &cp, true
}

func netOf(dep *db.Deposit) *big.Int {
	return new(big.Int).Sub(dep.GrossAmount, dep.Fee)
}

func (o *Orchestrator) addTvlLocked(token bridge.Address, amount *big.Int) {
	cur, ok := o.tvl[token]
	if !ok {
		cur = big.NewInt(0)
		o.tvl[token] = cur
	}
	cur.Add(cur, amount)
	setTvlGauge(token, cur)
}

func (o *Orchestrator) subTvlLocked(token bridge.Address, amount *big.Int) {
	cur, ok := o.tvl[token]
	if !ok {
		cur = big.NewInt(0)
		o.tvl[token] = cur
	}
	cur.Sub(cur, amount)
	setTvlGauge(token, cur)
}

func setTvlGauge(token bridge.Address, value *big.Int) {
	f, _ := new(big.Float).SetInt(value).Float64()
	metricTvl.WithLabelValues(token.String()).Set(f)
}

// requestID derives a fresh id from the home chain, the persisted sequence
// number, the sender and the initiation time.
func requestID(chain bridge.ChainID, seq uint64, sender bridge.Address, now time.Time) bridge.RequestID {
	buf := make([]byte, 0, 2+8+32+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(chain))
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = append(buf, sender[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(now.Unix())) // #nosec G115 -- time does not go negative
	var id bridge.RequestID
	copy(id[:], ethcrypto.Keccak256(buf))
	return id
}

// Stats is a point-in-time summary for the status server.
type Stats struct {
	Deposits    int               `json:"deposits"`
	Sequence    uint64            `json:"sequence"`
	Operational bool              `json:"operational"`
	Tvl         map[string]string `json:"tvl"`
}

func (o *Orchestrator) Stats() Stats {
	operational := o.IsOperational()

	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{
		Deposits:    len(o.deposits),
		Sequence:    o.sequence,
		Operational: operational,
		Tvl:         make(map[string]string, len(o.tvl)),
	}
	for token, value := range o.tvl {
		s.Tvl[token.String()] = value.String()
	}
	return s
}
