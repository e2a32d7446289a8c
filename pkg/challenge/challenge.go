// The challenge window gives every bridge request a dispute period before
// funds can move. A submitted request sits in Pending until its deadline;
// anyone may challenge it by posting a bond before the deadline, and the
// fraud authority settles the dispute. Unchallenged requests become eligible
// for approval the moment the deadline passes.
//
// Status transitions are one-directional. Executed, Refunded and Cancelled
// are terminal.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/db"
)

var (
	ErrNotAuthorized             = errors.New("caller not authorized")
	ErrRequestAlreadyExists      = errors.New("request already exists")
	ErrRequestNotFound           = errors.New("request not found")
	ErrRequestNotPending         = errors.New("request is not pending")
	ErrChallengePeriodEnded      = errors.New("challenge period has ended")
	ErrChallengePeriodNotEnded   = errors.New("challenge period has not ended")
	ErrInsufficientChallengeBond = errors.New("challenge bond below minimum")
	ErrRequestNotChallenged      = errors.New("request is not challenged")
	ErrInvalidStatus             = errors.New("invalid request status")
	ErrRequestAlreadyExecuted    = errors.New("request already executed")
)

var (
	metricRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_challenge_requests_total",
			Help: "Total number of challenge window transitions, by event",
		}, []string{"event"})
	metricPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_challenge_pending_requests",
			Help: "Number of requests currently inside their challenge period",
		})
	metricForfeits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_challenge_bonds_forfeited_total",
			Help: "Total number of challenge bonds forfeited to the system",
		})
)

const (
	DefaultChallengePeriod = 6 * time.Hour
)

// Config wires the window's timing, bond economics and the identities
// allowed to drive privileged transitions.
type Config struct {
	// Period is the time a request stays challengeable after submission.
	Period time.Duration

	// MinBond is the smallest acceptable challenge bond.
	MinBond *big.Int

	// ChallengerReward is paid on top of the returned bond when a
	// challenge is upheld.
	ChallengerReward *big.Int

	// Submitters may create requests. FraudAuthority settles challenges,
	// Orchestrator confirms releases and Admin may cancel.
	Submitters     []bridge.Address
	FraudAuthority bridge.Address
	Orchestrator   bridge.Address
	Admin          bridge.Address
}

func (c *Config) applyDefaults() {
	if c.Period == 0 {
		c.Period = DefaultChallengePeriod
	}
	if c.MinBond == nil {
		c.MinBond = big.NewInt(0)
	}
	if c.ChallengerReward == nil {
		c.ChallengerReward = big.NewInt(0)
	}
}

// Resolution reports how a settled or cancelled request paid out.
// ChallengerPayout is what the caller owes the challenger: bond plus reward
// for an upheld challenge, the bare bond for a cancelled challenged request,
// zero otherwise.
type Resolution struct {
	Status           db.RequestStatus
	Challenger       bridge.Address
	ChallengerPayout *big.Int
	BondForfeited    bool
}

type Window struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     db.ChallengeDBInterface
	cfg    Config

	requests   map[bridge.RequestID]*db.BridgeRequest
	submitters map[bridge.Address]bool

	// queue holds ids of submitted requests in deadline order. The period
	// is fixed, so submission order is deadline order. Entries whose
	// request left Pending are skipped on sweep.
	queue []bridge.RequestID

	// forfeitPool is the sum of bonds kept by the system from rejected
	// challenges. Rebuilt from the request records on startup.
	forfeitPool *big.Int
}

func NewWindow(logger *zap.Logger, database db.ChallengeDBInterface, cfg Config) *Window {
	cfg.applyDefaults()
	w := &Window{
		logger:      logger.With(zap.String("component", "challenge")),
		db:          database,
		cfg:         cfg,
		requests:    make(map[bridge.RequestID]*db.BridgeRequest),
		submitters:  make(map[bridge.Address]bool),
		forfeitPool: big.NewInt(0),
	}
	for _, s := range cfg.Submitters {
		w.submitters[s] = true
	}
	return w
}

// Run restores persisted requests, rebuilds the pending queue in deadline
// order and recomputes the forfeit pool.
func (w *Window) Run(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	requests, err := w.db.LoadBridgeRequests()
	if err != nil {
		return fmt.Errorf("failed to load challenge requests: %w", err)
	}

	pending := 0
	for _, r := range requests {
		w.requests[r.RequestID()] = r

		switch r.Status {
		case db.RequestStatusPending:
			w.queue = append(w.queue, r.RequestID())
			pending++
		case db.RequestStatusApproved, db.RequestStatusExecuted:
			// A challenger on an approved request means the challenge
			// was rejected and the bond stayed with the system.
			if !r.Challenger.IsZero() && r.Bond != nil {
				w.forfeitPool.Add(w.forfeitPool, r.Bond)
			}
		}
	}

	sortQueueByDeadline(w.queue, w.requests)
	metricPending.Set(float64(pending))

	if len(requests) > 0 {
		w.logger.Info("reloaded challenge requests",
			zap.Int("total", len(requests)),
			zap.Int("pending", pending),
		)
	}
	return nil
}

func sortQueueByDeadline(queue []bridge.RequestID, requests map[bridge.RequestID]*db.BridgeRequest) {
	for i := 1; i < len(queue); i++ {
		for j := i; j > 0 && requests[queue[j]].Deadline.Before(requests[queue[j-1]].Deadline); j-- {
			queue[j], queue[j-1] = queue[j-1], queue[j]
		}
	}
}

// SubmitRequest opens the challenge window for a transfer. The deadline is
// the submission time plus the configured period.
func (w *Window) SubmitRequest(caller bridge.Address, msg *bridge.Message) (*db.BridgeRequest, error) {
	return w.SubmitRequestForTime(caller, msg, time.Now())
}

func (w *Window) SubmitRequestForTime(caller bridge.Address, msg *bridge.Message, now time.Time) (*db.BridgeRequest, error) {
	if msg == nil {
		return nil, fmt.Errorf("message must not be nil")
	}
	if msg.RequestID.IsZero() {
		return nil, fmt.Errorf("request id must not be zero")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.submitters[caller] {
		return nil, fmt.Errorf("%w: %s may not submit requests", ErrNotAuthorized, caller)
	}

	if _, ok := w.requests[msg.RequestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestAlreadyExists, msg.RequestID)
	}

	r := &db.BridgeRequest{
		Message:     msg,
		Status:      db.RequestStatusPending,
		SubmittedAt: now,
		Deadline:    now.Add(w.cfg.Period),
		Bond:        big.NewInt(0),
	}
	if err := w.db.StoreBridgeRequest(r); err != nil {
		return nil, fmt.Errorf("failed to persist request: %w", err)
	}

	w.requests[msg.RequestID] = r
	w.queue = append(w.queue, msg.RequestID)

	metricRequests.WithLabelValues("submitted").Inc()
	metricPending.Inc()
	w.logger.Info("request submitted",
		zap.String("requestID", msg.RequestID.String()),
		zap.Time("deadline", r.Deadline),
	)
	return copyRequest(r), nil
}

// ChallengeRequest disputes a pending request. The bond is escrowed with the
// challenge and settles on resolution. Challenging at the deadline instant
// fails: a challenge needs strictly more than zero time left.
func (w *Window) ChallengeRequest(challenger bridge.Address, id bridge.RequestID, bond *big.Int, reason string) error {
	return w.ChallengeRequestForTime(challenger, id, bond, reason, time.Now())
}

func (w *Window) ChallengeRequestForTime(challenger bridge.Address, id bridge.RequestID, bond *big.Int, reason string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	if r.Status != db.RequestStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestNotPending, id, r.Status)
	}

	if !now.Before(r.Deadline) {
		return fmt.Errorf("%w: deadline was %s", ErrChallengePeriodEnded, r.Deadline.UTC().Format(time.RFC3339))
	}

	if bond == nil || bond.Cmp(w.cfg.MinBond) < 0 {
		return fmt.Errorf("%w: minimum is %s", ErrInsufficientChallengeBond, w.cfg.MinBond)
	}

	r.Status = db.RequestStatusChallenged
	r.Challenger = challenger
	r.Bond = new(big.Int).Set(bond)
	r.ChallengedAt = now
	r.Reason = reason
	if err := w.db.StoreBridgeRequest(r); err != nil {
		return fmt.Errorf("failed to persist challenge: %w", err)
	}

	metricRequests.WithLabelValues("challenged").Inc()
	metricPending.Dec()
	w.logger.Info("request challenged",
		zap.String("requestID", id.String()),
		zap.String("challenger", challenger.String()),
		zap.String("bond", bond.String()),
		zap.String("reason", reason),
	)
	return nil
}

// ResolveChallenge settles a challenged request with the fraud authority's
// verdict. An upheld challenge refunds the request and owes the challenger
// bond plus reward; a rejected one forfeits the bond and approves the
// request.
func (w *Window) ResolveChallenge(caller bridge.Address, id bridge.RequestID, fraudConfirmed bool) (*Resolution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if caller != w.cfg.FraudAuthority {
		return nil, fmt.Errorf("%w: %s is not the fraud authority", ErrNotAuthorized, caller)
	}

	r, ok := w.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	if r.Status != db.RequestStatusChallenged {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestNotChallenged, id, r.Status)
	}

	res := &Resolution{Challenger: r.Challenger, ChallengerPayout: big.NewInt(0)}
	if fraudConfirmed {
		r.Status = db.RequestStatusRefunded
		res.Status = db.RequestStatusRefunded
		res.ChallengerPayout.Add(r.Bond, w.cfg.ChallengerReward)
	} else {
		r.Status = db.RequestStatusApproved
		res.Status = db.RequestStatusApproved
		res.BondForfeited = true
		w.forfeitPool.Add(w.forfeitPool, r.Bond)
		metricForfeits.Inc()
	}

	if err := w.db.StoreBridgeRequest(r); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	metricRequests.WithLabelValues("resolved").Inc()
	w.logger.Info("challenge resolved",
		zap.String("requestID", id.String()),
		zap.Bool("fraudConfirmed", fraudConfirmed),
		zap.String("newStatus", r.Status.String()),
		zap.String("challengerPayout", res.ChallengerPayout.String()),
	)
	return res, nil
}

// ApproveRequest moves an unchallenged request to Approved once its deadline
// has passed. Anyone may call it; approval at exactly the deadline succeeds.
func (w *Window) ApproveRequest(id bridge.RequestID) error {
	return w.ApproveRequestForTime(id, time.Now())
}

func (w *Window) ApproveRequestForTime(id bridge.RequestID, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.approveLocked(id, now)
}

func (w *Window) approveLocked(id bridge.RequestID, now time.Time) error {
	r, ok := w.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	if r.Status != db.RequestStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestNotPending, id, r.Status)
	}

	if now.Before(r.Deadline) {
		return fmt.Errorf("%w: %s remaining", ErrChallengePeriodNotEnded, r.Deadline.Sub(now))
	}

	r.Status = db.RequestStatusApproved
	if err := w.db.StoreBridgeRequest(r); err != nil {
		return fmt.Errorf("failed to persist approval: %w", err)
	}

	metricRequests.WithLabelValues("approved").Inc()
	metricPending.Dec()
	w.logger.Info("request approved", zap.String("requestID", id.String()))
	return nil
}

// ReleaseReadyRequests approves every pending request whose deadline has
// passed and returns their ids. Meant to run on a timer.
func (w *Window) ReleaseReadyRequests() []bridge.RequestID {
	return w.ReleaseReadyRequestsForTime(time.Now())
}

func (w *Window) ReleaseReadyRequestsForTime(now time.Time) []bridge.RequestID {
	w.mu.Lock()
	defer w.mu.Unlock()

	var released []bridge.RequestID
	for len(w.queue) > 0 {
		id := w.queue[0]
		r, ok := w.requests[id]
		if ok && r.Status == db.RequestStatusPending {
			if now.Before(r.Deadline) {
				break
			}
			if err := w.approveLocked(id, now); err != nil {
				w.logger.Error("failed to release request", zap.String("requestID", id.String()), zap.Error(err))
				break
			}
			released = append(released, id)
		}
		w.queue = w.queue[1:]
	}
	return released
}

// MarkExecuted records that the orchestrator released the funds for an
// approved request.
func (w *Window) MarkExecuted(caller bridge.Address, id bridge.RequestID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if caller != w.cfg.Orchestrator {
		return fmt.Errorf("%w: %s is not the orchestrator", ErrNotAuthorized, caller)
	}

	r, ok := w.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	if r.Status == db.RequestStatusExecuted {
		return fmt.Errorf("%w: %s", ErrRequestAlreadyExecuted, id)
	}
	if r.Status != db.RequestStatusApproved {
		return fmt.Errorf("%w: %s is %s, not Approved", ErrInvalidStatus, id, r.Status)
	}

	r.Status = db.RequestStatusExecuted
	if err := w.db.StoreBridgeRequest(r); err != nil {
		return fmt.Errorf("failed to persist execution: %w", err)
	}

	metricRequests.WithLabelValues("executed").Inc()
	w.logger.Info("request executed", zap.String("requestID", id.String()))
	return nil
}

// CancelRequest is the administrative escape hatch for Pending and
// Challenged requests. Cancelling a challenged request owes the challenger
// their bond back, without reward.
func (w *Window) CancelRequest(caller bridge.Address, id bridge.RequestID, reason string) (*Resolution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if caller != w.cfg.Admin {
		return nil, fmt.Errorf("%w: %s is not the admin", ErrNotAuthorized, caller)
	}

	r, ok := w.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}

	if r.Status == db.RequestStatusExecuted {
		return nil, fmt.Errorf("%w: %s", ErrRequestAlreadyExecuted, id)
	}
	// Only Pending and Challenged requests can be cancelled. An approved
	// request's sole exit is execution.
	if r.Status != db.RequestStatusPending && r.Status != db.RequestStatusChallenged {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, r.Status)
	}

	res := &Resolution{Status: db.RequestStatusCancelled, ChallengerPayout: big.NewInt(0)}
	wasPending := r.Status == db.RequestStatusPending
	if r.Status == db.RequestStatusChallenged {
		res.Challenger = r.Challenger
		res.ChallengerPayout.Set(r.Bond)
	}
	if wasPending {
		r.Reason = reason
	}

	r.Status = db.RequestStatusCancelled
	if err := w.db.StoreBridgeRequest(r); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	metricRequests.WithLabelValues("cancelled").Inc()
	if wasPending {
		metricPending.Dec()
	}
	w.logger.Info("request cancelled",
		zap.String("requestID", id.String()),
		zap.String("reason", reason),
		zap.String("bondReturned", res.ChallengerPayout.String()),
	)
	return res, nil
}

// GetRequest returns a copy of a request.
func (w *Window) GetRequest(id bridge.RequestID) (*db.BridgeRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.requests[id]
	if !ok {
		return nil, false
	}
	return copyRequest(r), true
}

// StatusOf returns a request's current status.
func (w *Window) StatusOf(id bridge.RequestID) (db.RequestStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.requests[id]
	if !ok {
		return db.RequestStatusUnset, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r.Status, nil
}

func copyRequest(r *db.BridgeRequest) *db.BridgeRequest {
	c := *r
	if r.Message != nil {
		m := *r.Message
		c.Message = &m
	}
	if r.Bond != nil {
		c.Bond = new(big.Int).Set(r.Bond)
	}
	return &c
}

// Stats is a point-in-time summary for the status server.
type Stats struct {
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Challenged  int    `json:"challenged"`
	Approved    int    `json:"approved"`
	Executed    int    `json:"executed"`
	Refunded    int    `json:"refunded"`
	Cancelled   int    `json:"cancelled"`
	ForfeitPool string `json:"forfeitPool"`
}

func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{Total: len(w.requests), ForfeitPool: w.forfeitPool.String()}
	for _, r := range w.requests {
		switch r.Status {
		case db.RequestStatusPending:
			s.Pending++
		case db.RequestStatusChallenged:
			s.Challenged++
		case db.RequestStatusApproved:
			s.Approved++
		case db.RequestStatusExecuted:
			s.Executed++
		case db.RequestStatusRefunded:
			s.Refunded++
		case db.RequestStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}
