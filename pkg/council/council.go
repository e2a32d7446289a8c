// The council is the bridge's governance body. Any single guardian can pull
// the emergency brake; everything else moves through proposals that collect
// approvals from distinct guardians and execute once the threshold is met.
// Approval and execution are separate steps so a quorate proposal can still
// be reviewed, or cancelled, before it takes effect.
//
// Proposals expire a fixed lifetime after creation. Expiry is a property of
// time rather than a stored status, so a proposal that gathered its approvals
// too late simply stops being executable.
package council

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
	ErrNotGuardian             = errors.New("caller is not a guardian")
	ErrNotAuthorized           = errors.New("caller may not cancel this proposal")
	ErrAlreadyPaused           = errors.New("bridge is already paused")
	ErrNotPaused               = errors.New("bridge is not paused")
	ErrInvalidAction           = errors.New("invalid proposal action")
	ErrInvalidTarget           = errors.New("proposal target must not be zero")
	ErrInvalidValue            = errors.New("proposal value must not be zero")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrAlreadyVoted            = errors.New("guardian already approved this proposal")
	ErrProposalExpired         = errors.New("proposal lifetime has passed")
	ErrInsufficientApprovals   = errors.New("approvals below threshold")
	ErrProposalAlreadyExecuted = errors.New("proposal already executed")
	ErrProposalCancelled       = errors.New("proposal was cancelled")
	ErrGuardianExists          = errors.New("guardian already on the roster")
	ErrUnknownGuardian         = errors.New("guardian not on the roster")
)

var (
	metricProposals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_council_proposals_total",
			Help: "Total number of proposal events, by kind",
		}, []string{"event"})
	metricPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_council_paused",
			Help: "Whether the council's pause is active (0 or 1)",
		})
	metricGuardians = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_council_guardians",
			Help: "Number of guardians on the roster",
		})
	metricBlacklisted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_council_blacklisted",
			Help: "Number of addresses currently blacklisted",
		})
)

const DefaultProposalLifetime = 72 * time.Hour

type Config struct {
	// Guardians and Threshold seed the roster on first boot. Once council
	// state has been persisted the stored roster wins.
	Guardians []ethcommon.Address
	Threshold int

	// Admin may cancel any proposal; the zero address disables it.
	Admin ethcommon.Address

	ProposalLifetime time.Duration

	// Roster bounds. The guardian roster obeys the same floor, ceiling
	// and threshold feasibility rules as the validator's signer set.
	MinGuardians int
	MaxGuardians int
}

func (c *Config) applyDefaults() {
	if c.ProposalLifetime == 0 {
		c.ProposalLifetime = DefaultProposalLifetime
	}
	if c.MinGuardians == 0 {
		c.MinGuardians = bridge.MinSignerCount
	}
	if c.MaxGuardians == 0 {
		c.MaxGuardians = bridge.MaxSignerCount
	}
}

type Council struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     db.CouncilDBInterface
	cfg    Config

	state     *db.CouncilState
	proposals map[uint64]*db.Proposal
	blacklist map[bridge.Address]bool
}

func NewCouncil(logger *zap.Logger, database db.CouncilDBInterface, cfg Config) *Council {
	cfg.applyDefaults()
	return &Council{
		logger:    logger.With(zap.String("component", "council")),
		db:        database,
		cfg:       cfg,
		state:     &db.CouncilState{},
		proposals: make(map[uint64]*db.Proposal),
		blacklist: make(map[bridge.Address]bool),
	}
}

// Run restores council state, proposals and the blacklist from the database.
// On a first boot the configured roster is validated, installed and persisted.
func (c *Council) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded, err := c.db.LoadCouncilState()
	if err != nil {
		return fmt.Errorf("failed to load council state: %w", err)
	}

	if loaded.State != nil {
		c.state = loaded.State
		c.logger.Info("reloaded council state",
			zap.Int("guardians", len(c.state.Guardians)),
			zap.Int("threshold", c.state.Threshold),
			zap.Bool("paused", c.state.Paused),
			zap.Int("proposals", len(loaded.Proposals)),
		)
	} else {
		if err := validateRoster(c.cfg.Guardians, c.cfg.Threshold, c.cfg.MinGuardians, c.cfg.MaxGuardians); err != nil {
			return fmt.Errorf("invalid initial guardian roster: %w", err)
		}
		c.state = &db.CouncilState{
			Guardians:      append([]ethcommon.Address{}, c.cfg.Guardians...),
			Threshold:      c.cfg.Threshold,
			NextProposalID: 1,
		}
		if err := c.db.StoreCouncilState(c.state); err != nil {
			return fmt.Errorf("failed to persist initial council state: %w", err)
		}
		c.logger.Info("installed guardian roster",
			zap.Int("guardians", len(c.state.Guardians)),
			zap.Int("threshold", c.state.Threshold),
		)
	}

	for _, p := range loaded.Proposals {
		c.proposals[p.ID] = p
	}
	for _, e := range loaded.Blacklist {
		c.blacklist[e.Address] = e.Blocked
	}

	c.updateGaugesLocked()
	return nil
}

// EmergencyPause halts the bridge on the word of a single guardian. The
// circuit breaker deliberately needs no quorum; lifting the pause does, via
// an Unpause proposal.
func (c *Council) EmergencyPause(caller ethcommon.Address, reason string) error {
	return c.EmergencyPauseForTime(caller, reason, time.Now())
}

func (c *Council) EmergencyPauseForTime(caller ethcommon.Address, reason string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isGuardianLocked(caller) {
		return fmt.Errorf("%w: %s", ErrNotGuardian, caller.Hex())
	}
	if c.state.Paused {
		return ErrAlreadyPaused
	}

	c.state.Paused = true
	c.state.PausedBy = caller
	c.state.PausedAt = now
	c.state.PauseReason = reason
	if err := c.db.StoreCouncilState(c.state); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}

	c.updateGaugesLocked()
	c.logger.Warn("emergency pause",
		zap.String("guardian", caller.Hex()),
		zap.String("reason", reason),
	)
	return nil
}

// CreateProposal opens a new proposal with the proposer recorded as its
// first approval. Returns the assigned proposal id.
func (c *Council) CreateProposal(caller ethcommon.Address, action db.ProposalAction, target bridge.Address, value uint64) (uint64, error) {
	return c.CreateProposalForTime(caller, action, target, value, time.Now())
}

func (c *Council) CreateProposalForTime(caller ethcommon.Address, action db.ProposalAction, target bridge.Address, value uint64, now time.Time) (uint64, error) {
	if action == db.ProposalActionNone || action > db.ProposalActionUpdateThreshold {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAction, action)
	}
	switch action {
	case db.ProposalActionBlacklist, db.ProposalActionWhitelist,
		db.ProposalActionAddGuardian, db.ProposalActionRemoveGuardian:
		if target.IsZero() {
			return 0, fmt.Errorf("%w: %s", ErrInvalidTarget, action)
		}
	case db.ProposalActionUpdateThreshold:
		if value == 0 || value > uint64(c.cfg.MaxGuardians) { // #nosec G115 -- bounds are small positive config values
			return 0, fmt.Errorf("%w: threshold %d", ErrInvalidValue, value)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isGuardianLocked(caller) {
		return 0, fmt.Errorf("%w: %s", ErrNotGuardian, caller.Hex())
	}

	p := &db.Proposal{
		ID:        c.state.NextProposalID,
		Action:    action,
		Proposer:  caller,
		Target:    target,
		Value:     value,
		Approvals: []ethcommon.Address{caller},
		Status:    db.ProposalStatusPending,
		CreatedAt: now,
	}
	// A threshold of one makes the proposer's own approval a quorum.
	if len(p.Approvals) >= c.state.Threshold {
		p.Status = db.ProposalStatusApproved
	}

	c.state.NextProposalID++
	if err := c.db.StoreCouncilState(c.state); err != nil {
		c.state.NextProposalID--
		return 0, fmt.Errorf("failed to persist proposal counter: %w", err)
	}
	if err := c.db.StoreProposal(p); err != nil {
		return 0, fmt.Errorf("failed to persist proposal: %w", err)
	}
	c.proposals[p.ID] = p

	metricProposals.WithLabelValues("created").Inc()
	c.logger.Info("proposal created",
		zap.Uint64("proposal", p.ID),
		zap.Stringer("action", action),
		zap.String("proposer", caller.Hex()),
		zap.String("target", target.String()),
		zap.Uint64("value", value),
	)
	return p.ID, nil
}

// ApproveProposal records one guardian's approval. Reaching the threshold
// flips the proposal to Approved; execution stays a separate call.
func (c *Council) ApproveProposal(caller ethcommon.Address, id uint64) error {
	return c.ApproveProposalForTime(caller, id, time.Now())
}

func (c *Council) ApproveProposalForTime(caller ethcommon.Address, id uint64, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isGuardianLocked(caller) {
		return fmt.Errorf("%w: %s", ErrNotGuardian, caller.Hex())
	}
	p, ok := c.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, id)
	}
	if err := c.checkLiveLocked(p, now); err != nil {
		return err
	}
	for _, a := range p.Approvals {
		if a == caller {
			return fmt.Errorf("%w: %s on proposal %d", ErrAlreadyVoted, caller.Hex(), id)
		}
	}

	p.Approvals = append(p.Approvals, caller)
	if p.Status == db.ProposalStatusPending && len(p.Approvals) >= c.state.Threshold {
		p.Status = db.ProposalStatusApproved
	}
	if err := c.db.StoreProposal(p); err != nil {
		return fmt.Errorf("failed to persist approval: %w", err)
	}

	metricProposals.WithLabelValues("approved").Inc()
	c.logger.Info("proposal approved",
		zap.Uint64("proposal", id),
		zap.String("guardian", caller.Hex()),
		zap.Int("approvals", len(p.Approvals)),
		zap.Int("threshold", c.state.Threshold),
		zap.Stringer("status", p.Status),
	)
	return nil
}

// ExecuteProposal applies a proposal's action. The approval count is checked
// against the threshold in force now, not the one in force when the votes
// landed.
func (c *Council) ExecuteProposal(caller ethcommon.Address, id uint64) error {
	return c.ExecuteProposalForTime(caller, id, time.Now())
}

func (c *Council) ExecuteProposalForTime(caller ethcommon.Address, id uint64, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isGuardianLocked(caller) {
		return fmt.Errorf("%w: %s", ErrNotGuardian, caller.Hex())
	}
	p, ok := c.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, id)
	}
	if err := c.checkLiveLocked(p, now); err != nil {
		return err
	}
	if len(p.Approvals) < c.state.Threshold {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientApprovals, len(p.Approvals), c.state.Threshold)
	}

	if err := c.applyActionLocked(p, caller, now); err != nil {
		return err
	}

	p.Status = db.ProposalStatusExecuted
	p.ExecutedAt = now
	if err := c.db.StoreProposal(p); err != nil {
		return fmt.Errorf("failed to persist execution: %w", err)
	}

	c.updateGaugesLocked()
	metricProposals.WithLabelValues("executed").Inc()
	c.logger.Info("proposal executed",
		zap.Uint64("proposal", id),
		zap.Stringer("action", p.Action),
		zap.String("executor", caller.Hex()),
	)
	return nil
}

// applyActionLocked dispatches a proposal's effect. Roster mutations are
// validated on a candidate copy before anything is committed.
func (c *Council) applyActionLocked(p *db.Proposal, caller ethcommon.Address, now time.Time) error {
	switch p.Action {
	case db.ProposalActionBlacklist:
		return c.setBlacklistLocked(p.Target, true)

	case db.ProposalActionWhitelist:
		return c.setBlacklistLocked(p.Target, false)

	case db.ProposalActionPause:
		if c.state.Paused {
			return ErrAlreadyPaused
		}
		c.state.Paused = true
		c.state.PausedBy = caller
		c.state.PausedAt = now
		c.state.PauseReason = fmt.Sprintf("council proposal %d", p.ID)
		return c.persistStateLocked("pause")

	case db.ProposalActionUnpause:
		if !c.state.Paused {
			return ErrNotPaused
		}
		c.state.Paused = false
		c.state.PausedBy = ethcommon.Address{}
		c.state.PausedAt = time.Time{}
		c.state.PauseReason = ""
		return c.persistStateLocked("unpause")

	case db.ProposalActionAddGuardian:
		addr := p.Target.EthAddress()
		if c.isGuardianLocked(addr) {
			return fmt.Errorf("%w: %s", ErrGuardianExists, addr.Hex())
		}
		roster := append(append([]ethcommon.Address{}, c.state.Guardians...), addr)
		if err := validateRoster(roster, c.state.Threshold, c.cfg.MinGuardians, c.cfg.MaxGuardians); err != nil {
			return err
		}
		c.state.Guardians = roster
		return c.persistStateLocked("guardian addition")

	case db.ProposalActionRemoveGuardian:
		addr := p.Target.EthAddress()
		idx := -1
		for i, g := range c.state.Guardians {
			if g == addr {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownGuardian, addr.Hex())
		}
		roster := append([]ethcommon.Address{}, c.state.Guardians...)
		roster = append(roster[:idx], roster[idx+1:]...)
		if err := validateRoster(roster, c.state.Threshold, c.cfg.MinGuardians, c.cfg.MaxGuardians); err != nil {
			return err
		}
		c.state.Guardians = roster
		return c.persistStateLocked("guardian removal")

	case db.ProposalActionUpdateThreshold:
		threshold := int(p.Value) // #nosec G115 -- bounded by MaxGuardians at creation
		if err := validateRoster(c.state.Guardians, threshold, c.cfg.MinGuardians, c.cfg.MaxGuardians); err != nil {
			return err
		}
		c.state.Threshold = threshold
		return c.persistStateLocked("threshold update")
	}
	return fmt.Errorf("%w: %d", ErrInvalidAction, p.Action)
}

// CancelProposal marks a proposal Cancelled. Only the original proposer or
// the configured admin may cancel, and execution is irreversible.
func (c *Council) CancelProposal(caller ethcommon.Address, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, id)
	}
	isAdmin := c.cfg.Admin != (ethcommon.Address{}) && caller == c.cfg.Admin
	if caller != p.Proposer && !isAdmin {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller.Hex())
	}
	switch p.Status {
	case db.ProposalStatusExecuted:
		return fmt.Errorf("%w: %d", ErrProposalAlreadyExecuted, id)
	case db.ProposalStatusCancelled:
		return fmt.Errorf("%w: %d", ErrProposalCancelled, id)
	}

	p.Status = db.ProposalStatusCancelled
	if err := c.db.StoreProposal(p); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}

	metricProposals.WithLabelValues("cancelled").Inc()
	c.logger.Info("proposal cancelled",
		zap.Uint64("proposal", id),
		zap.String("caller", caller.Hex()),
	)
	return nil
}

// checkLiveLocked rejects interaction with proposals that have left the
// voting stage or outlived their lifetime. Expiry is strictly after
// createdAt + lifetime.
func (c *Council) checkLiveLocked(p *db.Proposal, now time.Time) error {
	switch p.Status {
	case db.ProposalStatusExecuted:
		return fmt.Errorf("%w: %d", ErrProposalAlreadyExecuted, p.ID)
	case db.ProposalStatusCancelled:
		return fmt.Errorf("%w: %d", ErrProposalCancelled, p.ID)
	}
	if now.After(p.CreatedAt.Add(c.cfg.ProposalLifetime)) {
		return fmt.Errorf("%w: %d created %s", ErrProposalExpired, p.ID, p.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *Council) setBlacklistLocked(addr bridge.Address, blocked bool) error {
	if err := c.db.StoreBlacklistEntry(&db.BlacklistEntry{Address: addr, Blocked: blocked}); err != nil {
		return fmt.Errorf("failed to persist blacklist entry: %w", err)
	}
	c.blacklist[addr] = blocked

	c.logger.Info("blacklist updated",
		zap.String("address", addr.String()),
		zap.Bool("blocked", blocked),
	)
	return nil
}

func (c *Council) persistStateLocked(what string) error {
	if err := c.db.StoreCouncilState(c.state); err != nil {
		return fmt.Errorf("failed to persist %s: %w", what, err)
	}
	return nil
}

func (c *Council) isGuardianLocked(addr ethcommon.Address) bool {
	for _, g := range c.state.Guardians {
		if g == addr {
			return true
		}
	}
	return false
}

// validateRoster applies the same bounds discipline as the signer set:
// floor and ceiling on the count, a feasible threshold, no duplicates.
func validateRoster(guardians []ethcommon.Address, threshold, minGuardians, maxGuardians int) error {
	if len(guardians) < minGuardians {
		return fmt.Errorf("roster has %d guardians, minimum is %d", len(guardians), minGuardians)
	}
	if len(guardians) > maxGuardians {
		return fmt.Errorf("roster has %d guardians, maximum is %d", len(guardians), maxGuardians)
	}
	if threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if threshold > len(guardians) {
		return fmt.Errorf("threshold %d exceeds guardian count %d", threshold, len(guardians))
	}
	seen := map[ethcommon.Address]bool{}
	for _, g := range guardians {
		if seen[g] {
			return fmt.Errorf("duplicate guardian %s", g.Hex())
		}
		seen[g] = true
	}
	return nil
}

func (c *Council) updateGaugesLocked() {
	metricGuardians.Set(float64(len(c.state.Guardians)))
	if c.state.Paused {
		metricPaused.Set(1)
	} else {
		metricPaused.Set(0)
	}
	blocked := 0
	for _, b := range c.blacklist {
		if b {
			blocked++
		}
	}
	metricBlacklisted.Set(float64(blocked))
}

// IsGuardian reports roster membership.
func (c *Council) IsGuardian(addr ethcommon.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isGuardianLocked(addr)
}

// Guardians returns a copy of the roster.
func (c *Council) Guardians() []ethcommon.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethcommon.Address{}, c.state.Guardians...)
}

func (c *Council) Threshold() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Threshold
}

// Paused reports whether the council's pause is active.
func (c *Council) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Paused
}

// IsBlacklisted reports whether an address is currently blocked.
func (c *Council) IsBlacklisted(addr bridge.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blacklist[addr]
}

// GetProposal returns a copy of a proposal.
func (c *Council) GetProposal(id uint64) (*db.Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[id]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Approvals = append([]ethcommon.Address{}, p.Approvals...)
	return &cp, true
}

// Stats is a point-in-time summary for the status server.
type Stats struct {
	Guardians   int    `json:"guardians"`
	Threshold   int    `json:"threshold"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pauseReason,omitempty"`
	Proposals   int    `json:"proposals"`
	Pending     int    `json:"pendingProposals"`
	Approved    int    `json:"approvedProposals"`
	Executed    int    `json:"executedProposals"`
	Cancelled   int    `json:"cancelledProposals"`
	Blacklisted int    `json:"blacklisted"`
}

func (c *Council) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Guardians:   len(c.state.Guardians),
		Threshold:   c.state.Threshold,
		Paused:      c.state.Paused,
		PauseReason: c.state.PauseReason,
		Proposals:   len(c.proposals),
	}
	for _, p := range c.proposals {
		switch p.Status {
		case db.ProposalStatusPending:
			s.Pending++
		case db.ProposalStatusApproved:
			s.Approved++
		case db.ProposalStatusExecuted:
			s.Executed++
		case db.ProposalStatusCancelled:
			s.Cancelled++
		}
	}
	for _, b := range c.blacklist {
		if b {
			s.Blacklisted++
		}
	}
	return s
}
