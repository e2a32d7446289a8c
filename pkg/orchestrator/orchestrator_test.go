package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/challenge"
	"github.com/palisade-bridge/palisade/pkg/council"
	"github.com/palisade-bridge/palisade/pkg/db"
	"github.com/palisade-bridge/palisade/pkg/governor"
	"github.com/palisade-bridge/palisade/pkg/validator"
)

var testEpoch = time.Unix(1700000000, 0)

var (
	alice      = bridge.Address{0x0a}
	bob        = bridge.Address{0x0b}
	bridgeSelf = bridge.Address{0x5e}
	challenger = bridge.Address{0xca}
	authority  = bridge.Address{0xfa}
	admin      = bridge.Address{0xad}
	testToken  = bridge.Address{0x70}

	guardian1 = common.Address{0x01}
	guardian2 = common.Address{0x02}
	guardian3 = common.Address{0x03}
)

// units scales a whole token count to 18 decimals. The test token is priced
// at one dollar, so units(n) is also n dollars of volume to the governor.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type testStack struct {
	orch      *Orchestrator
	validator *validator.Validator
	window    *challenge.Window
	governor  *governor.Governor
	council   *council.Council
	ledger    *MemoryLedger
	keys      []*ecdsa.PrivateKey
}

func getTestStack(t *testing.T) *testStack {
	t.Helper()
	return getTestStackWithDB(t, db.MockOrchestratorDB{})
}

func getTestStackWithDB(t *testing.T, odb db.OrchestratorDBInterface) *testStack {
	t.Helper()

	keys := make([]*ecdsa.PrivateKey, 5)
	addrs := make([]common.Address, 5)
	for i := range keys {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = key
		addrs[i] = ethcrypto.PubkeyToAddress(key.PublicKey)
	}

	v := validator.NewValidator(zap.NewNop(), db.MockValidatorDB{}, validator.Config{HomeChain: bridge.ChainIDEthereum})
	require.NoError(t, v.Run(context.Background()))
	require.NoError(t, v.InitSignerSetForTime(addrs, 3, testEpoch))

	g := governor.NewGovernor(zap.NewNop(), db.MockGovernorDB{}, governor.Config{
		Tokens: []governor.TokenConfig{{
			Address:  testToken,
			Symbol:   "PAL",
			Decimals: 18,
			PriceUSD: units(1),
		}},
	})
	require.NoError(t, g.Run(context.Background()))

	w := challenge.NewWindow(zap.NewNop(), db.MockChallengeDB{}, challenge.Config{
		MinBond:          big.NewInt(100),
		ChallengerReward: big.NewInt(50),
		Submitters:       []bridge.Address{bridgeSelf},
		FraudAuthority:   authority,
		Orchestrator:     bridgeSelf,
		Admin:            admin,
	})
	require.NoError(t, w.Run(context.Background()))

	c := council.NewCouncil(zap.NewNop(), db.MockCouncilDB{}, council.Config{
		Guardians: []common.Address{guardian1, guardian2, guardian3},
		Threshold: 2,
	})
	require.NoError(t, c.Run(context.Background()))

	ledger := NewMemoryLedger()
	require.NoError(t, ledger.Credit(alice, testToken, units(1_000_000)))

	o := NewOrchestrator(zap.NewNop(), odb, c, g, w, v, ledger, Config{
		HomeChain: bridge.ChainIDEthereum,
		Self:      bridgeSelf,
	})
	require.NoError(t, o.Run(context.Background()))

	return &testStack{orch: o, validator: v, window: w, governor: g, council: c, ledger: ledger, keys: keys}
}

func (s *testStack) initiateAt(t *testing.T, sender bridge.Address, amount *big.Int, now time.Time) bridge.RequestID {
	t.Helper()
	id, err := s.orch.InitiateBridgeForTime(sender, testToken, amount, bob, bridge.ChainIDArbitrum, testEpoch.Add(48*time.Hour), now)
	require.NoError(t, err)
	return id
}

func (s *testStack) storedMessage(t *testing.T, id bridge.RequestID) *bridge.Message {
	t.Helper()
	r, ok := s.window.GetRequest(id)
	require.True(t, ok)
	return r.Message
}

func signQuorum(t *testing.T, msg *bridge.Message, keys ...*ecdsa.PrivateKey) []bridge.Signature {
	t.Helper()

	digest, err := msg.SigningDigest()
	require.NoError(t, err)

	sigs := make([]bridge.Signature, 0, len(keys))
	for _, key := range keys {
		sig, err := bridge.SignDigest(digest, key)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func (s *testStack) complete(t *testing.T, id bridge.RequestID, now time.Time) error {
	t.Helper()
	msg := s.storedMessage(t, id)
	sigs := signQuorum(t, msg, s.keys[0], s.keys[1], s.keys[2])
	return s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, now)
}

func TestInitiateBridgeValidation(t *testing.T) {
	s := getTestStack(t)
	deadline := testEpoch.Add(48 * time.Hour)

	_, err := s.orch.InitiateBridgeForTime(alice, testToken, nil, bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, big.NewInt(0), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, big.NewInt(-5), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bridge.Address{}, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bob, bridge.ChainID(999), deadline, testEpoch)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	// The home chain cannot be its own bridge target.
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bob, bridge.ChainIDEthereum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrUnsupportedChain)

	// A deadline at the call instant is already too late.
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bob, bridge.ChainIDArbitrum, testEpoch, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidDeadline)

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bob, bridge.ChainIDArbitrum, testEpoch.Add(-time.Second), testEpoch)
	assert.ErrorIs(t, err, ErrInvalidDeadline)

	// None of the rejected calls committed anything.
	st := s.orch.Stats()
	assert.Equal(t, 0, st.Deposits)
	assert.Equal(t, uint64(0), st.Sequence)
	assert.Equal(t, "0", s.orch.GetTvl(testToken).String())
}

func TestInitiateBridgeTakesCustody(t *testing.T) {
	s := getTestStack(t)
	gross := units(10_000)
	deadline := testEpoch.Add(48 * time.Hour)

	id, err := s.orch.InitiateBridgeForTime(alice, testToken, gross, bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	assert.Equal(t, units(990_000), s.ledger.Balance(alice, testToken))
	assert.Equal(t, gross, s.orch.GetTvl(testToken))

	dep, ok := s.orch.GetDeposit(id)
	require.True(t, ok)
	assert.Equal(t, alice, dep.Sender)
	assert.Equal(t, bob, dep.Recipient)
	assert.Equal(t, testToken, dep.Token)
	assert.Equal(t, gross, dep.GrossAmount)
	assert.Equal(t, units(10), dep.Fee)
	assert.Equal(t, bridge.ChainIDEthereum, dep.SourceChain)
	assert.Equal(t, bridge.ChainIDArbitrum, dep.TargetChain)
	assert.Equal(t, testEpoch, dep.InitiatedAt)
	assert.False(t, dep.Executed())
	assert.False(t, dep.Refunded())

	// The challenge window request carries the post fee amount.
	r, ok := s.window.GetRequest(id)
	require.True(t, ok)
	assert.Equal(t, db.RequestStatusPending, r.Status)
	assert.Equal(t, units(9_990), r.Message.Amount)
	assert.Equal(t, uint64(1), r.Message.Nonce)
	assert.Equal(t, deadline, r.Message.Deadline)
	assert.Equal(t, testEpoch.Add(challenge.DefaultChallengePeriod), r.Deadline)

	// A second transfer gets a fresh id and the next nonce.
	id2, err := s.orch.InitiateBridgeForTime(alice, testToken, gross, bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, uint64(2), s.storedMessage(t, id2).Nonce)
}

func TestInitiateBridgePaused(t *testing.T) {
	s := getTestStack(t)
	deadline := testEpoch.Add(48 * time.Hour)
	require.True(t, s.orch.IsOperational())

	require.NoError(t, s.council.EmergencyPauseForTime(guardian1, "key compromise drill", testEpoch))
	assert.False(t, s.orch.IsOperational())

	_, err := s.orch.InitiateBridgeForTime(alice, testToken, units(1_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrGuardianPaused)

	// Input validation still reports before the pause gate.
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, nil, bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// Lifting the pause takes a guardian quorum.
	pid, err := s.council.CreateProposalForTime(guardian1, db.ProposalActionUnpause, bridge.Address{}, 0, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.council.ApproveProposalForTime(guardian2, pid, testEpoch))
	require.NoError(t, s.council.ExecuteProposalForTime(guardian2, pid, testEpoch))

	assert.True(t, s.orch.IsOperational())
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	require.NoError(t, err)
}

func TestInitiateBridgeBlacklisted(t *testing.T) {
	s := getTestStack(t)
	deadline := testEpoch.Add(48 * time.Hour)

	pid, err := s.council.CreateProposalForTime(guardian1, db.ProposalActionBlacklist, alice, 0, testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.council.ApproveProposalForTime(guardian2, pid, testEpoch))
	require.NoError(t, s.council.ExecuteProposalForTime(guardian1, pid, testEpoch))
	require.True(t, s.council.IsBlacklisted(alice))

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrBlacklisted)
	assert.Equal(t, units(1_000_000), s.ledger.Balance(alice, testToken))

	// Only the flagged sender is blocked.
	require.NoError(t, s.ledger.Credit(bob, testToken, units(1_000)))
	_, err = s.orch.InitiateBridgeForTime(bob, testToken, units(1_000), alice, bridge.ChainIDArbitrum, deadline, testEpoch)
	require.NoError(t, err)
}

func TestInitiateBridgeInsufficientFunds(t *testing.T) {
	s := getTestStack(t)
	carol := bridge.Address{0x0c}
	deadline := testEpoch.Add(48 * time.Hour)

	_, err := s.orch.InitiateBridgeForTime(carol, testToken, units(10_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed call burned a sequence number but committed nothing else.
	st := s.orch.Stats()
	assert.Equal(t, uint64(1), st.Sequence)
	assert.Equal(t, 0, st.Deposits)
	assert.Equal(t, "0", s.orch.GetTvl(testToken).String())

	// A funded retry goes through with the next sequence number.
	require.NoError(t, s.ledger.Credit(carol, testToken, units(10_000)))
	id, err := s.orch.InitiateBridgeForTime(carol, testToken, units(10_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.storedMessage(t, id).Nonce)
}

func TestInitiateBridgeUnknownToken(t *testing.T) {
	s := getTestStack(t)
	other := bridge.Address{0x71}
	require.NoError(t, s.ledger.Credit(alice, other, units(100)))

	_, err := s.orch.InitiateBridgeForTime(alice, other, units(100), bob, bridge.ChainIDArbitrum, testEpoch.Add(48*time.Hour), testEpoch)
	assert.ErrorIs(t, err, governor.ErrTokenNotSupported)

	// Rejected before custody moved.
	assert.Equal(t, units(100), s.ledger.Balance(alice, other))
}

func TestInitiateBridgeVolumeLimits(t *testing.T) {
	s := getTestStack(t)
	deadline := testEpoch.Add(48 * time.Hour)

	// The per transaction cap rejects before any custody change.
	_, err := s.orch.InitiateBridgeForTime(alice, testToken, units(200_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, governor.ErrExceedsPerTxLimit)
	assert.Equal(t, units(1_000_000), s.ledger.Balance(alice, testToken))

	// Five 90k transfers fill 450k of the 500k hourly window.
	for i := 0; i < 5; i++ {
		_, err := s.orch.InitiateBridgeForTime(alice, testToken, units(90_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
		require.NoError(t, err)
	}

	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(90_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, governor.ErrExceedsHourlyLimit)

	// The rejected transfer left no custody behind.
	assert.Equal(t, units(550_000), s.ledger.Balance(alice, testToken))
	assert.Equal(t, units(450_000), s.orch.GetTvl(testToken))

	// The next hour opens a fresh window.
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(90_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch.Add(time.Hour))
	require.NoError(t, err)
}

func TestInitiateBridgeAutoPauseReturnsFunds(t *testing.T) {
	s := getTestStack(t)
	deadline := testEpoch.Add(48 * time.Hour)

	for i := 0; i < 5; i++ {
		_, err := s.orch.InitiateBridgeForTime(alice, testToken, units(90_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
		require.NoError(t, err)
	}
	balance := s.ledger.Balance(alice, testToken)

	// 30k keeps the hourly window under its limit, so the preview passes,
	// but the post transfer total sits in the automatic pause band. The
	// recording call rejects, the pause latches and the debit comes back.
	_, err := s.orch.InitiateBridgeForTime(alice, testToken, units(30_000), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, governor.ErrAutoPaused)
	assert.Equal(t, balance, s.ledger.Balance(alice, testToken))
	assert.True(t, s.governor.Paused())
	assert.False(t, s.orch.IsOperational())

	// Latched: even a tiny transfer is now rejected up front.
	_, err = s.orch.InitiateBridgeForTime(alice, testToken, units(1), bob, bridge.ChainIDArbitrum, deadline, testEpoch)
	assert.ErrorIs(t, err, ErrGuardianPaused)

	require.NoError(t, s.governor.Resume())
	assert.True(t, s.orch.IsOperational())
}

func TestInitiateBridgeFeeSwallowsAmount(t *testing.T) {
	s := getTestStack(t)

	o := NewOrchestrator(zap.NewNop(), db.MockOrchestratorDB{}, s.council, s.governor, s.window, s.validator, s.ledger, Config{
		HomeChain: bridge.ChainIDEthereum,
		FeeBps:    bpsDenominator,
		Self:      bridgeSelf,
	})
	require.NoError(t, o.Run(context.Background()))

	_, err := o.InitiateBridgeForTime(alice, testToken, units(100), bob, bridge.ChainIDArbitrum, testEpoch.Add(48*time.Hour), testEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCompleteBridgeReleasesFunds(t *testing.T) {
	s := getTestStack(t)
	gross := units(10_000)
	id := s.initiateAt(t, alice, gross, testEpoch)

	release := testEpoch.Add(challenge.DefaultChallengePeriod)
	require.NoError(t, s.window.ApproveRequestForTime(id, release))
	require.NoError(t, s.complete(t, id, release))

	assert.Equal(t, units(9_990), s.ledger.Balance(bob, testToken))

	status, err := s.window.StatusOf(id)
	require.NoError(t, err)
	assert.Equal(t, db.RequestStatusExecuted, status)

	dep, ok := s.orch.GetDeposit(id)
	require.True(t, ok)
	assert.True(t, dep.Executed())
	assert.Equal(t, release, dep.CompletedAt)

	// Only the fee stays locked.
	assert.Equal(t, units(10), s.orch.GetTvl(testToken))

	// The settled message's nonce is burned in the validator.
	msg := s.storedMessage(t, id)
	sigs := signQuorum(t, msg, s.keys[0], s.keys[1], s.keys[2])
	set, err := s.validator.CurrentSignerSet()
	require.NoError(t, err)
	err = s.validator.VerifyQuorumForTime(msg, sigs, set.Index, release)
	assert.ErrorIs(t, err, validator.ErrNonceAlreadyUsed)
}

func TestCompleteBridgeGuards(t *testing.T) {
	s := getTestStack(t)
	id := s.initiateAt(t, alice, units(10_000), testEpoch)
	msg := s.storedMessage(t, id)
	release := testEpoch.Add(challenge.DefaultChallengePeriod)
	sigs := signQuorum(t, msg, s.keys[0], s.keys[1], s.keys[2])

	// Input validation precedes every lookup.
	err := s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, nil, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = s.orch.CompleteBridgeForTime(bridge.RequestID{0xee}, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	// Too early: the challenge window has not released the request.
	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, testEpoch.Add(time.Hour))
	assert.ErrorIs(t, err, ErrRequestNotApproved)

	require.NoError(t, s.window.ApproveRequestForTime(id, release))

	// Gross amount instead of net.
	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, units(10_000), msg.SourceChain, msg.Nonce, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrMessageMismatch)

	err = s.orch.CompleteBridgeForTime(id, msg.Sender, bridge.Address{0xbb}, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrMessageMismatch)

	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, bridge.ChainIDPolygon, msg.Nonce, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrMessageMismatch)

	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce+1, msg.Deadline, sigs, release)
	assert.ErrorIs(t, err, ErrMessageMismatch)

	// Two signatures cannot meet a threshold of three.
	short := signQuorum(t, msg, s.keys[0], s.keys[1])
	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, short, release)
	assert.ErrorIs(t, err, validator.ErrInsufficientSignatures)

	// The same signer twice is a hard failure, not a smaller quorum.
	dup := signQuorum(t, msg, s.keys[0], s.keys[0], s.keys[1])
	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, dup, release)
	assert.ErrorIs(t, err, validator.ErrDuplicateSignature)

	// Past the message deadline the quorum no longer verifies.
	err = s.orch.CompleteBridgeForTime(id, msg.Sender, msg.Recipient, msg.Token, msg.Amount, msg.SourceChain, msg.Nonce, msg.Deadline, sigs, testEpoch.Add(49*time.Hour))
	assert.ErrorIs(t, err, validator.ErrMessageExpired)

	// None of the failures released funds or burned the nonce.
	assert.Equal(t, "0", s.ledger.Balance(bob, testToken).String())
	require.NoError(t, s.complete(t, id, release))

	// Executed is terminal for completion.
	err = s.complete(t, id, release)
	assert.ErrorIs(t, err, ErrRequestNotApproved)
}

func TestRefundBridgeFraudFlow(t *testing.T) {
	s := getTestStack(t)
	gross := units(10_000)
	before := s.ledger.Balance(alice, testToken)

	id := s.initiateAt(t, alice, gross, testEpoch)
	assert.Equal(t, new(big.Int).Sub(before, gross), s.ledger.Balance(alice, testToken))

	// Challenged in hour five of the six hour window.
	err := s.window.ChallengeRequestForTime(challenger, id, big.NewInt(100), "forged recipient", testEpoch.Add(5*time.Hour))
	require.NoError(t, err)

	res, err := s.window.ResolveChallenge(authority, id, true)
	require.NoError(t, err)
	assert.Equal(t, db.RequestStatusRefunded, res.Status)
	assert.Equal(t, big.NewInt(150), res.ChallengerPayout)

	require.NoError(t, s.orch.RefundBridgeForTime(id, testEpoch.Add(5*time.Hour+30*time.Minute)))
	assert.Equal(t, before, s.ledger.Balance(alice, testToken))
	assert.Equal(t, "0", s.orch.GetTvl(testToken).String())

	dep, ok := s.orch.GetDeposit(id)
	require.True(t, ok)
	assert.True(t, dep.Refunded())

	// The principal comes back exactly once.
	err = s.orch.RefundBridgeForTime(id, testEpoch.Add(6*time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, before, s.ledger.Balance(alice, testToken))
}

func TestRefundBridgeGuards(t *testing.T) {
	s := getTestStack(t)

	err := s.orch.RefundBridgeForTime(bridge.RequestID{0xee}, testEpoch)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	// A pending request is not refund eligible.
	id := s.initiateAt(t, alice, units(1_000), testEpoch)
	err = s.orch.RefundBridgeForTime(id, testEpoch.Add(time.Hour))
	assert.ErrorIs(t, err, ErrRequestNotApproved)

	// Neither is an approved one: its only exit is execution.
	require.NoError(t, s.window.ApproveRequestForTime(id, testEpoch.Add(challenge.DefaultChallengePeriod)))
	err = s.orch.RefundBridgeForTime(id, testEpoch.Add(7*time.Hour))
	assert.ErrorIs(t, err, ErrRequestNotApproved)
}

func TestCalculateFee(t *testing.T) {
	s := getTestStack(t)

	fee, err := s.orch.CalculateFee(units(10_000))
	require.NoError(t, err)
	assert.Equal(t, units(10), fee)

	// Ten basis points of a thousand is one.
	fee, err = s.orch.CalculateFee(big.NewInt(1_000))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), fee)

	// Below the basis denominator the fee rounds down to zero.
	fee, err = s.orch.CalculateFee(big.NewInt(999))
	require.NoError(t, err)
	assert.Equal(t, "0", fee.String())

	_, err = s.orch.CalculateFee(nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.orch.CalculateFee(big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestOrchestratorStateReload(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	odb := db.NewOrchestratorDB(database.Conn())

	s := getTestStackWithDB(t, odb)

	idA := s.initiateAt(t, alice, units(10_000), testEpoch)
	idB := s.initiateAt(t, alice, units(20_000), testEpoch)

	release := testEpoch.Add(challenge.DefaultChallengePeriod)
	require.NoError(t, s.window.ApproveRequestForTime(idA, release))
	require.NoError(t, s.complete(t, idA, release))

	// A fresh orchestrator over the same database picks up both deposits,
	// the completion and the sequence counter.
	o2 := NewOrchestrator(zap.NewNop(), odb, s.council, s.governor, s.window, s.validator, s.ledger, Config{
		HomeChain: bridge.ChainIDEthereum,
		Self:      bridgeSelf,
	})
	require.NoError(t, o2.Run(context.Background()))

	st := o2.Stats()
	assert.Equal(t, 2, st.Deposits)
	assert.Equal(t, uint64(2), st.Sequence)

	depA, ok := o2.GetDeposit(idA)
	require.True(t, ok)
	assert.True(t, depA.Executed())
	assert.Equal(t, release.Unix(), depA.CompletedAt.Unix())

	depB, ok := o2.GetDeposit(idB)
	require.True(t, ok)
	assert.False(t, depB.Executed())
	assert.Equal(t, units(20_000), depB.GrossAmount)

	// TVL rebuilt: both grosses in, the completed net out.
	assert.Equal(t, units(20_010), o2.GetTvl(testToken))

	// The sequence keeps counting on the reloaded instance.
	id3, err := o2.InitiateBridgeForTime(alice, testToken, units(1_000), bob, bridge.ChainIDArbitrum, testEpoch.Add(48*time.Hour), testEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.storedMessage(t, id3).Nonce)
}

func TestOrchestratorStats(t *testing.T) {
	s := getTestStack(t)

	st := s.orch.Stats()
	assert.Equal(t, 0, st.Deposits)
	assert.True(t, st.Operational)
	assert.Empty(t, st.Tvl)

	s.initiateAt(t, alice, units(5_000), testEpoch)
	st = s.orch.Stats()
	assert.Equal(t, 1, st.Deposits)
	assert.Equal(t, uint64(1), st.Sequence)
	assert.Equal(t, units(5_000).String(), st.Tvl[testToken.String()])
}
