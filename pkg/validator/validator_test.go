package validator

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/db"
)

var testEpoch = time.Unix(1700000000, 0)

func genKeys(t *testing.T, n int) ([]*ecdsa.PrivateKey, []ethcommon.Address) {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	addrs := make([]ethcommon.Address, n)
	for i := range keys {
		k, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
		require.NoError(t, err)
		keys[i] = k
		addrs[i] = ethcrypto.PubkeyToAddress(k.PublicKey)
	}
	return keys, addrs
}

func getTestValidator(t *testing.T, n, threshold int) (*Validator, []*ecdsa.PrivateKey, []ethcommon.Address) {
	t.Helper()
	keys, addrs := genKeys(t, n)

	v := NewValidator(zap.NewNop(), db.MockValidatorDB{}, Config{HomeChain: bridge.ChainIDEthereum})
	require.NoError(t, v.Run(context.Background()))
	require.NoError(t, v.InitSignerSetForTime(addrs, threshold, testEpoch))
	return v, keys, addrs
}

func getTestMsg() *bridge.Message {
	return &bridge.Message{
		RequestID:   bridge.RequestID{0x01},
		Sender:      bridge.Address{0x02},
		Recipient:   bridge.Address{0x03},
		Token:       bridge.Address{0x04},
		Amount:      big.NewInt(1000000000000000000),
		SourceChain: bridge.ChainIDEthereum,
		TargetChain: bridge.ChainIDPolygon,
		Nonce:       1,
		Deadline:    testEpoch.Add(time.Hour),
	}
}

func signMsg(t *testing.T, msg *bridge.Message, keys ...*ecdsa.PrivateKey) []bridge.Signature {
	t.Helper()
	sigs := make([]bridge.Signature, 0, len(keys))
	for _, k := range keys {
		sig, err := msg.Sign(k)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func signRotation(t *testing.T, chain bridge.ChainID, index uint32, newKeys []ethcommon.Address, newThreshold int, keys ...*ecdsa.PrivateKey) []bridge.Signature {
	t.Helper()
	digest, err := bridge.RotationSigningDigest(chain, index, newKeys, newThreshold)
	require.NoError(t, err)

	sigs := make([]bridge.Signature, 0, len(keys))
	for _, k := range keys {
		sig, err := bridge.SignDigest(digest, k)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestVerifyQuorumSevenSignersThresholdFive(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()

	// Five of seven distinct signers meet the quorum.
	sigs := signMsg(t, msg, keys[0], keys[2], keys[3], keys[5], keys[6])
	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, testEpoch))
	assert.True(t, v.UsedNonce(msg.Sender, msg.Nonce))
}

func TestVerifyQuorumFourSignaturesFailFast(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()

	sigs := signMsg(t, msg, keys[0], keys[1], keys[2], keys[3])
	err := v.VerifyQuorumForTime(msg, sigs, 0, testEpoch)
	assert.ErrorIs(t, err, ErrInsufficientSignatures)
	assert.False(t, v.UsedNonce(msg.Sender, msg.Nonce))
}

func TestVerifyQuorumNonRosterSignerDoesNotCount(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()

	stranger, _ := genKeys(t, 1)
	sigs := signMsg(t, msg, keys[0], keys[1], keys[2], keys[3], stranger[0])
	err := v.VerifyQuorumForTime(msg, sigs, 0, testEpoch)
	assert.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestVerifyQuorumReplayRejected(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()

	sigs := signMsg(t, msg, keys[0], keys[1], keys[2], keys[3], keys[4])
	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, testEpoch))

	// Same message again, same perfectly valid quorum: the nonce is spent.
	err := v.VerifyQuorumForTime(msg, sigs, 0, testEpoch.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)
}

func TestVerifyQuorumDuplicateSignature(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()

	sigs := signMsg(t, msg, keys[0], keys[1], keys[2], keys[3], keys[3])
	err := v.VerifyQuorumForTime(msg, sigs, 0, testEpoch)
	assert.ErrorIs(t, err, ErrDuplicateSignature)
}

func TestVerifyQuorumMalformedSignatureSkipped(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)
	msg := getTestMsg()

	sigs := signMsg(t, msg, keys[0], keys[1], keys[2])
	garbage := bridge.Signature{}
	garbage[64] = 29
	sigs = append(sigs, garbage)

	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, testEpoch))
}

func TestVerifyQuorumExpiry(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)
	msg := getTestMsg()
	sigs := signMsg(t, msg, keys[0], keys[1], keys[2])

	// Strictly past the deadline is rejected.
	err := v.VerifyQuorumForTime(msg, sigs, 0, msg.Deadline.Add(time.Second))
	assert.ErrorIs(t, err, ErrMessageExpired)

	// At the deadline instant the message is still valid.
	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, msg.Deadline))
}

func TestVerifyQuorumWrongSetVersion(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)
	msg := getTestMsg()
	sigs := signMsg(t, msg, keys[0], keys[1], keys[2])

	err := v.VerifyQuorumForTime(msg, sigs, 1, testEpoch)
	assert.ErrorIs(t, err, ErrSignerSetMismatch)
}

func TestVerifyQuorumNoActiveSet(t *testing.T) {
	v := NewValidator(zap.NewNop(), db.MockValidatorDB{}, Config{HomeChain: bridge.ChainIDEthereum})
	require.NoError(t, v.Run(context.Background()))

	msg := getTestMsg()
	err := v.VerifyQuorumForTime(msg, nil, 0, testEpoch)
	assert.ErrorIs(t, err, ErrNoActiveSignerSet)
}

func TestVerifyQuorumViewDoesNotConsumeNonce(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)
	msg := getTestMsg()
	sigs := signMsg(t, msg, keys[0], keys[1], keys[2])

	ok, matching, err := v.VerifyQuorumViewForTime(msg, sigs, 0, testEpoch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, matching)
	assert.False(t, v.UsedNonce(msg.Sender, msg.Nonce))

	// The mutating path still passes afterwards.
	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, testEpoch))

	ok, _, err = v.VerifyQuorumViewForTime(msg, sigs, 0, testEpoch)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)
}

func TestNonceScopedPerSender(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	msgA := getTestMsg()
	require.NoError(t, v.VerifyQuorumForTime(msgA, signMsg(t, msgA, keys[0], keys[1], keys[2]), 0, testEpoch))

	msgB := getTestMsg()
	msgB.Sender = bridge.Address{0x42}
	require.NoError(t, v.VerifyQuorumForTime(msgB, signMsg(t, msgB, keys[0], keys[1], keys[2]), 0, testEpoch))
}

func TestInvalidateNonce(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	msg := getTestMsg()
	require.NoError(t, v.InvalidateNonce(msg.Sender, msg.Nonce))

	// A fully signed message carrying the burned nonce no longer verifies.
	err := v.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2]), 0, testEpoch)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)

	// Burning the same pair twice fails.
	err = v.InvalidateNonce(msg.Sender, msg.Nonce)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)

	// Other nonces from the same sender are untouched.
	assert.False(t, v.UsedNonce(msg.Sender, msg.Nonce+1))
}

func TestInitSignerSetOnce(t *testing.T) {
	v, _, addrs := getTestValidator(t, 5, 3)
	err := v.InitSignerSetForTime(addrs, 3, testEpoch)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitSignerSetBounds(t *testing.T) {
	_, addrs := genKeys(t, 5)

	type test struct {
		label     string
		keys      []ethcommon.Address
		threshold int
	}
	tests := []test{
		{label: "below floor", keys: addrs[:2], threshold: 2},
		{label: "zero threshold", keys: addrs, threshold: 0},
		{label: "threshold above count", keys: addrs, threshold: 6},
	}

	for _, tc := range tests {
		t.Run(tc.label, func(t *testing.T) {
			v := NewValidator(zap.NewNop(), db.MockValidatorDB{}, Config{HomeChain: bridge.ChainIDEthereum})
			assert.Error(t, v.InitSignerSetForTime(tc.keys, tc.threshold, testEpoch))
		})
	}
}

func TestAddSigner(t *testing.T) {
	v, _, addrs := getTestValidator(t, 5, 3)

	_, extra := genKeys(t, 1)
	require.NoError(t, v.AddSigner(extra[0]))

	set, err := v.CurrentSignerSet()
	require.NoError(t, err)
	assert.Len(t, set.Keys, 6)
	assert.Equal(t, uint32(0), set.Index)

	assert.ErrorIs(t, v.AddSigner(addrs[0]), ErrSignerExists)
}

func TestRemoveSignerStopsCounting(t *testing.T) {
	v, keys, addrs := getTestValidator(t, 5, 3)

	require.NoError(t, v.RemoveSigner(addrs[4]))

	msg := getTestMsg()
	sigs := signMsg(t, msg, keys[2], keys[3], keys[4])
	err := v.VerifyQuorumForTime(msg, sigs, 0, testEpoch)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	sigs = signMsg(t, msg, keys[1], keys[2], keys[3])
	require.NoError(t, v.VerifyQuorumForTime(msg, sigs, 0, testEpoch))
}

func TestRemoveSignerBounds(t *testing.T) {
	v, _, addrs := getTestValidator(t, 5, 3)

	assert.ErrorIs(t, v.RemoveSigner(ethcommon.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")), ErrUnknownSigner)

	// Dropping to four and then three members is fine with threshold 3.
	require.NoError(t, v.RemoveSigner(addrs[4]))
	require.NoError(t, v.RemoveSigner(addrs[3]))

	// A fourth member cannot go: three is the floor.
	assert.Error(t, v.RemoveSigner(addrs[2]))
}

func TestUpdateThreshold(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	require.NoError(t, v.UpdateThreshold(4))

	msg := getTestMsg()
	err := v.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2]), 0, testEpoch)
	assert.ErrorIs(t, err, ErrInsufficientSignatures)

	require.NoError(t, v.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2], keys[3]), 0, testEpoch))

	assert.Error(t, v.UpdateThreshold(6))
	assert.Error(t, v.UpdateThreshold(0))
}

func TestRotateSigners(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	newKeys, newAddrs := genKeys(t, 4)
	rotationTime := testEpoch.Add(DefaultRotationCooldown)

	sigs := signRotation(t, bridge.ChainIDEthereum, 0, newAddrs, 3, keys[0], keys[1], keys[2])
	require.NoError(t, v.RotateSignersForTime(newAddrs, 3, sigs, rotationTime))

	set, err := v.CurrentSignerSet()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), set.Index)
	assert.Len(t, set.Keys, 4)

	// Messages must now reference set version 1. The old version is dead.
	msg := getTestMsg()
	msg.Deadline = rotationTime.Add(time.Hour)

	oldSigs := signMsg(t, msg, keys[0], keys[1], keys[2])
	err = v.VerifyQuorumForTime(msg, oldSigs, 0, rotationTime)
	assert.ErrorIs(t, err, ErrSignerSetMismatch)

	newSigs := signMsg(t, msg, newKeys[0], newKeys[1], newKeys[2])
	require.NoError(t, v.VerifyQuorumForTime(msg, newSigs, 1, rotationTime))
}

func TestRotateSignersCooldown(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	_, newAddrs := genKeys(t, 4)
	sigs := signRotation(t, bridge.ChainIDEthereum, 0, newAddrs, 3, keys[0], keys[1], keys[2])

	err := v.RotateSignersForTime(newAddrs, 3, sigs, testEpoch.Add(DefaultRotationCooldown-time.Second))
	assert.ErrorIs(t, err, ErrRotationCooldown)

	// At exactly the cooldown boundary the rotation goes through.
	require.NoError(t, v.RotateSignersForTime(newAddrs, 3, sigs, testEpoch.Add(DefaultRotationCooldown)))
}

func TestRotateSignersRequiresCurrentSetQuorum(t *testing.T) {
	v, _, _ := getTestValidator(t, 5, 3)

	newKeys, newAddrs := genKeys(t, 4)

	// The incoming signers cannot approve their own installation.
	sigs := signRotation(t, bridge.ChainIDEthereum, 0, newAddrs, 3, newKeys[0], newKeys[1], newKeys[2])
	err := v.RotateSignersForTime(newAddrs, 3, sigs, testEpoch.Add(DefaultRotationCooldown))
	assert.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestRotationApprovalsNotReplayable(t *testing.T) {
	v, keys, _ := getTestValidator(t, 5, 3)

	_, newAddrs := genKeys(t, 4)
	sigs := signRotation(t, bridge.ChainIDEthereum, 0, newAddrs, 3, keys[0], keys[1], keys[2])
	require.NoError(t, v.RotateSignersForTime(newAddrs, 3, sigs, testEpoch.Add(DefaultRotationCooldown)))

	// The same approvals signed over set index 0 cannot authorize a second
	// rotation: the digest now covers index 1.
	err := v.RotateSignersForTime(newAddrs, 3, sigs, testEpoch.Add(2*DefaultRotationCooldown))
	assert.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestStats(t *testing.T) {
	v, keys, _ := getTestValidator(t, 7, 5)
	msg := getTestMsg()
	require.NoError(t, v.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2], keys[3], keys[4]), 0, testEpoch))

	s := v.Stats()
	assert.True(t, s.Initialized)
	assert.Equal(t, uint32(0), s.SetVersion)
	assert.Equal(t, 7, s.SignerCount)
	assert.Equal(t, 5, s.Threshold)
	assert.Equal(t, 1, s.NonceCount)
}

func TestValidatorStateReload(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	vdb := db.NewValidatorDB(database.Conn())

	keys, addrs := genKeys(t, 5)

	v := NewValidator(zap.NewNop(), vdb, Config{HomeChain: bridge.ChainIDEthereum})
	require.NoError(t, v.Run(context.Background()))
	require.NoError(t, v.InitSignerSetForTime(addrs, 3, testEpoch))

	msg := getTestMsg()
	require.NoError(t, v.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2]), 0, testEpoch))

	// A fresh validator over the same database sees the set and the spent
	// nonce.
	v2 := NewValidator(zap.NewNop(), vdb, Config{HomeChain: bridge.ChainIDEthereum})
	require.NoError(t, v2.Run(context.Background()))

	assert.True(t, v2.UsedNonce(msg.Sender, msg.Nonce))
	err = v2.VerifyQuorumForTime(msg, signMsg(t, msg, keys[0], keys[1], keys[2]), 0, testEpoch)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)

	set, err := v2.CurrentSignerSet()
	require.NoError(t, err)
	assert.Equal(t, 3, set.Threshold)
}
