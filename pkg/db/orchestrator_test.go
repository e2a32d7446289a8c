package db

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

func getTestDeposit() *Deposit {
	return &Deposit{
		RequestID:   bridge.RequestID{0x91},
		Sender:      bridge.Address{0x92},
		Recipient:   bridge.Address{0x93},
		Token:       bridge.Address{0x94},
		GrossAmount: big.NewInt(1000000000000000000),
		Fee:         big.NewInt(1000000000000000),
		SourceChain: bridge.ChainIDEthereum,
		TargetChain: bridge.ChainIDBase,
		InitiatedAt: time.Unix(1700000000, 0),
	}
}

func TestDepositRoundTrip(t *testing.T) {
	dep := getTestDeposit()

	b, err := dep.Marshal()
	require.NoError(t, err)
	assert.Len(t, b, 208)

	got, err := UnmarshalDeposit(b)
	require.NoError(t, err)
	assert.Equal(t, dep.RequestID, got.RequestID)
	assert.Equal(t, dep.Sender, got.Sender)
	assert.Equal(t, dep.Recipient, got.Recipient)
	assert.Equal(t, dep.Token, got.Token)
	assert.Zero(t, dep.GrossAmount.Cmp(got.GrossAmount))
	assert.Zero(t, dep.Fee.Cmp(got.Fee))
	assert.Equal(t, dep.SourceChain, got.SourceChain)
	assert.Equal(t, dep.TargetChain, got.TargetChain)
	assert.Equal(t, dep.InitiatedAt.Unix(), got.InitiatedAt.Unix())
	assert.False(t, got.Executed())
	assert.False(t, got.Refunded())

	_, err = UnmarshalDeposit(b[:207])
	assert.Error(t, err)
}

func TestDepositSettlementFlags(t *testing.T) {
	dep := getTestDeposit()
	dep.CompletedAt = time.Unix(1700021700, 0)

	b, err := dep.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalDeposit(b)
	require.NoError(t, err)
	assert.True(t, got.Executed())
	assert.False(t, got.Refunded())
	assert.Equal(t, dep.CompletedAt.Unix(), got.CompletedAt.Unix())
}

func TestOrchestratorStateRoundTrip(t *testing.T) {
	d := openTestDB(t)
	odb := NewOrchestratorDB(d.Conn())

	dep := getTestDeposit()
	require.NoError(t, odb.StoreDeposit(dep))

	dep.RefundedAt = time.Unix(1700030000, 0)
	require.NoError(t, odb.StoreDeposit(dep))

	require.NoError(t, odb.StoreSequence(42))

	state, err := odb.LoadOrchestratorState()
	require.NoError(t, err)
	require.Len(t, state.Deposits, 1)
	assert.True(t, state.Deposits[0].Refunded())
	assert.Equal(t, uint64(42), state.Sequence)
}

func TestOrchestratorStateEmpty(t *testing.T) {
	d := openTestDB(t)
	odb := NewOrchestratorDB(d.Conn())

	state, err := odb.LoadOrchestratorState()
	require.NoError(t, err)
	assert.Empty(t, state.Deposits)
	assert.Zero(t, state.Sequence)
}
