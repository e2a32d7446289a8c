package db

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

func TestNonceEntryRoundTrip(t *testing.T) {
	n := &NonceEntry{Sender: bridge.Address{0xde, 0xad}, Nonce: 12345}

	b := n.Marshal()
	assert.Len(t, b, 40)

	got, err := UnmarshalNonceEntry(b)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestUnmarshalNonceEntryWrongLength(t *testing.T) {
	_, err := UnmarshalNonceEntry(make([]byte, 39))
	assert.Error(t, err)
}

func TestValidatorStateRoundTrip(t *testing.T) {
	d := openTestDB(t)
	vdb := NewValidatorDB(d.Conn())

	set0 := &bridge.SignerSet{
		Keys:        []common.Address{common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")},
		Index:       0,
		Threshold:   1,
		ActivatedAt: time.Unix(1700000000, 0),
	}
	set1 := &bridge.SignerSet{
		Keys: []common.Address{
			common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"),
			common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"),
		},
		Index:       1,
		Threshold:   2,
		ActivatedAt: time.Unix(1700100000, 0),
	}
	require.NoError(t, vdb.StoreSignerSet(set0))
	require.NoError(t, vdb.StoreSignerSet(set1))

	require.NoError(t, vdb.StoreNonce(&NonceEntry{Sender: bridge.Address{0x01}, Nonce: 1}))
	require.NoError(t, vdb.StoreNonce(&NonceEntry{Sender: bridge.Address{0x01}, Nonce: 2}))
	require.NoError(t, vdb.StoreNonce(&NonceEntry{Sender: bridge.Address{0x02}, Nonce: 1}))

	state, err := vdb.LoadValidatorState()
	require.NoError(t, err)

	require.Len(t, state.SignerSets, 2)
	assert.Equal(t, uint32(0), state.SignerSets[0].Index)
	assert.Equal(t, uint32(1), state.SignerSets[1].Index)
	assert.Equal(t, set1.Keys, state.SignerSets[1].Keys)
	assert.Equal(t, set1.Threshold, state.SignerSets[1].Threshold)
	assert.Equal(t, set1.ActivatedAt.Unix(), state.SignerSets[1].ActivatedAt.Unix())

	assert.Len(t, state.Nonces, 3)
}

func TestStoreNonceIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	vdb := NewValidatorDB(d.Conn())

	n := &NonceEntry{Sender: bridge.Address{0x07}, Nonce: 9}
	require.NoError(t, vdb.StoreNonce(n))
	require.NoError(t, vdb.StoreNonce(n))

	state, err := vdb.LoadValidatorState()
	require.NoError(t, err)
	assert.Len(t, state.Nonces, 1)
}
