package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainIDFromString(t *testing.T) {
	type test struct {
		input  string
		output ChainID
	}

	tests := []test{
		{input: "ethereum", output: ChainIDEthereum},
		{input: "bsc", output: ChainIDBSC},
		{input: "polygon", output: ChainIDPolygon},
		{input: "avalanche", output: ChainIDAvalanche},
		{input: "arbitrum", output: ChainIDArbitrum},
		{input: "optimism", output: ChainIDOptimism},
		{input: "base", output: ChainIDBase},
		{input: "solana", output: ChainIDSolana},
		{input: "1", output: ChainIDEthereum},
		{input: "8", output: ChainIDSolana},
	}

	for _, tc := range tests {
		chainID, err := ChainIDFromString(tc.input)
		require.NoError(t, err)
		assert.Equal(t, tc.output, chainID)
	}

	for _, bad := range []string{"", "mainnet", "99", "65537"} {
		_, err := ChainIDFromString(bad)
		assert.Error(t, err)
	}
}

func TestChainIDStringRoundTrip(t *testing.T) {
	for _, c := range KnownChainIDs {
		got, err := ChainIDFromString(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestUnknownChainIDString(t *testing.T) {
	assert.Equal(t, "unset", ChainIDUnset.String())
	assert.Equal(t, "unknown chain ID: 4242", ChainID(4242).String())
}

func TestIsEVMChain(t *testing.T) {
	assert.True(t, ChainIDEthereum.IsEVMChain())
	assert.True(t, ChainIDBase.IsEVMChain())
	assert.False(t, ChainIDSolana.IsEVMChain())
	assert.False(t, ChainIDUnset.IsEVMChain())
}

func TestNativeAddressStringEVM(t *testing.T) {
	addr, err := StringToAddress("0x0290fb167208af455bb137780163b7b7a9a10c16")
	require.NoError(t, err)
	assert.Equal(t, "0x0290fb167208af455bb137780163b7b7a9a10c16", NativeAddressString(ChainIDEthereum, addr))
}

func TestNativeAddressStringSolanaRoundTrip(t *testing.T) {
	var addr = Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}
	native := NativeAddressString(ChainIDSolana, addr)
	assert.False(t, strings.HasPrefix(native, "0x"))

	got, err := NativeAddressFromString(ChainIDSolana, native)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestNativeAddressFromStringBadBase58(t *testing.T) {
	_, err := NativeAddressFromString(ChainIDSolana, "0OIl")
	assert.Error(t, err)
}
