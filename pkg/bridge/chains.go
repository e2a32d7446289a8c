package bridge

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"
)

// ChainID of a ledger connected to the bridge
type ChainID uint16

const (
	ChainIDUnset ChainID = 0
	// ChainIDEthereum is the ChainID of Ethereum
	ChainIDEthereum ChainID = 1
	// ChainIDBSC is the ChainID of BNB Smart Chain
	ChainIDBSC ChainID = 2
	// ChainIDPolygon is the ChainID of Polygon
	ChainIDPolygon ChainID = 3
	// ChainIDAvalanche is the ChainID of Avalanche
	ChainIDAvalanche ChainID = 4
	// ChainIDArbitrum is the ChainID of Arbitrum
	ChainIDArbitrum ChainID = 5
	// ChainIDOptimism is the ChainID of Optimism
	ChainIDOptimism ChainID = 6
	// ChainIDBase is the ChainID of Base
	ChainIDBase ChainID = 7
	// ChainIDSolana is the ChainID of Solana
	ChainIDSolana ChainID = 8
)

func (c ChainID) String() string {
	switch c {
	case ChainIDUnset:
		return "unset"
	case ChainIDEthereum:
		return "ethereum"
	case ChainIDBSC:
		return "bsc"
	case ChainIDPolygon:
		return "polygon"
	case ChainIDAvalanche:
		return "avalanche"
	case ChainIDArbitrum:
		return "arbitrum"
	case ChainIDOptimism:
		return "optimism"
	case ChainIDBase:
		return "base"
	case ChainIDSolana:
		return "solana"
	default:
		return fmt.Sprintf("unknown chain ID: %d", uint16(c))
	}
}

// ChainIDFromString converts from a chain's full name or its decimal id to a ChainID.
func ChainIDFromString(s string) (ChainID, error) {
	switch s {
	case "ethereum":
		return ChainIDEthereum, nil
	case "bsc":
		return ChainIDBSC, nil
	case "polygon":
		return ChainIDPolygon, nil
	case "avalanche":
		return ChainIDAvalanche, nil
	case "arbitrum":
		return ChainIDArbitrum, nil
	case "optimism":
		return ChainIDOptimism, nil
	case "base":
		return ChainIDBase, nil
	case "solana":
		return ChainIDSolana, nil
	default:
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return ChainIDUnset, fmt.Errorf("unknown chain name: %s", s)
		}
		c := ChainID(n)
		if !c.IsKnown() {
			return ChainIDUnset, fmt.Errorf("unknown chain id: %s", s)
		}
		return c, nil
	}
}

// KnownChainIDs lists every chain the bridge knows how to address.
var KnownChainIDs = []ChainID{
	ChainIDEthereum,
	ChainIDBSC,
	ChainIDPolygon,
	ChainIDAvalanche,
	ChainIDArbitrum,
	ChainIDOptimism,
	ChainIDBase,
	ChainIDSolana,
}

func (c ChainID) IsKnown() bool {
	for _, known := range KnownChainIDs {
		if c == known {
			return true
		}
	}
	return false
}

// IsEVMChain returns true for chains with 20-byte account-model addresses.
func (c ChainID) IsEVMChain() bool {
	switch c {
	case ChainIDEthereum, ChainIDBSC, ChainIDPolygon, ChainIDAvalanche, ChainIDArbitrum, ChainIDOptimism, ChainIDBase:
		return true
	default:
		return false
	}
}

// NativeAddressString renders a universal address the way the given chain's
// users would write it: 0x-prefixed 20 bytes on EVM chains, base58 on Solana,
// padded hex everywhere else.
func NativeAddressString(c ChainID, a Address) string {
	switch {
	case c.IsEVMChain():
		return "0x" + hex.EncodeToString(a[12:])
	case c == ChainIDSolana:
		return base58.Encode(a[:])
	default:
		return a.String()
	}
}

// NativeAddressFromString parses a chain-native address rendering back into a
// universal address.
func NativeAddressFromString(c ChainID, s string) (Address, error) {
	if c == ChainIDSolana {
		b, err := base58.Decode(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid base58 address: %w", err)
		}
		return BytesToAddress(b)
	}
	return StringToAddress(s)
}
