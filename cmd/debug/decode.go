package debug

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/palisade-bridge/palisade/pkg/bridge"
)

var decodeMessageCmd = &cobra.Command{
	Use:   "decode-message [DATA]",
	Short: "Decode a hex or base58 encoded release message",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, arg := range args {
			b, err := decodePayload(arg)
			if err != nil {
				log.Fatal(err)
			}

			m, err := bridge.Unmarshal(b)
			if err != nil {
				log.Fatal(err)
			}

			digest, err := m.SigningDigest()
			if err != nil {
				log.Fatal(err)
			}

			fmt.Printf("Message with signing digest %s: %s", digest.Hex(), spew.Sdump(m))
		}
	},
}

var decodeSignerSetCmd = &cobra.Command{
	Use:   "decode-signer-set [DATA]",
	Short: "Decode a hex or base58 encoded signer set record",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, arg := range args {
			b, err := decodePayload(arg)
			if err != nil {
				log.Fatal(err)
			}

			s, err := bridge.UnmarshalSignerSet(b)
			if err != nil {
				log.Fatal(err)
			}

			fmt.Printf("Signer set version %d: %s", s.Index, spew.Sdump(s))
		}
	},
}

// decodePayload accepts hex with or without a 0x prefix and falls back to
// base58, so payloads logged on the Solana side paste straight in.
func decodePayload(s string) ([]byte, error) {
	b, hexErr := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if hexErr == nil {
		return b, nil
	}

	b, b58Err := base58.Decode(s)
	if b58Err == nil {
		return b, nil
	}

	return nil, fmt.Errorf("payload is neither hex (%v) nor base58 (%v)", hexErr, b58Err)
}
