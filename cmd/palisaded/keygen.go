package palisaded

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/palisade-bridge/palisade/pkg/signer"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var keyDescription *string

func init() {
	keyDescription = KeygenCmd.Flags().String("desc", "", "Human-readable key description (optional)")
	KeygenCmd.AddCommand(keyInfoCmd)
}

var KeygenCmd = &cobra.Command{
	Use:   "keygen [KEYFILE]",
	Short: "Create signer key at the specified path",
	Run:   runKeygen,
	Args:  cobra.ExactArgs(1),
}

var keyInfoCmd = &cobra.Command{
	Use:   "info [KEYFILE]",
	Short: "Print the signer address of an existing key file",
	Run:   runKeyInfo,
	Args:  cobra.ExactArgs(1),
}

func runKeygen(cmd *cobra.Command, args []string) {
	lockMemory()
	setRestrictiveUmask()

	log.Print("Creating new key at ", args[0])

	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	err = signer.WriteSignerKey(key, *keyDescription, args[0], false)
	if err != nil {
		log.Fatalf("failed to write key: %v", err)
	}

	fmt.Printf("Signer address: %s\n", ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
}

func runKeyInfo(cmd *cobra.Command, args []string) {
	lockMemory()
	setRestrictiveUmask()

	// Deterministic keys are acceptable here. Printing an address discloses nothing.
	fs, err := signer.NewFileSigner(true, args[0])
	if err != nil {
		log.Fatalf("failed to load key: %v", err)
	}

	pub := fs.PublicKey()
	fmt.Printf("Signer address: %s\n", ethcrypto.PubkeyToAddress(pub).Hex())
}
