package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
)

// The types of signers that are supported
type SignerType int

const (
	InvalidSignerType SignerType = iota
	// file://<path-to-file>
	FileSignerType
)

// Signer produces validator signatures over 32 byte digests.
type Signer interface {
	// Sign expects a keccak256 hash that needs to be signed.
	Sign(hash []byte) (sig []byte, err error)
	// PublicKey returns the ECDSA public key of the signer. Note that this
	// should not be confused with the EVM address.
	PublicKey() (pubKey ecdsa.PublicKey)
	// Verify is a convenience function that recovers a public key from the
	// sig/hash pair, and checks if the public key matches that of the signer.
	Verify(sig []byte, hash []byte) (valid bool, err error)
}

func NewSignerFromUri(signerUri string, unsafeDevMode bool) (Signer, error) {
	signerType, signerKeyConfig := ParseSignerUri(signerUri)

	switch signerType {
	case FileSignerType:
		return NewFileSigner(unsafeDevMode, signerKeyConfig)
	default:
		return nil, fmt.Errorf("unsupported signer type")
	}
}

func ParseSignerUri(signerUri string) (signerType SignerType, signerKeyConfig string) {
	// Split the URI using the standard "://" scheme separator
	signerUriSplit := strings.Split(signerUri, "://")

	// This check is purely for ensuring that there is actually a path separator.
	if len(signerUriSplit) < 2 {
		return InvalidSignerType, ""
	}

	typeStr := signerUriSplit[0]
	// Rejoin the remainder of the split URI as the configuration for the
	// signer implementation.
	keyConfig := strings.Join(signerUriSplit[1:], "://")

	switch typeStr {
	case "file":
		return FileSignerType, keyConfig
	default:
		return InvalidSignerType, ""
	}
}
