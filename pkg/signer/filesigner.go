package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/openpgp/armor" //nolint
)

const (
	SignerKeyArmoredBlock = "PALISADE SIGNER PRIVATE KEY"

	deterministicHeader = "Deterministic"
)

type FileSigner struct {
	keyPath    string
	privateKey *ecdsa.PrivateKey
}

func NewFileSigner(unsafeDevMode bool, signerKeyPath string) (*FileSigner, error) {
	fileSigner := &FileSigner{
		keyPath: signerKeyPath,
	}

	f, err := os.Open(signerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	p, err := armor.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read armored file: %w", err)
	}

	if p.Type != SignerKeyArmoredBlock {
		return nil, fmt.Errorf("invalid block type: %s", p.Type)
	}

	b, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if !unsafeDevMode && p.Header[deterministicHeader] == "true" {
		return nil, errors.New("refusing to use deterministic key in production")
	}

	gk, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize raw key data: %w", err)
	}

	fileSigner.privateKey = gk
	return fileSigner, nil
}

func (fs *FileSigner) Sign(hash []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(hash, fs.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	return sig, nil
}

func (fs *FileSigner) PublicKey() ecdsa.PublicKey {
	return fs.privateKey.PublicKey
}

func (fs *FileSigner) Verify(sig []byte, hash []byte) (bool, error) {
	recoveredPubKey, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}

	// Need to use fs.privateKey.Public() instead of PublicKey to ensure
	// the returned public key has the right interface for Equal() to work.
	fsPubkey := fs.privateKey.Public()

	return recoveredPubKey.Equal(fsPubkey), nil
}

// WriteSignerKey serializes a signer key and writes it to disk. Files holding
// deterministic dev keys are marked in the armor headers so production nodes
// refuse to load them.
func WriteSignerKey(key *ecdsa.PrivateKey, description string, filename string, deterministic bool) error {
	if _, err := os.Stat(filename); !os.IsNotExist(err) {
		return errors.New("refusing to override existing key")
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	headers := map[string]string{
		"PublicKey": ethcrypto.PubkeyToAddress(key.PublicKey).String(),
	}
	if description != "" {
		headers["Description"] = description
	}
	if deterministic {
		headers[deterministicHeader] = "true"
	}

	a, err := armor.Encode(f, SignerKeyArmoredBlock, headers)
	if err != nil {
		panic(err)
	}
	if _, err := a.Write(ethcrypto.FromECDSA(key)); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	if err := a.Close(); err != nil {
		return err
	}
	return f.Close()
}
