package bridge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxSignerCount caps the roster size. Rotation proofs carry the full new
// roster in a single signed body, so the cap keeps proofs small enough for
// every connected chain's transaction size limits.
const MaxSignerCount = 19

// MinSignerCount is the roster floor. Below three signers a 2/3 quorum
// degenerates into a single key.
const MinSignerCount = 3

// SignerSet is one version of the bridge's signer roster. Old versions are
// retained for historical lookup and never mutated after replacement.
type SignerSet struct {
	// Signer public key hashes truncated by the ETH standard hashing mechanism (20 bytes).
	Keys []common.Address
	// Monotonic roster version. The initial roster is version zero and
	// every rotation bumps it by one.
	Index uint32
	// Number of distinct roster signatures a quorum requires
	Threshold int
	// ActivatedAt is when this version became the active roster
	ActivatedAt time.Time
}

func (s *SignerSet) KeysAsHexStrings() []string {
	r := make([]string, len(s.Keys))

	for n, k := range s.Keys {
		r[n] = k.Hex()
	}

	return r
}

// KeyIndex returns a given address index from the signer set. Returns (-1, false)
// if the address wasn't found and (addr, true) otherwise.
func (s *SignerSet) KeyIndex(addr common.Address) (int, bool) {
	for n, k := range s.Keys {
		if k == addr {
			return n, true
		}
	}

	return -1, false
}

// Validate checks the roster bounds and threshold feasibility for the given
// floor and ceiling.
func (s *SignerSet) Validate(minSigners, maxSigners int) error {
	if len(s.Keys) < minSigners {
		return fmt.Errorf("signer set has %d keys, minimum is %d", len(s.Keys), minSigners)
	}
	if len(s.Keys) > maxSigners {
		return fmt.Errorf("signer set has %d keys, maximum is %d", len(s.Keys), maxSigners)
	}
	if s.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if s.Threshold > len(s.Keys) {
		return fmt.Errorf("threshold %d exceeds signer count %d", s.Threshold, len(s.Keys))
	}
	seen := map[common.Address]bool{}
	for _, k := range s.Keys {
		if seen[k] {
			return fmt.Errorf("duplicate signer %s", k.Hex())
		}
		seen[k] = true
	}
	return nil
}

// Marshal returns the binary representation of the signer set.
func (s *SignerSet) Marshal() []byte {
	buf := new(bytes.Buffer)
	MustWrite(buf, binary.BigEndian, s.Index)
	MustWrite(buf, binary.BigEndian, uint8(len(s.Keys))) // #nosec G115 -- Rosters are capped at MaxSignerCount
	for _, k := range s.Keys {
		buf.Write(k.Bytes())
	}
	MustWrite(buf, binary.BigEndian, uint8(s.Threshold))           // #nosec G115 -- Threshold is bounded by the roster size
	MustWrite(buf, binary.BigEndian, uint32(s.ActivatedAt.Unix())) // #nosec G115 -- This conversion is safe until year 2106
	return buf.Bytes()
}

// UnmarshalSignerSet deserializes the binary representation of a signer set.
func UnmarshalSignerSet(data []byte) (*SignerSet, error) {
	if len(data) < 4+1+1+4 {
		return nil, fmt.Errorf("signer set is too short")
	}

	s := &SignerSet{}
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &s.Index); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	numKeys, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read key count: %w", err)
	}

	s.Keys = make([]common.Address, numKeys)
	for i := 0; i < int(numKeys); i++ {
		key := [20]byte{}
		if n, err := reader.Read(key[:]); err != nil || n != 20 {
			return nil, fmt.Errorf("failed to read key [%d]: %w", i, err)
		}
		s.Keys[i] = common.BytesToAddress(key[:])
	}

	threshold, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold: %w", err)
	}
	s.Threshold = int(threshold)

	activatedAt := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &activatedAt); err != nil {
		return nil, fmt.Errorf("failed to read activation time: %w", err)
	}
	s.ActivatedAt = time.Unix(int64(activatedAt), 0)

	return s, nil
}

// rotationTag is the literal every rotation proof commits to.
const rotationTag = "ROTATE_SIGNER_SET"

// RotationSigningDigest returns the digest a signer signs to authorize
// replacing roster version currentIndex with the given keys and threshold.
// The chain id prevents replay of the proof on another deployment.
func RotationSigningDigest(chainID ChainID, currentIndex uint32, newKeys []common.Address, newThreshold int) (common.Hash, error) {
	if len(newKeys) > MaxSignerCount {
		return common.Hash{}, fmt.Errorf("new signer set has %d keys, maximum is %d", len(newKeys), MaxSignerCount)
	}
	if newThreshold < 0 || newThreshold > 255 {
		return common.Hash{}, fmt.Errorf("new threshold %d out of range", newThreshold)
	}

	buf := new(bytes.Buffer)
	buf.WriteString(rotationTag)
	MustWrite(buf, binary.BigEndian, currentIndex)
	MustWrite(buf, binary.BigEndian, uint8(len(newKeys))) // #nosec G115 -- bounds checked above
	for _, k := range newKeys {
		buf.Write(k.Bytes())
	}
	MustWrite(buf, binary.BigEndian, uint8(newThreshold)) // #nosec G115 -- bounds checked above
	MustWrite(buf, binary.BigEndian, chainID)

	digest, err := MessageSigningDigest(RotationPrefix, buf.Bytes())
	if err != nil {
		return common.Hash{}, err
	}
	return personalDigest(digest), nil
}
