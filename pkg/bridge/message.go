package bridge

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	// Message is the canonical transfer release authorization of the bridge.
	// It is the value object the validator verifies quorum signatures over and
	// is never persisted by the engine itself.
	Message struct {
		// RequestID of the bridge request this message releases
		RequestID RequestID
		// Sender on the source chain
		Sender Address
		// Recipient on the target chain
		Recipient Address
		// Token being transferred
		Token Address
		// Amount in the token's native base units
		Amount *big.Int
		// SourceChain the transfer originated on
		SourceChain ChainID
		// TargetChain the funds are released on
		TargetChain ChainID
		// Nonce of the sender, consumed exactly once
		Nonce uint64
		// Deadline after which the message may no longer be verified
		Deadline time.Time
	}

	// Address is a bridge protocol address, it contains the native chain's address. If the address data type of a
	// chain is < 32bytes the value is zero-padded on the left.
	Address [32]byte

	// RequestID identifies a single bridge request across every component.
	RequestID [32]byte

	// Signature is a 65-byte compact secp256k1 signature in (r, s, v) form.
	Signature [65]byte
)

// bodyLength is the fixed serialized size of a message body: four 32-byte
// addresses, a 32-byte amount, two chain ids, the nonce and the deadline.
const bodyLength = 32 + 32 + 32 + 32 + 32 + 2 + 2 + 8 + 4

var (
	// MessagePrefix domain-separates transfer message digests from every other
	// payload signed by the same keys. Signing prefixes must be at least 32 bytes.
	MessagePrefix = []byte("palisade_bridge_message_00000000|")

	// RotationPrefix domain-separates signer set rotation proofs.
	RotationPrefix = []byte("palisade_signer_rotation_0000000|")
)

// personalPrefix is the EIP-191 personal message prefix for a 32-byte digest.
// Signers sign the personal-prefixed hash so ordinary wallet tooling can
// produce valid bridge signatures.
const personalPrefix = "\x19Ethereum Signed Message:\n32"

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, a)), nil
}

func (a *Address) UnmarshalJSON(data []byte) error {
	addr, err := StringToAddress(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (r RequestID) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, r)), nil
}

func (r RequestID) String() string {
	return hex.EncodeToString(r[:])
}

func (r RequestID) Bytes() []byte {
	return r[:]
}

func (r RequestID) IsZero() bool {
	return r == RequestID{}
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, s)), nil
}

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// Recover returns the signer address of this signature over the given digest.
// Both the raw recovery id (0/1) and the transaction-style form (27/28) are
// accepted in the v byte.
func (s Signature) Recover(digest common.Hash) (common.Address, error) {
	sig := make([]byte, 65)
	copy(sig, s[:])
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}

	return common.BytesToAddress(crypto.Keccak256(pubKey[1:])[12:]), nil
}

// SignDigest signs a prepared digest with the given key.
func SignDigest(digest common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	var sigData Signature
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return sigData, err
	}
	copy(sigData[:], sig)
	return sigData, nil
}

// serializeBody returns the binary representation of the fields covered by the
// message digest. Changing the layout invalidates every signature in flight.
func (m *Message) serializeBody() ([]byte, error) {
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return nil, errors.New("bridge: message amount must be a non-negative integer")
	}
	if m.Amount.BitLen() > 256 {
		return nil, errors.New("bridge: message amount must fit in 32 bytes")
	}

	amount := make([]byte, 32)
	m.Amount.FillBytes(amount)

	buf := new(bytes.Buffer)
	buf.Write(m.RequestID[:])
	buf.Write(m.Sender[:])
	buf.Write(m.Recipient[:])
	buf.Write(m.Token[:])
	buf.Write(amount)
	MustWrite(buf, binary.BigEndian, m.SourceChain)
	MustWrite(buf, binary.BigEndian, m.TargetChain)
	MustWrite(buf, binary.BigEndian, m.Nonce)
	MustWrite(buf, binary.BigEndian, uint32(m.Deadline.Unix())) // #nosec G115 -- This conversion is safe until year 2106

	return buf.Bytes(), nil
}

// MessageSigningDigest returns the hash of the data prepended with its signing prefix.
// The prefix protects messages of different types from digest collisions.
func MessageSigningDigest(prefix []byte, data []byte) (common.Hash, error) {
	if len(prefix) < 32 {
		// Prefixes must be at least 32 bytes.
		return common.Hash{}, errors.New("bridge: prefix must be at least 32 bytes")
	}
	return crypto.Keccak256Hash(prefix, data), nil
}

// personalDigest wraps a structured digest in the personal message envelope.
func personalDigest(digest common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte(personalPrefix), digest.Bytes())
}

// Digest returns the domain-separated structured hash of the message body.
func (m *Message) Digest() (common.Hash, error) {
	body, err := m.serializeBody()
	if err != nil {
		return common.Hash{}, err
	}
	return MessageSigningDigest(MessagePrefix, body)
}

// SigningDigest returns the hash each signer actually signs: the personal
// message envelope over Digest. This is used for signature generation and
// verification.
func (m *Message) SigningDigest() (common.Hash, error) {
	digest, err := m.Digest()
	if err != nil {
		return common.Hash{}, err
	}
	return personalDigest(digest), nil
}

// Sign signs the message with the given key.
func (m *Message) Sign(key *ecdsa.PrivateKey) (Signature, error) {
	digest, err := m.SigningDigest()
	if err != nil {
		return Signature{}, err
	}
	return SignDigest(digest, key)
}

// Marshal returns the binary representation of the message. Signatures travel
// separately from the message body.
func (m *Message) Marshal() ([]byte, error) {
	return m.serializeBody()
}

// Unmarshal deserializes the binary representation of a message.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) != bodyLength {
		return nil, fmt.Errorf("bridge: invalid message length %d, want %d", len(data), bodyLength)
	}

	m := &Message{}
	reader := bytes.NewReader(data)

	if err := binary.Read(reader, binary.BigEndian, &m.RequestID); err != nil {
		return nil, fmt.Errorf("failed to read request id: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.Sender); err != nil {
		return nil, fmt.Errorf("failed to read sender: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.Recipient); err != nil {
		return nil, fmt.Errorf("failed to read recipient: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.Token); err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	amount := [32]byte{}
	if err := binary.Read(reader, binary.BigEndian, &amount); err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}
	m.Amount = new(big.Int).SetBytes(amount[:])

	if err := binary.Read(reader, binary.BigEndian, &m.SourceChain); err != nil {
		return nil, fmt.Errorf("failed to read source chain: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.TargetChain); err != nil {
		return nil, fmt.Errorf("failed to read target chain: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.Nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	deadline := uint32(0)
	if err := binary.Read(reader, binary.BigEndian, &deadline); err != nil {
		return nil, fmt.Errorf("failed to read deadline: %w", err)
	}
	m.Deadline = time.Unix(int64(deadline), 0)

	return m, nil
}

// MessageID returns a human-readable source_chain/sender/nonce tuple, the
// replay-protection identity of the message.
func (m *Message) MessageID() string {
	return fmt.Sprintf("%d/%s/%d", m.SourceChain, m.Sender, m.Nonce)
}

// HexDigest returns the hex-encoded signing digest.
func (m *Message) HexDigest() (string, error) {
	digest, err := m.SigningDigest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Bytes()), nil
}

// MarshalSignatures concatenates signatures into a single byte string.
func MarshalSignatures(sigs []Signature) []byte {
	buf := make([]byte, 0, len(sigs)*65)
	for _, sig := range sigs {
		buf = append(buf, sig[:]...)
	}
	return buf
}

// SignaturesFromBytes splits a concatenated byte string into signatures.
func SignaturesFromBytes(data []byte) ([]Signature, error) {
	if len(data)%65 != 0 {
		return nil, fmt.Errorf("bridge: signature data length %d is not a multiple of 65", len(data))
	}

	sigs := make([]Signature, len(data)/65)
	for i := range sigs {
		copy(sigs[i][:], data[i*65:(i+1)*65])
	}
	return sigs, nil
}

// MustWrite calls binary.Write and panics on errors
func MustWrite(w io.Writer, order binary.ByteOrder, data interface{}) {
	if err := binary.Write(w, order, data); err != nil {
		panic(fmt.Errorf("failed to write binary data: %v", data).Error())
	}
}

// StringToAddress converts a hex-encoded address into a bridge.Address
func StringToAddress(value string) (Address, error) {
	var address Address

	// Make sure we have enough to decode
	if len(value) < 2 {
		return address, fmt.Errorf("value must be at least 1 byte")
	}

	// Trim any preceding "0x" to the address
	value = strings.TrimPrefix(value, "0x")

	res, err := hex.DecodeString(value)
	if err != nil {
		return address, err
	}

	// Make sure we don't have too many bytes
	if len(res) > 32 {
		return address, fmt.Errorf("value must be no more than 32 bytes")
	}
	copy(address[32-len(res):], res)

	return address, nil
}

// BytesToAddress left-pads the given bytes into a bridge.Address
func BytesToAddress(b []byte) (Address, error) {
	var address Address
	if len(b) > 32 {
		return address, fmt.Errorf("value must be no more than 32 bytes")
	}

	copy(address[32-len(b):], b)
	return address, nil
}

// AddressFromEth left-pads a 20-byte account address into a bridge.Address.
func AddressFromEth(addr common.Address) Address {
	var address Address
	copy(address[12:], addr.Bytes())
	return address
}

// EthAddress returns the rightmost 20 bytes as an account address. Only
// meaningful for addresses of account-model EVM chains.
func (a Address) EthAddress() common.Address {
	return common.BytesToAddress(a[12:])
}

// StringToRequestID converts a hex-encoded request id.
func StringToRequestID(value string) (RequestID, error) {
	var id RequestID

	value = strings.TrimPrefix(value, "0x")
	res, err := hex.DecodeString(value)
	if err != nil {
		return id, err
	}
	if len(res) != 32 {
		return id, fmt.Errorf("request id must be exactly 32 bytes")
	}
	copy(id[:], res)

	return id, nil
}
