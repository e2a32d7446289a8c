package bridge

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestMessage() *Message {
	var sender = Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}
	var recipient = Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7}
	var token = Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}

	return &Message{
		RequestID:   RequestID{1, 2, 3},
		Sender:      sender,
		Recipient:   recipient,
		Token:       token,
		Amount:      big.NewInt(1000000000000000000),
		SourceChain: ChainIDEthereum,
		TargetChain: ChainIDPolygon,
		Nonce:       42,
		Deadline:    time.Unix(1700003600, 0),
	}
}

func TestSerializeBodyLength(t *testing.T) {
	m := getTestMessage()
	body, err := m.serializeBody()
	require.NoError(t, err)
	assert.Equal(t, bodyLength, len(body))
}

func TestMarshalUnmarshal(t *testing.T) {
	m := getTestMessage()
	data, err := m.Marshal()
	require.NoError(t, err)

	m2, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.RequestID, m2.RequestID)
	assert.Equal(t, m.Sender, m2.Sender)
	assert.Equal(t, m.Recipient, m2.Recipient)
	assert.Equal(t, m.Token, m2.Token)
	assert.Equal(t, 0, m.Amount.Cmp(m2.Amount))
	assert.Equal(t, m.SourceChain, m2.SourceChain)
	assert.Equal(t, m.TargetChain, m2.TargetChain)
	assert.Equal(t, m.Nonce, m2.Nonce)
	assert.Equal(t, m.Deadline.Unix(), m2.Deadline.Unix())
}

func TestUnmarshalWrongLength(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)

	m := getTestMessage()
	data, err := m.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(append(data, 0))
	assert.Error(t, err)
}

func TestSerializeBodyRejectsBadAmounts(t *testing.T) {
	m := getTestMessage()
	m.Amount = nil
	_, err := m.serializeBody()
	assert.Error(t, err)

	m.Amount = big.NewInt(-1)
	_, err = m.serializeBody()
	assert.Error(t, err)

	m.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = m.serializeBody()
	assert.Error(t, err)
}

func TestDigestCoversEveryField(t *testing.T) {
	base, err := getTestMessage().Digest()
	require.NoError(t, err)

	mutations := []func(*Message){
		func(m *Message) { m.RequestID[0] ^= 1 },
		func(m *Message) { m.Sender[31] ^= 1 },
		func(m *Message) { m.Recipient[31] ^= 1 },
		func(m *Message) { m.Token[31] ^= 1 },
		func(m *Message) { m.Amount = big.NewInt(5) },
		func(m *Message) { m.SourceChain = ChainIDBSC },
		func(m *Message) { m.TargetChain = ChainIDBSC },
		func(m *Message) { m.Nonce++ },
		func(m *Message) { m.Deadline = m.Deadline.Add(time.Second) },
	}

	for _, mutate := range mutations {
		m := getTestMessage()
		mutate(m)
		digest, err := m.Digest()
		require.NoError(t, err)
		assert.NotEqual(t, base, digest)
	}
}

func TestSigningDigestDiffersFromDigest(t *testing.T) {
	m := getTestMessage()
	digest, err := m.Digest()
	require.NoError(t, err)
	signing, err := m.SigningDigest()
	require.NoError(t, err)
	assert.NotEqual(t, digest, signing)
}

func TestMessageSigningDigestPrefixTooShort(t *testing.T) {
	_, err := MessageSigningDigest([]byte("short"), []byte{1})
	assert.Error(t, err)
}

func TestSignAndRecover(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)

	m := getTestMessage()
	sig, err := m.Sign(key)
	require.NoError(t, err)

	digest, err := m.SigningDigest()
	require.NoError(t, err)

	addr, err := sig.Recover(digest)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}

func TestRecoverAcceptsTransactionStyleV(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)

	m := getTestMessage()
	sig, err := m.Sign(key)
	require.NoError(t, err)
	sig[64] += 27

	digest, err := m.SigningDigest()
	require.NoError(t, err)

	addr, err := sig.Recover(digest)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}

func TestWrongKeyDoesNotRecoverToSigner(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	otherKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)

	m := getTestMessage()
	sig, err := m.Sign(otherKey)
	require.NoError(t, err)

	digest, err := m.SigningDigest()
	require.NoError(t, err)

	addr, err := sig.Recover(digest)
	require.NoError(t, err)
	assert.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}

func TestMessageID(t *testing.T) {
	m := getTestMessage()
	assert.Equal(t, "1/0000000000000000000000000000000000000000000000000000000000000004/42", m.MessageID())
}

func TestMarshalSignaturesRoundTrip(t *testing.T) {
	sigs := []Signature{{1, 2}, {3, 4}}
	data := MarshalSignatures(sigs)
	assert.Equal(t, 130, len(data))

	got, err := SignaturesFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, sigs, got)
}

func TestSignaturesFromBytesBadLength(t *testing.T) {
	_, err := SignaturesFromBytes(make([]byte, 66))
	assert.Error(t, err)
}

func TestAddressMarshalJSON(t *testing.T) {
	var addr = Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}
	marshalJSON, err := addr.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"0000000000000000000000000000000000000000000000000000000000000004"`, string(marshalJSON))
}

func TestAddressUnmarshalJSON(t *testing.T) {
	var data = []byte(`"0000000000000000000000000000000000000000000000000000000000000004"`)
	var addr Address
	err := json.Unmarshal(data, &addr)
	require.NoError(t, err)
	assert.Equal(t, Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}, addr)
}

func TestStringToAddress(t *testing.T) {
	type test struct {
		input  string
		output Address
		errors bool
	}

	tests := []test{
		{input: "0000000000000000000000000000000000000000000000000000000000000004", output: Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}},
		{input: "0x04", output: Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}},
		{input: "04", output: Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}},
		{input: "", errors: true},
		{input: "not hex", errors: true},
		{input: "000000000000000000000000000000000000000000000000000000000000000004", errors: true},
	}

	for _, tc := range tests {
		addr, err := StringToAddress(tc.input)
		if tc.errors {
			assert.Error(t, err)
		} else {
			require.NoError(t, err)
			assert.Equal(t, tc.output, addr)
		}
	}
}

func TestBytesToAddress(t *testing.T) {
	addr, err := BytesToAddress([]byte{4})
	require.NoError(t, err)
	assert.Equal(t, Address{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4}, addr)

	_, err = BytesToAddress(make([]byte, 33))
	assert.Error(t, err)
}

func TestAddressFromEthRoundTrip(t *testing.T) {
	eth := common.HexToAddress("0x0290fb167208af455bb137780163b7b7a9a10c16")
	addr := AddressFromEth(eth)
	assert.Equal(t, eth, addr.EthAddress())
	assert.False(t, addr.IsZero())
}

func TestStringToRequestID(t *testing.T) {
	id, err := StringToRequestID("0x0102030000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, RequestID{1, 2, 3}, id)

	_, err = StringToRequestID("0102")
	assert.Error(t, err)

	_, err = StringToRequestID("not hex")
	assert.Error(t, err)
}
