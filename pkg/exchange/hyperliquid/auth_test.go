package hyperliquid

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	mathhex "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082796fe3f6a4ab2ed5f8d2"

func sampleOrderAction() Action {
	return Action{
		Type: ActionTypeOrder,
		Orders: []orderPayload{{
			Asset:      1,
			IsBuy:      true,
			LimitPx:    "50000",
			Sz:         "0.001",
			ReduceOnly: false,
			OrderType:  orderTypePayload{Limit: &limitOrderPayload{TIF: "Ioc"}},
		}},
		Grouping: "na",
	}
}

func TestActionHashNoVault(t *testing.T) {
	action := sampleOrderAction()
	nonce := int64(1700000000000)

	hash, err := actionHash(action, nonce, "")
	require.NoError(t, err)
	require.Len(t, hash, 32)

	msgpackBytes, err := msgpack.Marshal(action)
	require.NoError(t, err)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	payload := append(append(msgpackBytes, nonceBytes[:]...), 0x00)
	require.Equal(t, crypto.Keccak256(payload), hash)
}

func TestActionHashWithVault(t *testing.T) {
	action := sampleOrderAction()
	nonce := int64(1700000000000)
	const vault = "0x1234567890AbcdEF1234567890aBcdef12345678"

	hash, err := actionHash(action, nonce, vault)
	require.NoError(t, err)

	msgpackBytes, err := msgpack.Marshal(action)
	require.NoError(t, err)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	payload := append(append(msgpackBytes, nonceBytes[:]...), 0x01)
	payload = append(payload, common.HexToAddress(vault).Bytes()...)
	require.Equal(t, crypto.Keccak256(payload), hash)

	plain, err := actionHash(action, nonce, "")
	require.NoError(t, err)
	require.NotEqual(t, plain, hash)
}

func TestBuildEIP712Digest(t *testing.T) {
	action := sampleOrderAction()
	nonce := int64(1700000000000)

	digest, err := buildEIP712Digest(action, nonce, "", true)
	require.NoError(t, err)
	require.Len(t, digest, 32)

	require.Equal(t, computeReferenceDigest(t, action, nonce, "", true), digest)

	// Testnet flips only the Agent source byte; the domain stays fixed.
	testnetDigest, err := buildEIP712Digest(action, nonce, "", false)
	require.NoError(t, err)
	require.Equal(t, computeReferenceDigest(t, action, nonce, "", false), testnetDigest)
	require.NotEqual(t, digest, testnetDigest)
}

func TestSignActionDeterministic(t *testing.T) {
	action := sampleOrderAction()
	signer, err := NewPrivateKeySigner(testKeyHex)
	require.NoError(t, err)

	nonce := int64(1700000005000)
	req, err := signAction(action, signer, nonce, "", true)
	require.NoError(t, err)
	require.Equal(t, nonce, req.Nonce)
	require.Equal(t, action, req.Action)
	require.Nil(t, req.VaultAddress)

	expectedDigest := computeReferenceDigest(t, action, nonce, "", true)
	sigBytes, err := crypto.Sign(expectedDigest, signer.privateKey)
	require.NoError(t, err)

	require.Equal(t, "0x"+common.Bytes2Hex(sigBytes[:32]), req.Signature.R)
	require.Equal(t, "0x"+common.Bytes2Hex(sigBytes[32:64]), req.Signature.S)
	require.Equal(t, int(sigBytes[64])+27, req.Signature.V)
}

func TestEnvelopeNullVault(t *testing.T) {
	signer, err := NewPrivateKeySigner(testKeyHex)
	require.NoError(t, err)
	req, err := signAction(sampleOrderAction(), signer, 1700000000001, "", true)
	require.NoError(t, err)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "vaultAddress")
	require.Equal(t, "null", string(decoded["vaultAddress"]))
}

func TestNewPrivateKeySignerRejectsGarbage(t *testing.T) {
	_, err := NewPrivateKeySigner("")
	require.Error(t, err)
	_, err = NewPrivateKeySigner("0xzz")
	require.Error(t, err)
}

func computeReferenceDigest(t *testing.T, action Action, nonce int64, vault string, isMainnet bool) []byte {
	t.Helper()
	msgpackBytes, err := msgpack.Marshal(action)
	require.NoError(t, err)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	payload := append(msgpackBytes, nonceBytes[:]...)
	if vault == "" {
		payload = append(payload, 0x00)
	} else {
		require.True(t, common.IsHexAddress(vault))
		payload = append(payload, 0x01)
		payload = append(payload, common.HexToAddress(vault).Bytes()...)
	}
	connectionID := crypto.Keccak256(payload)

	source := "a"
	if !isMainnet {
		source = "b"
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           mathhex.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: map[string]interface{}{
			"source":       source,
			"connectionId": connectionID,
		},
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	require.NoError(t, err)
	messageHash, err := typedData.HashStruct("Agent", typedData.Message)
	require.NoError(t, err)
	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw)
}
