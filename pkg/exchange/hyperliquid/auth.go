package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mathhex "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"

	"copytrader/pkg/exchange"
)

// Signer encapsulates signing behaviour for exchange actions.
type Signer interface {
	Sign(digest []byte) (*Signature, error)
	GetAddress() string
}

// PrivateKeySigner signs action digests using an ECDSA private key.
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewPrivateKeySigner constructs a signer from a hex-encoded private key string.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, &exchange.AuthError{Reason: "empty private key"}
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, &exchange.AuthError{Reason: "decode private key", Err: err}
	}
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return &PrivateKeySigner{
		privateKey: key,
		address:    address,
	}, nil
}

// Sign produces an ECDSA signature for the provided 32-byte digest.
func (s *PrivateKeySigner) Sign(digest []byte) (*Signature, error) {
	if s == nil || s.privateKey == nil {
		return nil, &exchange.AuthError{Reason: "signer not initialised"}
	}
	if len(digest) != 32 {
		return nil, &exchange.AuthError{Reason: fmt.Sprintf("expected 32-byte digest, got %d bytes", len(digest))}
	}
	sigBytes, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, &exchange.AuthError{Reason: "sign digest", Err: err}
	}
	return &Signature{
		R: "0x" + hex.EncodeToString(sigBytes[:32]),
		S: "0x" + hex.EncodeToString(sigBytes[32:64]),
		V: int(sigBytes[64]) + 27,
	}, nil
}

// GetAddress returns the signer wallet address.
func (s *PrivateKeySigner) GetAddress() string {
	if s == nil {
		return ""
	}
	return s.address
}

// signAction hashes, signs and wraps an action into the request envelope.
func signAction(action Action, signer Signer, nonce int64, vaultAddress string, isMainnet bool) (*ExchangeRequest, error) {
	if signer == nil {
		return nil, &exchange.AuthError{Reason: "signer required"}
	}
	if nonce <= 0 {
		nonce = time.Now().UnixMilli()
	}
	digest, err := buildEIP712Digest(action, nonce, vaultAddress, isMainnet)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, err
	}
	req := &ExchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: *sig,
	}
	if vaultAddress != "" {
		vault := common.HexToAddress(vaultAddress).Hex()
		req.VaultAddress = &vault
	}
	return req, nil
}

// actionHash computes keccak(msgpack(action) || nonce_be8 || vault_flag).
// The vault flag is a single 0x00 byte when no vault is configured, or 0x01
// followed by the 20-byte vault address.
func actionHash(action Action, nonce int64, vaultAddress string) ([]byte, error) {
	msgpackBytes, err := msgpack.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: msgpack encode action: %w", err)
	}

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))

	payload := make([]byte, 0, len(msgpackBytes)+len(nonceBytes)+1+common.AddressLength)
	payload = append(payload, msgpackBytes...)
	payload = append(payload, nonceBytes[:]...)
	if vaultAddress == "" {
		payload = append(payload, 0x00)
	} else {
		if !common.IsHexAddress(vaultAddress) {
			return nil, fmt.Errorf("hyperliquid: invalid vault address %q", vaultAddress)
		}
		payload = append(payload, 0x01)
		payload = append(payload, common.HexToAddress(vaultAddress).Bytes()...)
	}
	return crypto.Keccak256(payload), nil
}

// buildEIP712Digest constructs the typed-data hash signed for the action.
// The domain is fixed (chainId 1337, zero verifying contract) regardless of
// the real network; only the Agent source byte distinguishes mainnet from
// testnet.
func buildEIP712Digest(action Action, nonce int64, vaultAddress string, isMainnet bool) ([]byte, error) {
	if nonce <= 0 {
		return nil, fmt.Errorf("hyperliquid: nonce must be positive")
	}
	connectionID, err := actionHash(action, nonce, vaultAddress)
	if err != nil {
		return nil, err
	}

	source := "a"
	if !isMainnet {
		source = "b"
	}
	domain := apitypes.TypedDataDomain{
		Name:              "Exchange",
		Version:           "1",
		ChainId:           mathhex.NewHexOrDecimal256(signingChainID),
		VerifyingContract: verifyingContractHex,
	}
	message := map[string]interface{}{
		"source":       source,
		"connectionId": connectionID,
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
		Domain:      domain,
		Message:     message,
	}
	return typedDataHash(typedData)
}

const (
	signingChainID       = 1337
	verifyingContractHex = "0x0000000000000000000000000000000000000000"
)

func typedDataHash(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: hash primary type: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

var errNoSigner = errors.New("hyperliquid: read-only client cannot sign actions")
