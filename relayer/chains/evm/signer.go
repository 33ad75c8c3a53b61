package evm

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/datahaven/dh-relay/relayer/config"
)

// ReceiptSigner signs receipt payloads with secp256k1 over keccak256, in
// the 65 byte [R || S || V] form ecrecover expects.
type ReceiptSigner struct {
	key     *ecdsa.PrivateKey
	address ethcommon.Address
}

// NewReceiptSigner wraps an EVM relayer key.
func NewReceiptSigner(key *ecdsa.PrivateKey) *ReceiptSigner {
	return &ReceiptSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *ReceiptSigner) Kind() config.ChainKind { return config.ChainKindEVM }

// PublicKey returns the signer's address.
func (s *ReceiptSigner) PublicKey() string { return s.address.Hex() }

func (s *ReceiptSigner) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return nil, fmt.Errorf("secp256k1 sign: %w", err)
	}
	return sig, nil
}

func (s *ReceiptSigner) Verify(payload, sig []byte) bool {
	return VerifyReceipt(s.address, payload, sig)
}

// VerifyReceipt checks that sig over payload recovers to address.
func VerifyReceipt(address ethcommon.Address, payload, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == address
}

// LoadKey reads a hex encoded secp256k1 private key from path.
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evm key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse evm key %s: %w", path, err)
	}
	return key, nil
}

// GenerateKey creates a new key and writes it to path with 0600 permissions.
func GenerateKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("write evm key: %w", err)
	}
	return key, nil
}
