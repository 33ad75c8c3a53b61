package svm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"

	"github.com/datahaven/dh-relay/relayer/config"
)

// ReceiptSigner signs receipt payloads with the relayer's ed25519 key.
type ReceiptSigner struct {
	key solana.PrivateKey
}

// NewReceiptSigner wraps a Solana relayer keypair.
func NewReceiptSigner(key solana.PrivateKey) *ReceiptSigner {
	return &ReceiptSigner{key: key}
}

func (s *ReceiptSigner) Kind() config.ChainKind { return config.ChainKindSVM }

// PublicKey returns the base58 relayer address.
func (s *ReceiptSigner) PublicKey() string { return s.key.PublicKey().String() }

func (s *ReceiptSigner) Sign(payload []byte) ([]byte, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("ed25519 sign: %w", err)
	}
	return sig[:], nil
}

func (s *ReceiptSigner) Verify(payload, sig []byte) bool {
	return VerifyReceipt(s.key.PublicKey(), payload, sig)
}

// VerifyReceipt checks an ed25519 signature over payload.
func VerifyReceipt(pub solana.PublicKey, payload, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	return solana.SignatureFromBytes(sig).Verify(pub, payload)
}

// LoadKey reads a solana-keygen JSON keypair file.
func LoadKey(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load svm key %s: %w", path, err)
	}
	return key, nil
}

// GenerateKey creates a new keypair and writes it to path in solana-keygen
// format with 0600 permissions.
func GenerateKey(path string) (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write svm key: %w", err)
	}
	return key, nil
}
