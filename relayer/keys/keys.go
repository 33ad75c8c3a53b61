package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/datahaven/dh-relay/relayer/chains/evm"
	"github.com/datahaven/dh-relay/relayer/chains/svm"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/constant"
)

const (
	// EVMKeyFile holds the hex secp256k1 relayer key.
	EVMKeyFile = "evm.key"
	// SVMKeyFile holds the solana-keygen JSON relayer keypair.
	SVMKeyFile = "svm.json"
)

// ErrKeyMissing is returned when a key the configuration needs is absent.
var ErrKeyMissing = errors.New("relayer key not found")

// Keys are the relayer's signing keys, one per chain family. The same key
// signs writeback transactions and receipts for every chain of its kind.
type Keys struct {
	EVM *ecdsa.PrivateKey
	SVM solana.PrivateKey
}

// Dir returns the directory holding the relayer keys.
func Dir(nodeHome string) string {
	return filepath.Join(nodeHome, constant.RelayerSubdir)
}

// Path returns the key file for a chain kind.
func Path(nodeHome string, kind config.ChainKind) string {
	switch kind {
	case config.ChainKindSVM:
		return filepath.Join(Dir(nodeHome), SVMKeyFile)
	default:
		return filepath.Join(Dir(nodeHome), EVMKeyFile)
	}
}

// RequiredKinds returns the chain kinds the configuration has chains for.
func RequiredKinds(cfg *config.Config) []config.ChainKind {
	var kinds []config.ChainKind
	seen := map[config.ChainKind]bool{}
	for _, kind := range []config.ChainKind{config.ChainKindEVM, config.ChainKindSVM} {
		for _, chain := range cfg.ChainConfigs {
			if chain.Kind == kind && !seen[kind] {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
	}
	return kinds
}

// Load reads the keys for every chain kind in cfg.
func Load(cfg *config.Config, logger zerolog.Logger) (*Keys, error) {
	guard := newKeyGuard(Dir(cfg.NodeHome), logger)
	if err := guard.ensureDir(); err != nil {
		return nil, err
	}

	k := &Keys{}
	for _, kind := range RequiredKinds(cfg) {
		path := Path(cfg.NodeHome, kind)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s (run init to create it)", ErrKeyMissing, path)
			}
			return nil, err
		}
		if err := guard.checkFile(path); err != nil {
			return nil, err
		}

		switch kind {
		case config.ChainKindEVM:
			key, err := evm.LoadKey(path)
			if err != nil {
				return nil, err
			}
			k.EVM = key
		case config.ChainKindSVM:
			key, err := svm.LoadKey(path)
			if err != nil {
				return nil, err
			}
			k.SVM = key
		}
		guard.audit("load", kind, path, nil)
	}
	return k, nil
}

// Init creates any missing key for the chain kinds in cfg. Existing keys
// are kept.
func Init(cfg *config.Config, logger zerolog.Logger) (created []string, err error) {
	guard := newKeyGuard(Dir(cfg.NodeHome), logger)
	if err := guard.ensureDir(); err != nil {
		return nil, err
	}

	for _, kind := range RequiredKinds(cfg) {
		path := Path(cfg.NodeHome, kind)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		switch kind {
		case config.ChainKindEVM:
			_, err = evm.GenerateKey(path)
		case config.ChainKindSVM:
			_, err = svm.GenerateKey(path)
		}
		guard.audit("create", kind, path, err)
		if err != nil {
			return created, err
		}
		created = append(created, path)
	}
	return created, nil
}

// Addresses returns the public address of each loaded key, keyed by kind.
func (k *Keys) Addresses() map[config.ChainKind]string {
	out := make(map[config.ChainKind]string, 2)
	if k.EVM != nil {
		out[config.ChainKindEVM] = evm.NewReceiptSigner(k.EVM).PublicKey()
	}
	if len(k.SVM) > 0 {
		out[config.ChainKindSVM] = k.SVM.PublicKey().String()
	}
	return out
}
