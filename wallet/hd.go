package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

// keyTree derives child keys from the master seed. Merchant-payment addresses
// live on the configured base path; hot wallets use the sibling change branch
// (last path component + 1) so the two index spaces never collide.
type keyTree struct {
	master  *hdkeychain.ExtendedKey
	payBase accounts.DerivationPath
	hotBase accounts.DerivationPath
	payPath string
	hotPath string
}

func newKeyTree(cfg *config.WalletConfig) (*keyTree, error) {
	var seed []byte
	switch {
	case cfg.Mnemonic != "":
		if !bip39.IsMnemonicValid(cfg.Mnemonic) {
			return nil, errors.New("wallet: invalid mnemonic")
		}
		seed = bip39.NewSeed(cfg.Mnemonic, "")
	case cfg.Seed != "":
		s, err := hex.DecodeString(cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("wallet: seed is not hex: %w", err)
		}
		seed = s
	default:
		return nil, errors.New("wallet: a mnemonic or master seed is required")
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	payBase, err := accounts.ParseDerivationPath(cfg.HDBasePath)
	if err != nil {
		return nil, fmt.Errorf("wallet: base path %q: %w", cfg.HDBasePath, err)
	}
	if len(payBase) == 0 {
		return nil, errors.New("wallet: base path is empty")
	}
	hotBase := append(accounts.DerivationPath{}, payBase...)
	hotBase[len(hotBase)-1]++

	return &keyTree{
		master:  master,
		payBase: payBase,
		hotBase: hotBase,
		payPath: cfg.HDBasePath,
		hotPath: hotBase.String(),
	}, nil
}

// branch returns the derivation base for an address kind.
func (t *keyTree) branch(kind gateway.AddressKind) (accounts.DerivationPath, string) {
	if kind == gateway.AddressHotWallet {
		return t.hotBase, t.hotPath
	}
	return t.payBase, t.payPath
}

// derive computes the child key at branch/index and its address. The full
// path string is persisted so the key can be re-derived from seed alone.
func (t *keyTree) derive(kind gateway.AddressKind, index uint32) (*ecdsa.PrivateKey, common.Address, string, error) {
	base, prefix := t.branch(kind)
	path := append(append(accounts.DerivationPath{}, base...), index)

	key := t.master
	for _, n := range path {
		var err error
		key, err = key.Derive(n)
		if err != nil {
			return nil, common.Address{}, "", fmt.Errorf("wallet: derive %s/%d: %w", prefix, index, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, common.Address{}, "", err
	}
	ecdsaKey := priv.ToECDSA()
	addr := crypto.PubkeyToAddress(ecdsaKey.PublicKey)
	return ecdsaKey, addr, fmt.Sprintf("%s/%d", prefix, index), nil
}
