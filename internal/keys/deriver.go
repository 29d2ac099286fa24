// Package keys derives signing accounts from the funding mnemonic using the
// standard BIP-44 path m/44'/60'/0'/0/index. Index 0 is the funder.
package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/unifralabs/pandoras-box/internal/account"
)

// FunderIndex is the derivation index reserved for the funding account.
const FunderIndex uint32 = 0

const (
	purpose  = hdkeychain.HardenedKeyStart + 44
	coinEth  = hdkeychain.HardenedKeyStart + 60
	account0 = hdkeychain.HardenedKeyStart + 0
	external = 0
)

// Derive returns the account at m/44'/60'/0'/0/index for the mnemonic.
func Derive(mnemonic string, index uint32) (*account.Account, error) {
	accounts, err := DeriveRange(mnemonic, index, index+1)
	if err != nil {
		return nil, err
	}
	return accounts[0], nil
}

// DeriveRange derives the accounts for indices [start, end). An invalid
// mnemonic is a configuration error and fails the whole range.
func DeriveRange(mnemonic string, start, end uint32) ([]*account.Account, error) {
	if end <= start {
		return nil, fmt.Errorf("empty derivation range [%d, %d)", start, end)
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	// Walk down to m/44'/60'/0'/0 once, then derive each leaf.
	branch := master
	for _, step := range []uint32{purpose, coinEth, account0, external} {
		branch, err = branch.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive path step %d: %w", step, err)
		}
	}

	accounts := make([]*account.Account, 0, end-start)
	for index := start; index < end; index++ {
		child, err := branch.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive index %d: %w", index, err)
		}
		privKey, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("private key for index %d: %w", index, err)
		}
		// Rebuild the key through geth's crypto so its curve is the instance
		// geth's signer expects; btcec's ToECDSA carries btcec's curve type,
		// which go-ethereum rejects when signing.
		key, err := crypto.ToECDSA(privKey.Serialize())
		if err != nil {
			return nil, fmt.Errorf("private key for index %d: %w", index, err)
		}
		accounts = append(accounts, account.New(index, key))
	}
	return accounts, nil
}
