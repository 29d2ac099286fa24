// Package account holds run-scoped account state: derived signing keys and
// the per-address nonce ledger.
package account

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is one derived account. Index 0 is the funder; indices >= 1 are
// the sub-accounts that submit load. Accounts live for a single run.
type Account struct {
	Index      uint32
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// New creates an account from a derived private key.
func New(index uint32, privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		Index:      index,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
}
