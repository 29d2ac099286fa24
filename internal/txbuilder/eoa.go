package txbuilder

import (
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
)

// EOA builds plain value transfers between sub-accounts.
type EOA struct {
	gasPrice *big.Int
	gas      uint64
	value    *big.Int
}

// NewEOA creates a value transfer builder. gas is the estimated cost of a
// plain transfer on the target chain.
func NewEOA(gasPrice *big.Int, gas uint64, value *big.Int) *EOA {
	return &EOA{gasPrice: gasPrice, gas: gas, value: value}
}

func (b *EOA) Build(i uint64, sender, receiver *account.Account, nonce uint64) (*ethtypes.Transaction, error) {
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: b.gasPrice,
		Gas:      b.gas,
		To:       &receiver.Address,
		Value:    b.value,
	}), nil
}
