package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/token"
)

// erc20GasLimit covers a transfer with a cold SSTORE on the recipient slot.
const erc20GasLimit = 70000

// ERC20 builds token transfers against a freshly deployed contract.
type ERC20 struct {
	contract common.Address
	gasPrice *big.Int
}

// NewERC20 creates a token transfer builder.
func NewERC20(contract common.Address, gasPrice *big.Int) *ERC20 {
	return &ERC20{contract: contract, gasPrice: gasPrice}
}

func (b *ERC20) Build(i uint64, sender, receiver *account.Account, nonce uint64) (*ethtypes.Transaction, error) {
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: b.gasPrice,
		Gas:      erc20GasLimit,
		To:       &b.contract,
		Value:    big.NewInt(0),
		Data:     token.EncodeTransfer(receiver.Address, token.TransferAmount),
	}), nil
}
