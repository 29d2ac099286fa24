package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/token"
)

// erc721GasLimit covers a mint with one cold SSTORE for the new token id.
const erc721GasLimit = 60000

// ERC721 builds mint transactions against the mint sink contract. Token ids
// follow the global transaction index, so every mint writes a fresh slot.
type ERC721 struct {
	contract common.Address
	gasPrice *big.Int
}

// NewERC721 creates a mint builder.
func NewERC721(contract common.Address, gasPrice *big.Int) *ERC721 {
	return &ERC721{contract: contract, gasPrice: gasPrice}
}

func (b *ERC721) Build(i uint64, sender, receiver *account.Account, nonce uint64) (*ethtypes.Transaction, error) {
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: b.gasPrice,
		Gas:      erc721GasLimit,
		To:       &b.contract,
		Value:    big.NewInt(0),
		Data:     token.EncodeMint(receiver.Address, new(big.Int).SetUint64(i)),
	}), nil
}
