package txbuilder

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

// withdrawGasLimit covers the moat contract's queueing work.
const withdrawGasLimit = 100000

// withdrawToL1(bytes20)
var withdrawSelector = crypto.Keccak256([]byte("withdrawToL1(bytes20)"))[:4]

// Withdraw builds withdrawal requests against the moat contract. The uid of
// withdrawal i is folded into the transferred value, so the L1 side can
// recover it from the payout amount alone.
type Withdraw struct {
	moat     common.Address
	target   [20]byte
	gasPrice *big.Int
}

// NewWithdraw creates a withdrawal builder targeting one L1 address.
func NewWithdraw(moat common.Address, target [20]byte, gasPrice *big.Int) *Withdraw {
	return &Withdraw{moat: moat, target: target, gasPrice: gasPrice}
}

func (b *Withdraw) Build(i uint64, sender, receiver *account.Account, nonce uint64) (*ethtypes.Transaction, error) {
	// value = MinWithdrawValue + uid * divisor, uid = i
	value := new(big.Int).Mul(types.WithdrawUIDDivisor, new(big.Int).SetUint64(i))
	value.Add(value, types.MinWithdrawValue)

	data := make([]byte, 4+32)
	copy(data[:4], withdrawSelector)
	copy(data[4:24], b.target[:]) // bytes20 sits left-aligned in its word

	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: b.gasPrice,
		Gas:      withdrawGasLimit,
		To:       &b.moat,
		Value:    value,
		Data:     data,
	}), nil
}

// DecodeL1Target decodes a base58check L1 address into the 20-byte hash the
// moat contract expects, dropping the version byte.
func DecodeL1Target(addr string) ([20]byte, error) {
	var target [20]byte
	payload, _, err := base58.CheckDecode(addr)
	if err != nil {
		return target, fmt.Errorf("decode L1 address %q: %w", addr, err)
	}
	if len(payload) != len(target) {
		return target, fmt.Errorf("L1 address %q payload is %d bytes, want %d", addr, len(payload), len(target))
	}
	copy(target[:], payload)
	return target, nil
}
