// Package types contains the public result and mode types for pandoras-box.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Mode selects what kind of load a run generates.
type Mode string

const (
	ModeEOA             Mode = "EOA"
	ModeERC20           Mode = "ERC20"
	ModeERC721          Mode = "ERC721"
	ModeWithdrawal      Mode = "WITHDRAWAL"
	ModeClearPending    Mode = "CLEAR_PENDING"
	ModeGetPendingCount Mode = "GET_PENDING_COUNT"
)

// Valid reports whether m is one of the supported run modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeEOA, ModeERC20, ModeERC721, ModeWithdrawal, ModeClearPending, ModeGetPendingCount:
		return true
	}
	return false
}

// NeedsMnemonic reports whether the mode derives and uses accounts.
// GET_PENDING_COUNT only talks to the node.
func (m Mode) NeedsMnemonic() bool {
	return m != ModeGetPendingCount
}

// Withdrawal value encoding. Each withdrawal carries a unique uid in its
// value: value = MinWithdrawValue + uid*WithdrawUIDDivisor, so the L2
// follower recovers uid = amount / WithdrawUIDDivisor and the L1 payout
// surfaces the same uid as the output's satoshi value.
var (
	// WithdrawUIDDivisor is the wei step between consecutive uids (1e10).
	WithdrawUIDDivisor = big.NewInt(10_000_000_000)

	// MinWithdrawValue is the flat minimum every withdrawal must carry,
	// below which the moat contract rejects the call.
	MinWithdrawValue = new(big.Int).Mul(big.NewInt(1_000_000), WithdrawUIDDivisor)
)

// BlockInfo is the per-block slice of a run report.
type BlockInfo struct {
	Number      uint64         `json:"height"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	GasLimit    hexutil.Uint64 `json:"gasLimit"`
	NumTxs      int            `json:"numTxs"`
	Utilization float64        `json:"utilization"`
	TPS         float64        `json:"tps"`
}

// RunResults is the aggregate report written by --output and logged after
// every stress run.
type RunResults struct {
	AverageTPS uint64      `json:"tps"`
	Blocks     []BlockInfo `json:"blocks"`
}
