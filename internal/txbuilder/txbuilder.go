// Package txbuilder assembles the unsigned transaction stream for a run.
// Senders rotate round-robin over the ready set and every sender pays its
// right-hand neighbor, so the value each account spends flows back to it.
package txbuilder

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

// Builder creates one unsigned transaction for global index i. The nonce is
// already reserved for the sender; builders never touch the nonce book.
type Builder interface {
	Build(i uint64, sender, receiver *account.Account, nonce uint64) (*ethtypes.Transaction, error)
}

// Registry maps run modes to their transaction builders.
type Registry struct {
	builders map[types.Mode]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[types.Mode]Builder)}
}

// Register adds a builder for a mode, replacing any previous one.
func (r *Registry) Register(mode types.Mode, b Builder) {
	r.builders[mode] = b
}

// Get returns the builder for a mode.
func (r *Registry) Get(mode types.Mode) (Builder, error) {
	b, ok := r.builders[mode]
	if !ok {
		return nil, fmt.Errorf("no builder registered for mode %s", mode)
	}
	return b, nil
}

// Tx is an unsigned transaction with its position in the run.
type Tx struct {
	GlobalIndex uint64
	SenderIndex int
	Sender      *account.Account
	Tx          *ethtypes.Transaction
}

// SignedTx is the signed wire form of one transaction, still carrying its
// position so the stream can be regrouped after parallel signing.
type SignedTx struct {
	GlobalIndex uint64
	SenderIndex int
	Hash        common.Hash
	Raw         []byte
}

// SenderQueue holds one sender's signed transactions in nonce order.
type SenderQueue struct {
	SenderIndex int
	Sender      *account.Account
	Txs         []SignedTx
}

// BuildAll creates numTxs unsigned transactions. Transaction i is sent by
// ready[i mod N] to ready[(i+1) mod N], with per-sender nonces handed out
// strictly in build order from the nonce book.
func BuildAll(ready []*account.Account, numTxs uint64, builder Builder, book *account.NonceBook) ([]Tx, error) {
	if len(ready) == 0 {
		return nil, fmt.Errorf("no ready accounts")
	}

	n := uint64(len(ready))
	txs := make([]Tx, 0, numTxs)

	for i := uint64(0); i < numTxs; i++ {
		senderIdx := int(i % n)
		sender := ready[senderIdx]
		receiver := ready[(i+1)%n]

		nonce, err := book.Next(sender.Address)
		if err != nil {
			return nil, fmt.Errorf("nonce for sender %d: %w", sender.Index, err)
		}

		tx, err := builder.Build(i, sender, receiver, nonce)
		if err != nil {
			return nil, fmt.Errorf("build tx %d: %w", i, err)
		}

		txs = append(txs, Tx{
			GlobalIndex: i,
			SenderIndex: senderIdx,
			Sender:      sender,
			Tx:          tx,
		})
	}
	return txs, nil
}

// GroupBySender splits a signed stream into per-sender queues. The input
// must be ordered by global index, which makes every queue nonce-ordered.
func GroupBySender(ready []*account.Account, signed []SignedTx) []SenderQueue {
	bySender := make([][]SignedTx, len(ready))
	for _, s := range signed {
		bySender[s.SenderIndex] = append(bySender[s.SenderIndex], s)
	}

	queues := make([]SenderQueue, 0, len(ready))
	for idx, txs := range bySender {
		if len(txs) == 0 {
			continue
		}
		queues = append(queues, SenderQueue{
			SenderIndex: idx,
			Sender:      ready[idx],
			Txs:         txs,
		})
	}
	return queues
}
