// Package reconciler joins L2 withdrawal requests with their L1 payouts. A
// pub/sub listener parses raw L1 blocks while a websocket follower tails L2
// heads; both sides meet in a single SQLite database keyed by uid.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unifralabs/pandoras-box/internal/rpc"
)

// Config collects everything withdrawal mode needs to reconcile.
type Config struct {
	Client rpc.Client
	Store  *Store
	// Moat is the L2 contract queueing withdrawals.
	Moat common.Address
	// Target is the L1 pay-to-public-key-hash the payouts land on.
	Target [20]byte
	// RPCURL is the L2 HTTP endpoint; the follower derives its websocket
	// endpoint from it.
	RPCURL string
	// ZMQEndpoint is the L1 node's raw block publication endpoint.
	ZMQEndpoint string
	Logger      *slog.Logger
}

// Reconciler runs the L1 listener and L2 follower side by side.
type Reconciler struct {
	store    *Store
	listener *Listener
	follower *Follower
	target   [20]byte
	logger   *slog.Logger
}

// New wires a reconciler from its config.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		store:    cfg.Store,
		listener: NewListener(cfg.ZMQEndpoint, cfg.Logger),
		follower: NewFollower(cfg.Client, cfg.Store, cfg.Moat, cfg.RPCURL, cfg.Logger),
		target:   cfg.Target,
		logger:   cfg.Logger.With(slog.String("component", "reconciler")),
	}
}

// Run drives both sides until the context is cancelled or one side dies.
// The first failure cancels the other side.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.listener.Run(ctx, func(payload []byte) {
			r.handleL1Block(ctx, payload)
		})
		if err != nil {
			errChan <- fmt.Errorf("L1 listener: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.follower.Run(ctx); err != nil {
			errChan <- fmt.Errorf("L2 follower: %w", err)
			cancel()
		}
	}()

	wg.Wait()
	close(errChan)
	return <-errChan
}

// handleL1Block parses one raw payload and persists the header plus matched
// payouts. Undecodable payloads and storage failures are logged and dropped
// so the feed keeps flowing.
func (r *Reconciler) handleL1Block(ctx context.Context, payload []byte) {
	block, err := ParseL1Block(payload)
	if err != nil {
		r.logger.Warn("dropping undecodable L1 block",
			slog.Int("size", len(payload)),
			slog.String("error", err.Error()))
		return
	}
	if !block.HeightKnown {
		r.logger.Warn("dropping L1 block without coinbase height",
			slog.String("hash", block.Header.Hash))
		return
	}

	payouts := matchPayouts(block, r.target)
	if err := r.store.InsertL1Block(ctx, &block.Header, payouts); err != nil {
		r.logger.Warn("failed to store L1 block",
			slog.Uint64("height", block.Header.Height),
			slog.String("error", err.Error()))
		return
	}

	r.logger.Info("stored L1 block",
		slog.Uint64("height", block.Header.Height),
		slog.String("hash", block.Header.Hash),
		slog.Int("txs", len(block.Txs)),
		slog.Int("payouts", len(payouts)))
}

// matchPayouts selects the outputs paying the target hash. The satoshi value
// is the withdrawal uid.
func matchPayouts(block *L1Block, target [20]byte) []L1Payout {
	var payouts []L1Payout
	for _, tx := range block.Txs {
		for _, out := range tx.Outputs {
			if out.Hash160 != target {
				continue
			}
			payouts = append(payouts, L1Payout{
				UID:       out.Value,
				TxHash:    tx.Hash,
				Height:    block.Header.Height,
				Timestamp: block.Header.Timestamp,
			})
		}
	}
	return payouts
}
