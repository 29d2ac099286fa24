package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

// WithdrawalQueued(address,bytes20,uint256,uint256)
var withdrawalQueuedTopic = crypto.Keccak256Hash([]byte("WithdrawalQueued(address,bytes20,uint256,uint256)"))

// ErrReorg reports a reorg deeper than the follower is willing to unwind.
var ErrReorg = errors.New("L2 reorg exceeds rollback depth")

// maxRollbackDepth bounds how many blocks a single pump may unwind before
// giving up on the current head.
const maxRollbackDepth = 64

// Follower tails L2 blocks behind new-head notifications and records every
// WithdrawalQueued event the moat contract emits.
type Follower struct {
	client rpc.Client
	store  *Store
	moat   common.Address
	wsURL  string
	logger *slog.Logger

	lastHeight uint64
	lastHash   string
}

// NewFollower creates a follower. rpcURL is the HTTP endpoint; the websocket
// endpoint is derived from it.
func NewFollower(client rpc.Client, store *Store, moat common.Address, rpcURL string, logger *slog.Logger) *Follower {
	return &Follower{
		client: client,
		store:  store,
		moat:   moat,
		wsURL:  deriveWSURL(rpcURL),
		logger: logger.With(slog.String("component", "l2-follower")),
	}
}

// deriveWSURL converts an http(s) RPC URL into its ws(s) counterpart.
func deriveWSURL(rpcURL string) string {
	if strings.HasPrefix(rpcURL, "http://") {
		return "ws://" + rpcURL[len("http://"):]
	}
	if strings.HasPrefix(rpcURL, "https://") {
		return "wss://" + rpcURL[len("https://"):]
	}
	return rpcURL
}

// Run subscribes to newHeads and pumps blocks until the context is cancelled
// or the connection dies. Per-block pump failures are logged and retried on
// the next head; connection loss ends the run.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.anchor(ctx); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial L2 websocket %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	// Unblock the read loop when the run is cancelled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	subscribeMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
		"id":      1,
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return fmt.Errorf("subscribe to newHeads: %w", err)
	}

	f.logger.Info("following L2 heads",
		slog.String("url", f.wsURL),
		slog.Uint64("from", f.lastHeight))

	for {
		var msg struct {
			Params *struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read L2 head: %w", err)
		}

		// The subscription ack has no params.
		if msg.Params == nil {
			continue
		}
		head, err := hexutil.DecodeUint64(msg.Params.Result.Number)
		if err != nil {
			f.logger.Warn("undecodable head number",
				slog.String("number", msg.Params.Result.Number))
			continue
		}

		if err := f.pump(ctx, head); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("block pump failed, waiting for next head",
				slog.Uint64("head", head),
				slog.String("error", err.Error()))
		}
	}
}

// anchor establishes the follow point: the stored tip when the database has
// one, otherwise the node's current head.
func (f *Follower) anchor(ctx context.Context) error {
	height, hash, ok, err := f.store.LastL2(ctx)
	if err != nil {
		return err
	}
	if ok {
		f.lastHeight, f.lastHash = height, hash
		f.logger.Info("resuming from stored L2 tip", slog.Uint64("height", height))
		return nil
	}

	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("query L2 head: %w", err)
	}
	block, err := f.client.GetBlockByNumber(ctx, head, false)
	if err != nil {
		return fmt.Errorf("fetch L2 anchor block %d: %w", head, err)
	}
	if block == nil {
		return fmt.Errorf("L2 anchor block %d not available", head)
	}

	f.lastHeight = block.Number
	f.lastHash = block.Hash.Hex()
	return nil
}

// pump advances from lastHeight towards head one block at a time. Every
// block's RPC reads complete before its database transaction opens.
func (f *Follower) pump(ctx context.Context, head uint64) error {
	rollbacks := 0
	for f.lastHeight < head {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := f.lastHeight + 1
		block, err := f.client.GetBlockByNumber(ctx, next, true)
		if err != nil {
			return fmt.Errorf("fetch L2 block %d: %w", next, err)
		}
		if block == nil {
			return nil
		}

		if block.ParentHash.Hex() != f.lastHash {
			if rollbacks++; rollbacks > maxRollbackDepth {
				return fmt.Errorf("unwinding past height %d: %w", f.lastHeight, ErrReorg)
			}
			f.logger.Warn("L2 parent hash mismatch, rolling back",
				slog.Uint64("height", f.lastHeight),
				slog.String("stored", f.lastHash),
				slog.String("parent", block.ParentHash.Hex()))
			if err := f.rollback(ctx); err != nil {
				return err
			}
			continue
		}
		rollbacks = 0

		withdrawals, err := f.extractWithdrawals(ctx, block)
		if err != nil {
			return err
		}

		header := &L2Header{
			Height:    block.Number,
			Hash:      block.Hash.Hex(),
			Timestamp: block.Timestamp.Unix(),
		}
		if err := f.store.ApplyL2Block(ctx, header, withdrawals); err != nil {
			return err
		}

		f.lastHeight = block.Number
		f.lastHash = block.Hash.Hex()

		if len(withdrawals) > 0 {
			f.logger.Info("recorded L2 withdrawals",
				slog.Uint64("height", block.Number),
				slog.Int("count", len(withdrawals)))
		}
	}
	return nil
}

// rollback drops the stored state at lastHeight and steps the follow point
// back one block.
func (f *Follower) rollback(ctx context.Context) error {
	if err := f.store.RollbackL2(ctx, f.lastHeight); err != nil {
		return fmt.Errorf("roll back L2 height %d: %w", f.lastHeight, err)
	}
	f.lastHeight--

	height, hash, ok, err := f.store.LastL2(ctx)
	if err != nil {
		return err
	}
	if ok && height == f.lastHeight {
		f.lastHash = hash
		return nil
	}

	// Nothing stored below the follow point; ask the node instead.
	block, err := f.client.GetBlockByNumber(ctx, f.lastHeight, false)
	if err != nil {
		return fmt.Errorf("fetch L2 block %d after rollback: %w", f.lastHeight, err)
	}
	if block == nil {
		return fmt.Errorf("L2 block %d missing after rollback", f.lastHeight)
	}
	f.lastHash = block.Hash.Hex()
	return nil
}

// extractWithdrawals pulls WithdrawalQueued events from every transaction
// addressed to the moat contract. The uid comes out of the event amount.
func (f *Follower) extractWithdrawals(ctx context.Context, block *rpc.Block) ([]L2Withdrawal, error) {
	var withdrawals []L2Withdrawal
	timestamp := block.Timestamp.Unix()

	for _, tx := range block.Txs {
		if tx.To == nil || *tx.To != f.moat {
			continue
		}

		receipt, err := f.client.GetTransactionReceipt(ctx, tx.Hash)
		if err != nil {
			return nil, fmt.Errorf("fetch receipt %s: %w", tx.Hash.Hex(), err)
		}
		if receipt == nil {
			continue
		}

		for _, entry := range receipt.Logs {
			if entry.Address != f.moat || len(entry.Topics) == 0 || entry.Topics[0] != withdrawalQueuedTopic {
				continue
			}
			if len(entry.Data) < 32 {
				f.logger.Warn("short WithdrawalQueued payload",
					slog.String("tx", tx.Hash.Hex()))
				continue
			}

			amount := new(big.Int).SetBytes(entry.Data[:32])
			uid := new(big.Int).Quo(amount, types.WithdrawUIDDivisor)
			withdrawals = append(withdrawals, L2Withdrawal{
				UID:       uid.Uint64(),
				TxHash:    tx.Hash.Hex(),
				Height:    block.Number,
				Timestamp: timestamp,
			})
		}
	}
	return withdrawals, nil
}
