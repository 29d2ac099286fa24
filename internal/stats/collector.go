// Package stats follows the chain after a submission round, locating the
// submitted transactions and deriving per-block utilization and throughput.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

const (
	// defaultBlockWait bounds how long the scan waits for the next block
	// before declaring the chain idle.
	defaultBlockWait = 10 * time.Second

	defaultPollInterval = 500 * time.Millisecond
)

// Collector scans blocks sequentially and matches their transactions
// against the submitted set.
type Collector struct {
	client rpc.Client
	logger *slog.Logger

	blockWait    time.Duration
	pollInterval time.Duration
}

// NewCollector creates a collector with the default wait budget.
func NewCollector(client rpc.Client, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:       client,
		logger:       logger,
		blockWait:    defaultBlockWait,
		pollInterval: defaultPollInterval,
	}
}

// Collect scans from startBlock upward until either the pool is empty and
// every hash has been located, or no new block shows up within the wait
// budget. It returns per-block statistics for every block that contains at
// least one of the submitted transactions.
func (c *Collector) Collect(ctx context.Context, hashes []common.Hash, startBlock uint64) (*types.RunResults, error) {
	missing := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		missing[h] = struct{}{}
	}

	c.logger.Info("collecting statistics",
		slog.Int("hashes", len(hashes)),
		slog.Uint64("startBlock", startBlock),
	)

	blocks := make(map[uint64]*rpc.Block)
	next := startBlock
	var waitStart time.Time

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pool, err := c.pendingCount(ctx)
		if err == nil && pool == 0 && len(missing) == 0 {
			break
		}

		block, err := c.client.GetBlockByNumber(ctx, next, false)
		if err != nil || block == nil {
			if waitStart.IsZero() {
				waitStart = time.Now()
			}
			if time.Since(waitStart) > c.blockWait {
				c.logger.Warn("no new block within wait budget, stopping scan",
					slog.Uint64("height", next),
					slog.Int("unlocated", len(missing)),
				)
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}
			continue
		}
		waitStart = time.Time{}

		matched := 0
		for _, h := range block.TxHashes {
			if _, ok := missing[h]; ok {
				delete(missing, h)
				matched++
			}
		}
		if matched > 0 {
			blocks[block.Number] = block
		}

		c.logger.Debug("scanned block",
			slog.Uint64("height", block.Number),
			slog.Int("matched", matched),
			slog.Int("remaining", len(missing)),
		)
		next++
	}

	return c.buildResults(ctx, blocks)
}

// pendingCount tries the pool introspection methods in decreasing order of
// fidelity: txpool_status, then the pending block's transaction count, then
// the zero address's pending nonce as a weak upper bound.
func (c *Collector) pendingCount(ctx context.Context) (uint64, error) {
	if status, err := c.client.TxPoolStatus(ctx); err == nil {
		return status.Pending, nil
	}
	if count, err := c.client.GetBlockTransactionCountByNumber(ctx, "pending"); err == nil {
		return count, nil
	}
	count, err := c.client.GetTransactionCount(ctx, common.Address{}, "pending")
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}

// buildResults computes per-block utilization and throughput. Throughput
// for each block is measured against the previous observed block; the
// earliest block measures against its parent, fetched on demand.
func (c *Collector) buildResults(ctx context.Context, blocks map[uint64]*rpc.Block) (*types.RunResults, error) {
	if len(blocks) == 0 {
		return &types.RunResults{Blocks: []types.BlockInfo{}}, nil
	}

	heights := make([]uint64, 0, len(blocks))
	for h := range blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	results := &types.RunResults{Blocks: make([]types.BlockInfo, 0, len(blocks))}

	var totalTxs uint64
	var totalSeconds float64
	var prev *rpc.Block

	for i, h := range heights {
		block := blocks[h]

		prevTimestamp, haveParent := time.Time{}, false
		if i > 0 {
			prevTimestamp, haveParent = prev.Timestamp, true
		} else if h > 0 {
			parent, err := c.client.GetBlockByNumber(ctx, h-1, false)
			if err == nil && parent != nil {
				prevTimestamp, haveParent = parent.Timestamp, true
			}
		}

		info := types.BlockInfo{
			Number:   block.Number,
			GasUsed:  hexutil.Uint64(block.GasUsed),
			GasLimit: hexutil.Uint64(block.GasLimit),
			NumTxs:   block.TxCount(),
		}
		if block.GasLimit > 0 {
			info.Utilization = math.Round(float64(block.GasUsed)/float64(block.GasLimit)*100*100) / 100
		}

		if haveParent {
			delta := math.Abs(block.Timestamp.Sub(prevTimestamp).Seconds())
			if delta > 0 {
				info.TPS = float64(info.NumTxs) / delta
			}
			totalTxs += uint64(info.NumTxs)
			totalSeconds += delta
		}

		results.Blocks = append(results.Blocks, info)
		prev = block
	}

	if totalSeconds > 0 {
		results.AverageTPS = uint64(math.Ceil(float64(totalTxs) / totalSeconds))
	}

	c.logger.Info("statistics ready",
		slog.Int("blocks", len(results.Blocks)),
		slog.Uint64("tps", results.AverageTPS),
	)
	return results, nil
}
