// Package pending holds the pool maintenance utilities: replacing stuck
// transactions with self-transfers and reporting pool occupancy.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/rpc"
)

// clearGasLimit is the cost of a plain self-transfer.
const clearGasLimit = 21000

// elevatedGasFactor multiplies the network gas price so replacements
// outbid the transactions they evict.
const elevatedGasFactor = 2

// ClearParams describes one clear-pending sweep.
type ClearParams struct {
	Accounts    []*account.Account
	GasPrice    *big.Int
	ChainID     *big.Int
	Concurrency int
}

// ClearReport sums a sweep: how many accounts were inspected, how many had
// stuck transactions and how many replacements were accepted.
type ClearReport struct {
	Scanned  int
	Stuck    int
	Replaced int
}

// Clearer replaces stuck pool transactions.
type Clearer struct {
	client rpc.Client
	logger *slog.Logger
}

// NewClearer creates a clearer.
func NewClearer(client rpc.Client, logger *slog.Logger) *Clearer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clearer{client: client, logger: logger}
}

// Clear scans the accounts in waves of p.Concurrency. For every account
// whose pending nonce runs ahead of its latest nonce, it emits one
// self-transfer per gap nonce at an elevated gas price. Per-account and
// per-transaction failures are logged and skipped, never fatal.
func (c *Clearer) Clear(ctx context.Context, p ClearParams) *ClearReport {
	elevated := new(big.Int).Mul(p.GasPrice, big.NewInt(elevatedGasFactor))
	signer := ethtypes.LatestSignerForChainID(p.ChainID)

	c.logger.Info("scanning for stuck transactions",
		slog.Int("accounts", len(p.Accounts)),
		slog.String("gasPrice", elevated.String()),
	)

	var (
		mu     sync.Mutex
		report ClearReport
	)
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Concurrency)

	for _, acc := range p.Accounts {
		wg.Add(1)
		go func(acc *account.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			stuck, replaced := c.clearAccount(ctx, acc, elevated, signer)

			mu.Lock()
			report.Scanned++
			report.Stuck += stuck
			report.Replaced += replaced
			mu.Unlock()
		}(acc)
	}
	wg.Wait()

	c.logger.Info("clear-pending sweep complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("stuck", report.Stuck),
		slog.Int("replaced", report.Replaced),
	)
	return &report
}

// clearAccount replaces one account's stuck nonces and returns how many it
// found and how many replacements the node accepted.
func (c *Clearer) clearAccount(ctx context.Context, acc *account.Account, gasPrice *big.Int, signer ethtypes.Signer) (stuck, replaced int) {
	pending, err := c.client.GetTransactionCount(ctx, acc.Address, "pending")
	if err != nil {
		c.logger.Warn("pending nonce query failed",
			slog.Uint64("account", uint64(acc.Index)),
			slog.String("error", err.Error()))
		return 0, 0
	}
	latest, err := c.client.GetTransactionCount(ctx, acc.Address, "latest")
	if err != nil {
		c.logger.Warn("latest nonce query failed",
			slog.Uint64("account", uint64(acc.Index)),
			slog.String("error", err.Error()))
		return 0, 0
	}

	if pending <= latest {
		return 0, 0
	}
	stuck = int(pending - latest)

	c.logger.Info("replacing stuck transactions",
		slog.Uint64("account", uint64(acc.Index)),
		slog.Uint64("latest", latest),
		slog.Uint64("pending", pending),
	)

	for nonce := latest; nonce < pending; nonce++ {
		if err := c.replaceNonce(ctx, acc, nonce, gasPrice, signer); err != nil {
			c.logger.Warn("replacement rejected",
				slog.Uint64("account", uint64(acc.Index)),
				slog.Uint64("nonce", nonce),
				slog.String("error", err.Error()))
			continue
		}
		replaced++
	}
	return stuck, replaced
}

func (c *Clearer) replaceNonce(ctx context.Context, acc *account.Account, nonce uint64, gasPrice *big.Int, signer ethtypes.Signer) error {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      clearGasLimit,
		To:       &acc.Address,
		Value:    big.NewInt(0),
	})

	signed, err := ethtypes.SignTx(tx, signer, acc.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := c.client.SendRawTransaction(ctx, raw); err != nil {
		return err
	}
	return nil
}

// PoolCount is the result of a pool occupancy query.
type PoolCount struct {
	Pending uint64
	Queued  uint64
}

// Count reports how many transactions sit in the pool. It prefers
// txpool_content, which counts actual transactions per address, and falls
// back to txpool_status where content is unsupported or too large.
func Count(ctx context.Context, client rpc.Client, logger *slog.Logger) (*PoolCount, error) {
	if logger == nil {
		logger = slog.Default()
	}

	content, err := client.TxPoolContent(ctx)
	if err == nil {
		pending, queued := content.PendingCount()
		logger.Info("pool occupancy",
			slog.Uint64("pending", pending),
			slog.Uint64("queued", queued),
			slog.String("source", "txpool_content"),
		)
		return &PoolCount{Pending: pending, Queued: queued}, nil
	}
	logger.Debug("txpool_content unavailable", slog.String("error", err.Error()))

	status, err := client.TxPoolStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool count: %w", err)
	}
	logger.Info("pool occupancy",
		slog.Uint64("pending", status.Pending),
		slog.Uint64("queued", status.Queued),
		slog.String("source", "txpool_status"),
	)
	return &PoolCount{Pending: status.Pending, Queued: status.Queued}, nil
}
