// Package runner drives one pandoras-box invocation end to end: derive
// accounts, make them ready, build and sign the stream, submit it and report
// what the chain did with it. The utility modes bypass the pipeline.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/config"
	"github.com/unifralabs/pandoras-box/internal/distributor"
	"github.com/unifralabs/pandoras-box/internal/keys"
	"github.com/unifralabs/pandoras-box/internal/metrics"
	"github.com/unifralabs/pandoras-box/internal/pending"
	"github.com/unifralabs/pandoras-box/internal/reconciler"
	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/internal/signer"
	"github.com/unifralabs/pandoras-box/internal/stats"
	"github.com/unifralabs/pandoras-box/internal/submitter"
	"github.com/unifralabs/pandoras-box/internal/token"
	"github.com/unifralabs/pandoras-box/internal/txbuilder"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

// baseTransferGas is the protocol minimum for a plain transfer, used when
// the node refuses to estimate.
const baseTransferGas = 21000

// eoaTransferValue is the amount every EOA stress transfer carries. One wei
// keeps the value flow negligible next to gas.
var eoaTransferValue = big.NewInt(1)

// Runner executes one run in the configured mode.
type Runner struct {
	cfg     *config.Config
	client  rpc.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a runner. metrics may be nil.
func New(cfg *config.Config, client rpc.Client, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, client: client, metrics: m, logger: logger}
}

// Run executes the configured mode.
func (r *Runner) Run(ctx context.Context) error {
	switch r.cfg.Mode {
	case types.ModeGetPendingCount:
		return r.runPendingCount(ctx)
	case types.ModeClearPending:
		return r.runClearPending(ctx)
	default:
		return r.runStress(ctx)
	}
}

// runStress is the load pipeline: fund, build, sign, submit, measure. In
// WITHDRAWAL mode the reconciler starts before any load goes out and keeps
// running after the statistics are in, until the context is cancelled.
func (r *Runner) runStress(ctx context.Context) error {
	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	gasPrice, err := r.gasPrice(ctx)
	if err != nil {
		return err
	}

	r.logger.Info("starting run",
		slog.String("mode", string(r.cfg.Mode)),
		slog.Uint64("chainID", chainID.Uint64()),
		slog.String("gasPrice", gasPrice.String()),
		slog.Uint64("transactions", r.cfg.Transactions),
		slog.Uint64("subAccounts", r.cfg.SubAccounts),
	)

	funder, err := keys.Derive(r.cfg.Mnemonic, keys.FunderIndex)
	if err != nil {
		return err
	}
	subs, err := keys.DeriveRange(r.cfg.Mnemonic, 1, uint32(r.cfg.SubAccounts)+1)
	if err != nil {
		return err
	}

	var reconDone chan error
	if r.cfg.Mode == types.ModeWithdrawal {
		store, done, err := r.startReconciler(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		reconDone = done
	}

	book := account.NewNonceBook()
	ready, err := distributor.New(r.client, book, r.logger).Distribute(ctx, distributor.Params{
		Funder:      funder,
		SubAccounts: subs,
		NumTxs:      r.cfg.Transactions,
		Value:       r.perTxValue(),
		GasPrice:    gasPrice,
		ChainID:     chainID,
		Concurrency: r.cfg.Concurrency,
	})
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordFundedAccounts(len(ready))
	}

	builder, err := r.prepareBuilder(ctx, funder, ready, book, gasPrice, chainID)
	if err != nil {
		return err
	}

	if err := book.Load(ctx, r.client, ready, r.cfg.Concurrency); err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}

	txs, err := txbuilder.BuildAll(ready, r.cfg.Transactions, builder, book)
	if err != nil {
		return err
	}
	signed, err := signer.SignAll(txs, chainID, r.logger)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordSigned(string(r.cfg.Mode), len(signed))
	}

	// The scan anchor must predate the first submission.
	startBlock, err := r.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("start block: %w", err)
	}

	queues := txbuilder.GroupBySender(ready, signed)
	report := submitter.New(r.client, r.logger, r.metrics).Submit(ctx, queues, r.cfg.BatchSize, r.cfg.Concurrency)
	if r.metrics != nil {
		r.metrics.RecordSubmitted(string(r.cfg.Mode), report.Submitted)
		r.metrics.RecordFailed(string(r.cfg.Mode), report.Failed)
	}

	results, err := stats.NewCollector(r.client, r.logger).Collect(ctx, report.Hashes, startBlock)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SetRunTPS(float64(results.AverageTPS))
	}

	if err := r.writeResults(results); err != nil {
		return err
	}

	if reconDone != nil {
		r.logger.Info("load phase complete, reconciling until interrupted")
		err := <-reconDone
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// gasPrice resolves the run's gas price: fixed at 1 gwei when requested,
// otherwise whatever the node suggests.
func (r *Runner) gasPrice(ctx context.Context) (*big.Int, error) {
	if r.cfg.FixedGasPrice {
		return big.NewInt(config.FixedGasPriceWei), nil
	}
	price, err := r.client.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return price, nil
}

// perTxValue is the native value one stress transaction carries, as budgeted
// by the distributor.
func (r *Runner) perTxValue() *big.Int {
	switch r.cfg.Mode {
	case types.ModeEOA:
		return eoaTransferValue
	case types.ModeWithdrawal:
		// The last withdrawal carries the largest value; budgeting with it
		// keeps every account solvent through its whole queue.
		v := new(big.Int).Mul(types.WithdrawUIDDivisor, new(big.Int).SetUint64(r.cfg.Transactions))
		return v.Add(v, types.MinWithdrawValue)
	default:
		// Token calls move no native value.
		return big.NewInt(0)
	}
}

// prepareBuilder performs the mode's on-chain preparation and returns its
// transaction builder.
func (r *Runner) prepareBuilder(ctx context.Context, funder *account.Account, ready []*account.Account, book *account.NonceBook, gasPrice, chainID *big.Int) (txbuilder.Builder, error) {
	registry := txbuilder.NewRegistry()
	params := token.Params{
		Funder:      funder,
		Ready:       ready,
		NumTxs:      r.cfg.Transactions,
		GasPrice:    gasPrice,
		ChainID:     chainID,
		Concurrency: r.cfg.Concurrency,
	}

	switch r.cfg.Mode {
	case types.ModeEOA:
		gas := r.estimateTransferGas(ctx, funder, ready)
		registry.Register(types.ModeEOA, txbuilder.NewEOA(gasPrice, gas, eoaTransferValue))

	case types.ModeERC20:
		contract, err := token.NewRuntime(r.client, book, r.logger).PrepareERC20(ctx, params)
		if err != nil {
			return nil, err
		}
		registry.Register(types.ModeERC20, txbuilder.NewERC20(contract, gasPrice))

	case types.ModeERC721:
		contract, err := token.NewRuntime(r.client, book, r.logger).PrepareERC721(ctx, params)
		if err != nil {
			return nil, err
		}
		registry.Register(types.ModeERC721, txbuilder.NewERC721(contract, gasPrice))

	case types.ModeWithdrawal:
		target, err := txbuilder.DecodeL1Target(r.cfg.TargetAddress)
		if err != nil {
			return nil, err
		}
		moat := common.HexToAddress(r.cfg.MoatAddress)
		registry.Register(types.ModeWithdrawal, txbuilder.NewWithdraw(moat, target, gasPrice))
	}

	return registry.Get(r.cfg.Mode)
}

// estimateTransferGas asks the node what a plain transfer costs, falling
// back to the protocol minimum.
func (r *Runner) estimateTransferGas(ctx context.Context, funder *account.Account, ready []*account.Account) uint64 {
	if len(ready) == 0 {
		return baseTransferGas
	}
	to := ready[0].Address
	gas, err := r.client.EstimateGas(ctx, rpc.CallMsg{From: funder.Address, To: &to})
	if err != nil || gas == 0 {
		return baseTransferGas
	}
	return gas
}

// startReconciler opens the reconciler database and launches the L1 and L2
// feeds. The returned channel yields the reconciler's exit error.
func (r *Runner) startReconciler(ctx context.Context) (*reconciler.Store, chan error, error) {
	target, err := txbuilder.DecodeL1Target(r.cfg.TargetAddress)
	if err != nil {
		return nil, nil, err
	}
	store, err := reconciler.NewStore(r.cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	rec := reconciler.New(reconciler.Config{
		Client:      r.client,
		Store:       store,
		Moat:        common.HexToAddress(r.cfg.MoatAddress),
		Target:      target,
		RPCURL:      r.cfg.JSONRPCURL,
		ZMQEndpoint: r.cfg.ZMQEndpoint,
		Logger:      r.logger,
	})

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	return store, done, nil
}

// writeResults logs the run summary and, when --output is set, writes the
// full report as JSON.
func (r *Runner) writeResults(results *types.RunResults) error {
	r.logger.Info("run complete",
		slog.Uint64("tps", results.AverageTPS),
		slog.Int("blocks", len(results.Blocks)),
	)

	if r.cfg.OutputPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(r.cfg.OutputPath, data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	r.logger.Info("results written", slog.String("path", r.cfg.OutputPath))
	return nil
}

// runClearPending derives the configured account range and replaces every
// stuck transaction it finds with a same-nonce self-transfer.
func (r *Runner) runClearPending(ctx context.Context) error {
	start, end, err := r.cfg.ClearPendingRange()
	if err != nil {
		return err
	}
	accounts, err := keys.DeriveRange(r.cfg.Mnemonic, uint32(start), uint32(end))
	if err != nil {
		return err
	}
	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	gasPrice, err := r.gasPrice(ctx)
	if err != nil {
		return err
	}

	pending.NewClearer(r.client, r.logger).Clear(ctx, pending.ClearParams{
		Accounts:    accounts,
		GasPrice:    gasPrice,
		ChainID:     chainID,
		Concurrency: r.cfg.Concurrency,
	})
	return nil
}

// runPendingCount reports pool occupancy. No accounts are derived; the query
// only needs the node.
func (r *Runner) runPendingCount(ctx context.Context) error {
	count, err := pending.Count(ctx, r.client, r.logger)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SetPendingTxs(count.Pending)
	}
	return nil
}
