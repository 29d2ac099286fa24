// Package distributor tops up sub-accounts with the native currency a run
// needs. It scans balances in bounded waves, ranks underfunded accounts by
// how much they are missing, and funds as many as the funder can cover.
package distributor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/rpc"
)

// ErrNotEnoughFunds aborts the run: the funder cannot make a single
// sub-account ready.
var ErrNotEnoughFunds = errors.New("funder balance cannot cover a single sub-account")

// baseGasFallback is used when the node refuses to estimate a plain
// transfer.
const baseGasFallback = 21000

// Params describes one distribution round.
type Params struct {
	Funder      *account.Account
	SubAccounts []*account.Account

	// NumTxs and Value shape the per-account requirement: every ready
	// account must hold NumTxs * (GasPrice*baseGas + Value).
	NumTxs   uint64
	Value    *big.Int
	GasPrice *big.Int
	ChainID  *big.Int

	Concurrency int
}

// Distributor funds sub-accounts from the funder account. It is the only
// writer of the funder's nonces.
type Distributor struct {
	client rpc.Client
	book   *account.NonceBook
	logger *slog.Logger
}

// New creates a distributor.
func New(client rpc.Client, book *account.NonceBook, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{client: client, book: book, logger: logger}
}

// shortfall is one underfunded account and the amount it is missing.
type shortfall struct {
	account *account.Account
	missing *big.Int
}

// shortfallHeap is a min-heap keyed by missing funds, so the cheapest
// accounts to make ready are funded first.
type shortfallHeap []shortfall

func (h shortfallHeap) Len() int            { return len(h) }
func (h shortfallHeap) Less(i, j int) bool  { return h[i].missing.Cmp(h[j].missing) < 0 }
func (h shortfallHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *shortfallHeap) Push(x interface{}) { *h = append(*h, x.(shortfall)) }
func (h *shortfallHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Distribute makes as many sub-accounts ready as the funder can afford and
// returns them sorted by account index. Wave-level partial failures shrink
// the result; a funder that cannot cover even one account is fatal.
func (d *Distributor) Distribute(ctx context.Context, p Params) ([]*account.Account, error) {
	baseGas := d.estimateBaseGas(ctx, p)
	unitCost := perAccountCost(p.NumTxs, p.GasPrice, baseGas, p.Value)

	d.logger.Info("distributing funds",
		slog.Int("subAccounts", len(p.SubAccounts)),
		slog.Uint64("numTxs", p.NumTxs),
		slog.String("unitCost", unitCost.String()),
		slog.Uint64("baseGas", baseGas),
	)

	ready, shortfalls := d.scanBalances(ctx, p, unitCost)

	if len(shortfalls) == 0 {
		d.logger.Info("all sub-accounts already funded", slog.Int("ready", len(ready)))
		return sortByIndex(ready), nil
	}

	funderBalance, err := d.client.GetBalance(ctx, p.Funder.Address)
	if err != nil {
		return nil, fmt.Errorf("funder balance: %w", err)
	}

	fundable := pickFundable(shortfalls, funderBalance, unitCost, p.GasPrice, baseGas)
	if len(ready) == 0 && len(fundable) == 0 {
		return nil, fmt.Errorf("%w: balance %s, need %s per account",
			ErrNotEnoughFunds, funderBalance.String(), unitCost.String())
	}

	if len(fundable) < len(shortfalls) {
		d.logger.Warn("funder cannot cover every sub-account",
			slog.Int("fundable", len(fundable)),
			slog.Int("underfunded", len(shortfalls)),
		)
	}

	funded, err := d.fundAll(ctx, p, fundable, baseGas)
	if err != nil {
		return nil, err
	}

	ready = append(ready, funded...)
	if len(ready) == 0 {
		return nil, ErrNotEnoughFunds
	}
	return sortByIndex(ready), nil
}

// estimateBaseGas asks the node what a plain transfer costs; estimation
// failures fall back to the protocol minimum.
func (d *Distributor) estimateBaseGas(ctx context.Context, p Params) uint64 {
	if len(p.SubAccounts) == 0 {
		return baseGasFallback
	}
	to := p.SubAccounts[0].Address
	gas, err := d.client.EstimateGas(ctx, rpc.CallMsg{From: p.Funder.Address, To: &to})
	if err != nil || gas == 0 {
		d.logger.Debug("gas estimation failed, using fallback",
			slog.Uint64("fallback", uint64(baseGasFallback)),
			slog.Any("error", err),
		)
		return baseGasFallback
	}
	return gas
}

// perAccountCost computes numTxs * (gasPrice*baseGas + value).
func perAccountCost(numTxs uint64, gasPrice *big.Int, baseGas uint64, value *big.Int) *big.Int {
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(baseGas))
	if value != nil {
		cost.Add(cost, value)
	}
	return cost.Mul(cost, new(big.Int).SetUint64(numTxs))
}

// scanBalances queries all sub-account balances in waves and splits them
// into ready accounts and shortfalls. A timeout marks the account as
// assumed ready so one slow query cannot stall the run; any other error
// skips the account entirely.
func (d *Distributor) scanBalances(ctx context.Context, p Params, unitCost *big.Int) ([]*account.Account, []shortfall) {
	type result struct {
		ready     bool
		shortfall *big.Int // nil unless underfunded
	}

	results := make([]result, len(p.SubAccounts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Concurrency)

	for i, acc := range p.SubAccounts {
		wg.Add(1)
		go func(idx int, acc *account.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			balance, err := d.client.GetBalance(ctx, acc.Address)
			switch {
			case err == nil && balance.Cmp(unitCost) >= 0:
				results[idx] = result{ready: true}
			case err == nil:
				results[idx] = result{shortfall: new(big.Int).Sub(unitCost, balance)}
			case rpc.IsTimeout(err):
				// Conservative: a slow node must not stall the run.
				d.logger.Warn("balance query timed out, assuming ready",
					slog.Uint64("account", uint64(acc.Index)))
				results[idx] = result{ready: true}
			default:
				d.logger.Warn("balance query failed, skipping account",
					slog.Uint64("account", uint64(acc.Index)),
					slog.String("error", err.Error()))
			}
		}(i, acc)
	}
	wg.Wait()

	var ready []*account.Account
	var shortfalls []shortfall
	for i, res := range results {
		if res.ready {
			ready = append(ready, p.SubAccounts[i])
		} else if res.shortfall != nil {
			shortfalls = append(shortfalls, shortfall{account: p.SubAccounts[i], missing: res.shortfall})
		}
	}
	return ready, shortfalls
}

// pickFundable pops shortfalls cheapest-first while the funder still holds
// more than one unit cost, budgeting the top-up and its gas for each pop.
func pickFundable(shortfalls []shortfall, funderBalance, unitCost, gasPrice *big.Int, baseGas uint64) []shortfall {
	h := make(shortfallHeap, len(shortfalls))
	copy(h, shortfalls)
	heap.Init(&h)

	transferFee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(baseGas))
	remaining := new(big.Int).Set(funderBalance)

	var fundable []shortfall
	for h.Len() > 0 && remaining.Cmp(unitCost) > 0 {
		s := heap.Pop(&h).(shortfall)
		remaining.Sub(remaining, s.missing)
		remaining.Sub(remaining, transferFee)
		fundable = append(fundable, s)
	}
	return fundable
}

// fundAll tops up every fundable account in waves of p.Concurrency. The
// funder's nonces are reserved as one contiguous block up front, so wave w
// spends nonces [base+w*concurrency, ...). Every transfer is awaited
// independently; failures drop the account but never abort the round.
func (d *Distributor) fundAll(ctx context.Context, p Params, fundable []shortfall, baseGas uint64) ([]*account.Account, error) {
	if err := d.initFunderNonce(ctx, p.Funder); err != nil {
		return nil, err
	}
	base, err := d.book.Reserve(p.Funder.Address, uint64(len(fundable)))
	if err != nil {
		return nil, fmt.Errorf("reserve funder nonces: %w", err)
	}

	signer := ethtypes.LatestSignerForChainID(p.ChainID)
	funded := make([]*account.Account, len(fundable))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Concurrency)

	for i, s := range fundable {
		wg.Add(1)
		go func(i int, s shortfall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			nonce := base + uint64(i)
			if err := d.fundOne(ctx, p, signer, s, nonce, baseGas); err != nil {
				d.logger.Warn("funding failed",
					slog.Uint64("account", uint64(s.account.Index)),
					slog.Uint64("nonce", nonce),
					slog.String("error", err.Error()),
				)
				return
			}
			funded[i] = s.account
		}(i, s)
	}
	wg.Wait()

	var ok []*account.Account
	for _, acc := range funded {
		if acc != nil {
			ok = append(ok, acc)
		}
	}
	d.logger.Info("funding complete",
		slog.Int("funded", len(ok)),
		slog.Int("attempted", len(fundable)),
	)
	return ok, nil
}

func (d *Distributor) initFunderNonce(ctx context.Context, funder *account.Account) error {
	nonce, err := d.client.GetTransactionCount(ctx, funder.Address, "latest")
	if err != nil {
		return fmt.Errorf("funder nonce: %w", err)
	}
	d.book.Set(funder.Address, nonce)
	return nil
}

// fundOne sends one top-up and waits for its receipt.
func (d *Distributor) fundOne(ctx context.Context, p Params, signer ethtypes.Signer, s shortfall, nonce uint64, baseGas uint64) error {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: p.GasPrice,
		Gas:      baseGas,
		To:       &s.account.Address,
		Value:    s.missing,
	})

	signed, err := ethtypes.SignTx(tx, signer, p.Funder.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	hash, err := d.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	receipt, err := rpc.WaitForReceipt(ctx, d.client, hash)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("funding tx %s reverted", hash.Hex())
	}
	return nil
}

func sortByIndex(accounts []*account.Account) []*account.Account {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Index < accounts[j].Index })
	return accounts
}
