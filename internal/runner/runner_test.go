package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/config"
	"github.com/unifralabs/pandoras-box/internal/keys"
	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

const testMnemonic = "test test test test test test test test test test test junk"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type minedTx struct {
	hash   common.Hash
	sender common.Address
	nonce  uint64
}

// fakeChain is an in-memory node covering the EOA pipeline end to end:
// funding singles, stress batches, nonce and balance bookkeeping, and a
// two-block history so the stats scan terminates on its own.
type fakeChain struct {
	rpc.Client

	chainID *big.Int

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*rpc.Receipt
	stress   []minedTx
}

func newFakeChain(funder common.Address) *fakeChain {
	return &fakeChain{
		chainID: big.NewInt(1337),
		balances: map[common.Address]*big.Int{
			funder: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		},
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*rpc.Receipt{},
	}
}

func (f *fakeChain) decode(raw []byte) (*ethtypes.Transaction, common.Address, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, common.Address{}, err
	}
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return nil, common.Address{}, err
	}
	return tx, sender, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}

func (f *fakeChain) TxPoolStatus(ctx context.Context) (*rpc.PoolStatus, error) {
	return &rpc.PoolStatus{}, nil
}

func (f *fakeChain) TxPoolContent(ctx context.Context) (*rpc.PoolContent, error) {
	return nil, errors.New("txpool_content not supported")
}

func (f *fakeChain) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) GetTransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

// SendRawTransaction carries the funding transfers: credit the recipient,
// advance the sender nonce and back the hash with a success receipt.
func (f *fakeChain) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx, sender, err := f.decode(raw)
	if err != nil {
		return common.Hash{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.To() != nil && tx.Value() != nil {
		to := *tx.To()
		bal, ok := f.balances[to]
		if !ok {
			bal = big.NewInt(0)
		}
		f.balances[to] = new(big.Int).Add(bal, tx.Value())
	}
	// Funding waves arrive out of order; track the highest nonce seen.
	if next := tx.Nonce() + 1; next > f.nonces[sender] {
		f.nonces[sender] = next
	}
	f.receipts[tx.Hash()] = &rpc.Receipt{Status: 1, BlockNumber: 99}
	return tx.Hash(), nil
}

func (f *fakeChain) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*rpc.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeChain) SendRawTransactions(ctx context.Context, raws [][]byte) ([]rpc.SendResult, error) {
	results := make([]rpc.SendResult, len(raws))
	for i, raw := range raws {
		tx, sender, err := f.decode(raw)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.stress = append(f.stress, minedTx{hash: tx.Hash(), sender: sender, nonce: tx.Nonce()})
		f.mu.Unlock()
		results[i] = rpc.SendResult{Hash: tx.Hash()}
	}
	return results, nil
}

// GetBlockByNumber serves the pre-run head at 100 and block 101 holding
// every stress transaction.
func (f *fakeChain) GetBlockByNumber(ctx context.Context, number uint64, fullTx bool) (*rpc.Block, error) {
	switch number {
	case 100:
		return &rpc.Block{Number: 100, GasLimit: 30_000_000, Timestamp: time.Unix(1000, 0)}, nil
	case 101:
		f.mu.Lock()
		defer f.mu.Unlock()
		block := &rpc.Block{
			Number:    101,
			GasUsed:   21000 * uint64(len(f.stress)),
			GasLimit:  30_000_000,
			Timestamp: time.Unix(1002, 0),
		}
		for _, tx := range f.stress {
			block.TxHashes = append(block.TxHashes, tx.hash)
		}
		return block, nil
	default:
		return nil, nil
	}
}

func TestRunnerEOARoundRobin(t *testing.T) {
	funder, err := keys.Derive(testMnemonic, keys.FunderIndex)
	if err != nil {
		t.Fatalf("derive funder: %v", err)
	}
	subs, err := keys.DeriveRange(testMnemonic, 1, 5)
	if err != nil {
		t.Fatalf("derive subs: %v", err)
	}
	node := newFakeChain(funder.Address)

	outPath := filepath.Join(t.TempDir(), "results.json")
	cfg := &config.Config{
		JSONRPCURL:   "http://localhost:8545",
		Mnemonic:     testMnemonic,
		SubAccounts:  4,
		Transactions: 10,
		BatchSize:    3,
		Concurrency:  2,
		Mode:         types.ModeEOA,
		OutputPath:   outPath,
	}

	r := New(cfg, node, nil, discardLogger())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(node.stress) != 10 {
		t.Fatalf("node saw %d stress txs, want 10", len(node.stress))
	}

	// Round-robin over 4 senders gives shares 3,3,2,2, and every sender's
	// nonces count up from its starting value of zero.
	nonces := map[common.Address][]uint64{}
	for _, tx := range node.stress {
		nonces[tx.sender] = append(nonces[tx.sender], tx.nonce)
	}
	wantShare := []int{3, 3, 2, 2}
	for i, acc := range subs {
		got := nonces[acc.Address]
		if len(got) != wantShare[i] {
			t.Errorf("account %d sent %d txs, want %d", acc.Index, len(got), wantShare[i])
		}
		sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
		for n, nonce := range got {
			if nonce != uint64(n) {
				t.Errorf("account %d nonce[%d] = %d, want %d", acc.Index, n, nonce, n)
			}
		}
	}

	// All four sub-accounts started empty, so the funder sent one top-up
	// each, consuming its first four nonces.
	if node.nonces[funder.Address] != 4 {
		t.Errorf("funder nonce = %d, want 4", node.nonces[funder.Address])
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("results file: %v", err)
	}
	var results types.RunResults
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("results decode: %v", err)
	}
	if results.AverageTPS != 5 {
		t.Errorf("tps = %d, want 5 (10 txs over 2 seconds)", results.AverageTPS)
	}
	if len(results.Blocks) != 1 || results.Blocks[0].NumTxs != 10 {
		t.Errorf("blocks = %+v, want one block with 10 txs", results.Blocks)
	}
}

func TestRunnerPendingCount(t *testing.T) {
	node := &fakeChain{}

	cfg := &config.Config{
		JSONRPCURL: "http://localhost:8545",
		Mode:       types.ModeGetPendingCount,
	}
	r := New(cfg, node, nil, discardLogger())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func TestRunnerGasPrice(t *testing.T) {
	node := &fakeChain{}

	fixed := New(&config.Config{FixedGasPrice: true}, node, nil, discardLogger())
	price, err := fixed.gasPrice(context.Background())
	if err != nil {
		t.Fatalf("fixed gas price: %v", err)
	}
	if price.Cmp(big.NewInt(config.FixedGasPriceWei)) != 0 {
		t.Errorf("fixed price = %s, want %d", price, config.FixedGasPriceWei)
	}

	dynamic := New(&config.Config{}, node, nil, discardLogger())
	price, err = dynamic.gasPrice(context.Background())
	if err != nil {
		t.Fatalf("node gas price: %v", err)
	}
	if price.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("node price = %s, want 1 gwei", price)
	}
}

func TestRunnerPerTxValue(t *testing.T) {
	tests := []struct {
		mode types.Mode
		want *big.Int
	}{
		{types.ModeEOA, big.NewInt(1)},
		{types.ModeERC20, big.NewInt(0)},
		{types.ModeERC721, big.NewInt(0)},
		{types.ModeWithdrawal, new(big.Int).Add(
			types.MinWithdrawValue,
			new(big.Int).Mul(types.WithdrawUIDDivisor, big.NewInt(10)),
		)},
	}

	for _, tt := range tests {
		r := New(&config.Config{Mode: tt.mode, Transactions: 10}, &fakeChain{}, nil, discardLogger())
		if got := r.perTxValue(); got.Cmp(tt.want) != 0 {
			t.Errorf("perTxValue(%s) = %s, want %s", tt.mode, got, tt.want)
		}
	}
}
