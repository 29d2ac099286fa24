package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/pkg/types"
)

// fakeL2 stubs the block and receipt reads the follower performs. Unstubbed
// interface methods panic through the embedded nil Client.
type fakeL2 struct {
	rpc.Client

	head     uint64
	blocks   map[uint64]*rpc.Block
	receipts map[common.Hash]*rpc.Receipt
}

func (f *fakeL2) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeL2) GetBlockByNumber(ctx context.Context, number uint64, fullTx bool) (*rpc.Block, error) {
	return f.blocks[number], nil
}

func (f *fakeL2) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*rpc.Receipt, error) {
	return f.receipts[txHash], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockHash(chain byte, height uint64) common.Hash {
	return common.BigToHash(big.NewInt(int64(chain)*1_000_000 + int64(height)))
}

// withdrawalEventData encodes the WithdrawalQueued data words: the amount
// followed by the raw uid.
func withdrawalEventData(uid uint64) []byte {
	amount := new(big.Int).Mul(types.WithdrawUIDDivisor, new(big.Int).SetUint64(uid))
	data := make([]byte, 64)
	amount.FillBytes(data[:32])
	new(big.Int).SetUint64(uid).FillBytes(data[32:64])
	return data
}

func TestFollowerPumpRecordsWithdrawals(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()
	moat := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	txHash := common.HexToHash("0x1111")
	fake := &fakeL2{
		head: 10,
		blocks: map[uint64]*rpc.Block{
			10: {Number: 10, Hash: blockHash('a', 10), ParentHash: blockHash('a', 9), Timestamp: time.Unix(100, 0)},
			11: {
				Number:     11,
				Hash:       blockHash('a', 11),
				ParentHash: blockHash('a', 10),
				Timestamp:  time.Unix(102, 0),
				Txs:        []rpc.BlockTx{{Hash: txHash, To: &moat}},
			},
		},
		receipts: map[common.Hash]*rpc.Receipt{
			txHash: {Status: 1, Logs: []rpc.Log{{
				Address: moat,
				Topics:  []common.Hash{withdrawalQueuedTopic},
				Data:    withdrawalEventData(110000000),
			}}},
		},
	}

	f := NewFollower(fake, store, moat, "http://localhost:8545", discardLogger())
	if err := f.anchor(ctx); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if f.lastHeight != 10 {
		t.Fatalf("anchor height = %d, want 10", f.lastHeight)
	}

	if err := f.pump(ctx, 11); err != nil {
		t.Fatalf("pump failed: %v", err)
	}

	row, err := store.GetTx(ctx, 110000000)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if row == nil || !row.L2TxHash.Valid {
		t.Fatalf("expected recorded L2 side, got %+v", row)
	}
	if row.L2TxHash.String != txHash.Hex() {
		t.Errorf("l2_txhash = %s, want %s", row.L2TxHash.String, txHash.Hex())
	}
	if row.L2Height.Int64 != 11 || row.L2Timestamp.Int64 != 102 {
		t.Errorf("l2 side = (%d, %d), want (11, 102)", row.L2Height.Int64, row.L2Timestamp.Int64)
	}

	height, hash, ok, err := store.LastL2(ctx)
	if err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	}
	if !ok || height != 11 || hash != blockHash('a', 11).Hex() {
		t.Errorf("tip = (%d, %s, %v), want block 11", height, hash, ok)
	}
}

func TestFollowerReorgRollback(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()
	moat := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	txHash := common.HexToHash("0x2222")
	fake := &fakeL2{
		head: 10,
		blocks: map[uint64]*rpc.Block{
			10: {Number: 10, Hash: blockHash('a', 10), ParentHash: blockHash('a', 9), Timestamp: time.Unix(100, 0)},
			11: {
				Number:     11,
				Hash:       blockHash('a', 11),
				ParentHash: blockHash('a', 10),
				Timestamp:  time.Unix(102, 0),
				Txs:        []rpc.BlockTx{{Hash: txHash, To: &moat}},
			},
		},
		receipts: map[common.Hash]*rpc.Receipt{
			txHash: {Status: 1, Logs: []rpc.Log{{
				Address: moat,
				Topics:  []common.Hash{withdrawalQueuedTopic},
				Data:    withdrawalEventData(77),
			}}},
		},
	}

	f := NewFollower(fake, store, moat, "http://localhost:8545", discardLogger())
	if err := f.anchor(ctx); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if err := f.pump(ctx, 11); err != nil {
		t.Fatalf("pump failed: %v", err)
	}

	// The node reorgs height 11: the withdrawal-carrying block is orphaned.
	fake.blocks[11] = &rpc.Block{Number: 11, Hash: blockHash('b', 11), ParentHash: blockHash('a', 10), Timestamp: time.Unix(103, 0)}
	fake.blocks[12] = &rpc.Block{Number: 12, Hash: blockHash('b', 12), ParentHash: blockHash('b', 11), Timestamp: time.Unix(105, 0)}

	if err := f.pump(ctx, 12); err != nil {
		t.Fatalf("pump across reorg failed: %v", err)
	}

	height, hash, ok, err := store.LastL2(ctx)
	if err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	}
	if !ok || height != 12 || hash != blockHash('b', 12).Hex() {
		t.Errorf("tip = (%d, %s, %v), want replacement block 12", height, hash, ok)
	}

	var stored string
	if err := store.db.QueryRow(`SELECT hash FROM l2_headers WHERE height = 11`).Scan(&stored); err != nil {
		t.Fatalf("query header 11: %v", err)
	}
	if stored != blockHash('b', 11).Hex() {
		t.Errorf("header 11 = %s, want replacement %s", stored, blockHash('b', 11).Hex())
	}

	row, err := store.GetTx(ctx, 77)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if row == nil {
		t.Fatal("expected the orphaned row to survive with cleared columns")
	}
	if row.L2TxHash.Valid || row.L2Height.Valid {
		t.Errorf("expected cleared L2 side after reorg, got %+v", row)
	}
}

func TestFollowerReorgDepthBound(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	header := &L2Header{Height: 100, Hash: blockHash('a', 100).Hex(), Timestamp: 1}
	if err := store.ApplyL2Block(ctx, header, nil); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	// Every block the node serves names a parent the follower has never
	// seen, so the unwind can only terminate at the depth bound.
	fake := &fakeL2{blocks: map[uint64]*rpc.Block{}}
	for h := uint64(30); h <= 101; h++ {
		fake.blocks[h] = &rpc.Block{
			Number:     h,
			Hash:       blockHash('b', h),
			ParentHash: blockHash('c', h-1),
			Timestamp:  time.Unix(int64(h), 0),
		}
	}

	f := NewFollower(fake, store, common.Address{}, "http://localhost:8545", discardLogger())
	if err := f.anchor(ctx); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}

	err := f.pump(ctx, 101)
	if !errors.Is(err, ErrReorg) {
		t.Fatalf("pump error = %v, want ErrReorg", err)
	}
}

func TestFollowerAnchorPrefersStoredTip(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	header := &L2Header{Height: 42, Hash: "0xstored", Timestamp: 1}
	if err := store.ApplyL2Block(ctx, header, nil); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	f := NewFollower(&fakeL2{}, store, common.Address{}, "http://localhost:8545", discardLogger())
	if err := f.anchor(ctx); err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	if f.lastHeight != 42 || f.lastHash != "0xstored" {
		t.Errorf("anchor = (%d, %s), want stored tip (42, 0xstored)", f.lastHeight, f.lastHash)
	}
}

func TestExtractWithdrawals(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()
	moat := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	queued := common.HexToHash("0x3333")
	foreign := common.HexToHash("0x4444")
	short := common.HexToHash("0x5555")

	fake := &fakeL2{
		receipts: map[common.Hash]*rpc.Receipt{
			queued: {Status: 1, Logs: []rpc.Log{{
				Address: moat,
				Topics:  []common.Hash{withdrawalQueuedTopic},
				Data:    withdrawalEventData(9000),
			}}},
			foreign: {Status: 1, Logs: []rpc.Log{{
				Address: moat,
				Topics:  []common.Hash{common.HexToHash("0xdead")},
				Data:    withdrawalEventData(1),
			}}},
			short: {Status: 1, Logs: []rpc.Log{{
				Address: moat,
				Topics:  []common.Hash{withdrawalQueuedTopic},
				Data:    []byte{0x01},
			}}},
		},
	}

	block := &rpc.Block{
		Number:    30,
		Timestamp: time.Unix(500, 0),
		Txs: []rpc.BlockTx{
			{Hash: queued, To: &moat},
			{Hash: common.HexToHash("0x9999"), To: &other},
			{Hash: foreign, To: &moat},
			{Hash: short, To: &moat},
			{Hash: common.HexToHash("0x8888"), To: nil}, // contract creation
		},
	}

	f := NewFollower(fake, store, moat, "http://localhost:8545", discardLogger())
	withdrawals, err := f.extractWithdrawals(ctx, block)
	if err != nil {
		t.Fatalf("extractWithdrawals failed: %v", err)
	}

	if len(withdrawals) != 1 {
		t.Fatalf("got %d withdrawals, want 1", len(withdrawals))
	}
	got := withdrawals[0]
	if got.UID != 9000 {
		t.Errorf("uid = %d, want 9000", got.UID)
	}
	if got.TxHash != queued.Hex() || got.Height != 30 || got.Timestamp != 500 {
		t.Errorf("withdrawal = %+v, want (tx %s, height 30, ts 500)", got, queued.Hex())
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8545", "ws://localhost:8545"},
		{"https://rpc.example.com", "wss://rpc.example.com"},
		{"ws://already:8546", "ws://already:8546"},
	}

	for _, tt := range tests {
		if got := deriveWSURL(tt.in); got != tt.want {
			t.Errorf("deriveWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
