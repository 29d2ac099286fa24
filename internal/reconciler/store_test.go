package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func createTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "reconciler_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := NewStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/proc/nonexistent/denied/test.db"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestStoreJoinBothSides(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	l2Header := &L2Header{Height: 200, Hash: "0xabc", Timestamp: 1700000100}
	withdrawals := []L2Withdrawal{{UID: 110000000, TxHash: "0xw1", Height: 200, Timestamp: 1700000100}}
	if err := store.ApplyL2Block(ctx, l2Header, withdrawals); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	l1Header := &L1Header{Height: 100, Hash: "deadbeef", Version: 4, PrevHash: "aa", MerkleRoot: "bb", Timestamp: 1700000200, Bits: 0x1a01ffff, Nonce: 7, SizeBytes: 285}
	payouts := []L1Payout{{UID: 110000000, TxHash: "cafe", Height: 100, Timestamp: 1700000200}}
	if err := store.InsertL1Block(ctx, l1Header, payouts); err != nil {
		t.Fatalf("InsertL1Block failed: %v", err)
	}

	row, err := store.GetTx(ctx, 110000000)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if row == nil {
		t.Fatal("expected a txs row, got nil")
	}
	if !row.Matched() {
		t.Fatalf("expected both sides populated, got %+v", row)
	}
	if row.L2TxHash.String != "0xw1" || row.L2Height.Int64 != 200 {
		t.Errorf("L2 side = (%s, %d), want (0xw1, 200)", row.L2TxHash.String, row.L2Height.Int64)
	}
	if row.L1TxHash.String != "cafe" || row.L1Height.Int64 != 100 {
		t.Errorf("L1 side = (%s, %d), want (cafe, 100)", row.L1TxHash.String, row.L1Height.Int64)
	}
}

func TestStoreUpsertKeepsOtherSide(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// L1 side lands first.
	l1Header := &L1Header{Height: 50, Hash: "aa", PrevHash: "pp", MerkleRoot: "mm", Timestamp: 1}
	if err := store.InsertL1Block(ctx, l1Header, []L1Payout{{UID: 9, TxHash: "l1", Height: 50, Timestamp: 1}}); err != nil {
		t.Fatalf("InsertL1Block failed: %v", err)
	}

	// The matching L2 side must not erase it.
	l2Header := &L2Header{Height: 60, Hash: "0xbb", Timestamp: 2}
	if err := store.ApplyL2Block(ctx, l2Header, []L2Withdrawal{{UID: 9, TxHash: "0xl2", Height: 60, Timestamp: 2}}); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	row, err := store.GetTx(ctx, 9)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if !row.Matched() {
		t.Fatalf("expected both sides populated after upserts, got %+v", row)
	}
}

func TestStoreL1Redelivery(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first := &L1Header{Height: 10, Hash: "old", PrevHash: "p", MerkleRoot: "m", Timestamp: 1}
	if err := store.InsertL1Block(ctx, first, nil); err != nil {
		t.Fatalf("InsertL1Block failed: %v", err)
	}
	second := &L1Header{Height: 10, Hash: "new", PrevHash: "p", MerkleRoot: "m", Timestamp: 2}
	if err := store.InsertL1Block(ctx, second, nil); err != nil {
		t.Fatalf("redelivered InsertL1Block failed: %v", err)
	}

	var hash string
	if err := store.db.QueryRow(`SELECT hash FROM l1_headers WHERE height = 10`).Scan(&hash); err != nil {
		t.Fatalf("query l1 header: %v", err)
	}
	if hash != "new" {
		t.Errorf("hash = %q, want %q", hash, "new")
	}
}

func TestStoreRollbackClearsL2(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	header := &L2Header{Height: 11, Hash: "0xorphan", Timestamp: 5}
	withdrawals := []L2Withdrawal{{UID: 77, TxHash: "0xgone", Height: 11, Timestamp: 5}}
	if err := store.ApplyL2Block(ctx, header, withdrawals); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	if err := store.RollbackL2(ctx, 11); err != nil {
		t.Fatalf("RollbackL2 failed: %v", err)
	}

	if _, _, ok, err := store.LastL2(ctx); err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	} else if ok {
		t.Error("expected no stored L2 tip after rollback")
	}

	row, err := store.GetTx(ctx, 77)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if row == nil {
		t.Fatal("expected the txs row to survive rollback")
	}
	if row.L2TxHash.Valid || row.L2Height.Valid || row.L2Timestamp.Valid {
		t.Errorf("expected cleared L2 columns, got %+v", row)
	}
}

func TestStoreRollbackLeavesOtherHeights(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for h := uint64(20); h <= 22; h++ {
		header := &L2Header{Height: h, Hash: "0xh", Timestamp: int64(h)}
		w := []L2Withdrawal{{UID: h, TxHash: "0xt", Height: h, Timestamp: int64(h)}}
		if err := store.ApplyL2Block(ctx, header, w); err != nil {
			t.Fatalf("ApplyL2Block(%d) failed: %v", h, err)
		}
	}

	if err := store.RollbackL2(ctx, 22); err != nil {
		t.Fatalf("RollbackL2 failed: %v", err)
	}

	height, _, ok, err := store.LastL2(ctx)
	if err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	}
	if !ok || height != 21 {
		t.Errorf("tip after rollback = (%d, %v), want (21, true)", height, ok)
	}

	row, err := store.GetTx(ctx, 21)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if !row.L2TxHash.Valid {
		t.Error("rollback of height 22 cleared rows at height 21")
	}
}

func TestStoreLastL2Empty(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	_, _, ok, err := store.LastL2(context.Background())
	if err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	}
	if ok {
		t.Error("expected ok=false on an empty store")
	}
}

func TestStoreGetTx_NotFound(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	row, err := store.GetTx(context.Background(), 404)
	if err != nil {
		t.Fatalf("GetTx failed: %v", err)
	}
	if row != nil {
		t.Errorf("expected nil for unknown uid, got %+v", row)
	}
}

func TestStoreStats(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	// uid 1 matched, uid 2 L2-only, uid 3 L1-only.
	l2Header := &L2Header{Height: 1, Hash: "0xa", Timestamp: 1}
	if err := store.ApplyL2Block(ctx, l2Header, []L2Withdrawal{
		{UID: 1, TxHash: "0x1", Height: 1, Timestamp: 1},
		{UID: 2, TxHash: "0x2", Height: 1, Timestamp: 1},
	}); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}
	l1Header := &L1Header{Height: 1, Hash: "a", PrevHash: "p", MerkleRoot: "m", Timestamp: 1}
	if err := store.InsertL1Block(ctx, l1Header, []L1Payout{
		{UID: 1, TxHash: "l1a", Height: 1, Timestamp: 1},
		{UID: 3, TxHash: "l1b", Height: 1, Timestamp: 1},
	}); err != nil {
		t.Fatalf("InsertL1Block failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Matched != 1 {
		t.Errorf("Matched = %d, want 1", stats.Matched)
	}
	if stats.L2Only != 1 {
		t.Errorf("L2Only = %d, want 1", stats.L2Only)
	}
	if stats.L1Only != 1 {
		t.Errorf("L1Only = %d, want 1", stats.L1Only)
	}
}

func TestStoreStatsEmpty(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Matched != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
}

func TestStoreRecentWithdrawals(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()
	ctx := context.Background()

	header := &L2Header{Height: 5, Hash: "0xh", Timestamp: 9}
	withdrawals := []L2Withdrawal{
		{UID: 1, TxHash: "0xa", Height: 5, Timestamp: 9},
		{UID: 2, TxHash: "0xb", Height: 5, Timestamp: 9},
		{UID: 3, TxHash: "0xc", Height: 5, Timestamp: 9},
	}
	if err := store.ApplyL2Block(ctx, header, withdrawals); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}

	rows, err := store.RecentWithdrawals(ctx, 2)
	if err != nil {
		t.Fatalf("RecentWithdrawals failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].UID != 3 || rows[1].UID != 2 {
		t.Errorf("uids = [%d, %d], want [3, 2]", rows[0].UID, rows[1].UID)
	}
}

func TestStoreReopenKeepsTip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "reconciler_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	header := &L2Header{Height: 31, Hash: "0xtip", Timestamp: 3}
	if err := store.ApplyL2Block(ctx, header, nil); err != nil {
		t.Fatalf("ApplyL2Block failed: %v", err)
	}
	store.Close()

	reopened, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	height, hash, ok, err := reopened.LastL2(ctx)
	if err != nil {
		t.Fatalf("LastL2 failed: %v", err)
	}
	if !ok || height != 31 || hash != "0xtip" {
		t.Errorf("tip = (%d, %q, %v), want (31, 0xtip, true)", height, hash, ok)
	}
}
