package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists L1 headers, L2 headers and the reconciliation rows that
// join a withdrawal's two sides by uid. It is the single writer for the
// database; every multi-row change happens inside one transaction.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath and migrates it.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers (the MCP tools) from blocking the follower.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS l1_headers (
		height INTEGER PRIMARY KEY,
		hash TEXT NOT NULL,
		version INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		merkle_root TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		create_at DATETIME NOT NULL,
		bits INTEGER NOT NULL,
		nonce INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS l2_headers (
		height INTEGER PRIMARY KEY,
		hash TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		create_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS txs (
		uid INTEGER PRIMARY KEY,
		l2_txhash TEXT,
		l2_height INTEGER,
		l2_timestamp INTEGER,
		l1_txhash TEXT,
		l1_height INTEGER,
		l1_timestamp INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_txs_l2_height ON txs(l2_height);
	CREATE INDEX IF NOT EXISTS idx_txs_l1_height ON txs(l1_height);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// L1Header is a parsed L1 block header ready for persistence.
type L1Header struct {
	Height     uint64
	Hash       string
	Version    int32
	PrevHash   string
	MerkleRoot string
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
	SizeBytes  int
}

// L1Payout is one matched P2PKH output: the uid is the satoshi value.
type L1Payout struct {
	UID       uint64
	TxHash    string
	Height    uint64
	Timestamp uint32
}

// InsertL1Block stores a header and the L1 side of every payout in one
// transaction. Re-delivered blocks replace their previous header.
func (s *Store) InsertL1Block(ctx context.Context, header *L1Header, payouts []L1Payout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin l1 block tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO l1_headers
			(height, hash, version, prev_hash, merkle_root, timestamp, create_at, bits, nonce, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, header.Height, header.Hash, header.Version, header.PrevHash, header.MerkleRoot,
		header.Timestamp, time.Now().UTC(), header.Bits, header.Nonce, header.SizeBytes)
	if err != nil {
		return fmt.Errorf("insert l1 header %d: %w", header.Height, err)
	}

	for _, p := range payouts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO txs (uid, l1_txhash, l1_height, l1_timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				l1_txhash = excluded.l1_txhash,
				l1_height = excluded.l1_height,
				l1_timestamp = excluded.l1_timestamp
		`, p.UID, p.TxHash, p.Height, p.Timestamp)
		if err != nil {
			return fmt.Errorf("upsert l1 payout uid %d: %w", p.UID, err)
		}
	}

	return tx.Commit()
}

// L2Header is one followed L2 block header.
type L2Header struct {
	Height    uint64
	Hash      string
	Timestamp int64
}

// L2Withdrawal is one WithdrawalQueued event observed on the moat contract.
type L2Withdrawal struct {
	UID       uint64
	TxHash    string
	Height    uint64
	Timestamp int64
}

// ApplyL2Block stores a header and the L2 side of every withdrawal in one
// transaction.
func (s *Store) ApplyL2Block(ctx context.Context, header *L2Header, withdrawals []L2Withdrawal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin l2 block tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range withdrawals {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO txs (uid, l2_txhash, l2_height, l2_timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				l2_txhash = excluded.l2_txhash,
				l2_height = excluded.l2_height,
				l2_timestamp = excluded.l2_timestamp
		`, w.UID, w.TxHash, w.Height, w.Timestamp)
		if err != nil {
			return fmt.Errorf("upsert l2 withdrawal uid %d: %w", w.UID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO l2_headers (height, hash, timestamp, create_at)
		VALUES (?, ?, ?, ?)
	`, header.Height, header.Hash, header.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert l2 header %d: %w", header.Height, err)
	}

	return tx.Commit()
}

// RollbackL2 drops the stored header at height and clears the l2_* columns
// of every row tagged to it, in one transaction.
func (s *Store) RollbackL2(ctx context.Context, height uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM l2_headers WHERE height = ?`, height); err != nil {
		return fmt.Errorf("delete l2 header %d: %w", height, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE txs SET l2_txhash = NULL, l2_height = NULL, l2_timestamp = NULL
		WHERE l2_height = ?
	`, height)
	if err != nil {
		return fmt.Errorf("clear l2 columns at %d: %w", height, err)
	}

	return tx.Commit()
}

// LastL2 returns the highest stored L2 header, or ok=false on an empty
// follower state.
func (s *Store) LastL2(ctx context.Context) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT height, hash FROM l2_headers ORDER BY height DESC LIMIT 1
	`)
	if err := row.Scan(&height, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("query l2 tip: %w", err)
	}
	return height, hash, true, nil
}

// TxRow is one reconciliation row; either side may still be unmatched.
type TxRow struct {
	UID         uint64
	L2TxHash    sql.NullString
	L2Height    sql.NullInt64
	L2Timestamp sql.NullInt64
	L1TxHash    sql.NullString
	L1Height    sql.NullInt64
	L1Timestamp sql.NullInt64
}

// Matched reports whether both sides of the withdrawal have been seen.
func (r *TxRow) Matched() bool {
	return r.L2TxHash.Valid && r.L1TxHash.Valid
}

// GetTx returns the row for one uid, or nil when the uid is unknown.
func (s *Store) GetTx(ctx context.Context, uid uint64) (*TxRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uid, l2_txhash, l2_height, l2_timestamp, l1_txhash, l1_height, l1_timestamp
		FROM txs WHERE uid = ?
	`, uid)

	var r TxRow
	if err := row.Scan(&r.UID, &r.L2TxHash, &r.L2Height, &r.L2Timestamp, &r.L1TxHash, &r.L1Height, &r.L1Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query tx %d: %w", uid, err)
	}
	return &r, nil
}

// RecentWithdrawals lists the latest rows by uid, newest first.
func (s *Store) RecentWithdrawals(ctx context.Context, limit int) ([]TxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, l2_txhash, l2_height, l2_timestamp, l1_txhash, l1_height, l1_timestamp
		FROM txs ORDER BY uid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent withdrawals: %w", err)
	}
	defer rows.Close()

	var result []TxRow
	for rows.Next() {
		var r TxRow
		if err := rows.Scan(&r.UID, &r.L2TxHash, &r.L2Height, &r.L2Timestamp, &r.L1TxHash, &r.L1Height, &r.L1Timestamp); err != nil {
			return nil, fmt.Errorf("scan withdrawal row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Progress summarizes reconciliation state.
type Progress struct {
	Total   uint64
	Matched uint64
	L2Only  uint64
	L1Only  uint64
}

// Stats counts rows by which sides are populated.
func (s *Store) Stats(ctx context.Context) (*Progress, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN l1_txhash IS NOT NULL AND l2_txhash IS NOT NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN l1_txhash IS NULL AND l2_txhash IS NOT NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN l1_txhash IS NOT NULL AND l2_txhash IS NULL THEN 1 ELSE 0 END)
		FROM txs
	`)

	var p Progress
	var matched, l2only, l1only sql.NullInt64
	if err := row.Scan(&p.Total, &matched, &l2only, &l1only); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	p.Matched = uint64(matched.Int64)
	p.L2Only = uint64(l2only.Int64)
	p.L1Only = uint64(l1only.Int64)
	return &p, nil
}
