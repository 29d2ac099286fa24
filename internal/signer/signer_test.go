package signer

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/txbuilder"
)

func buildTestStream(t *testing.T, numAccounts int, numTxs uint64) ([]*account.Account, []txbuilder.Tx) {
	t.Helper()

	accounts := make([]*account.Account, numAccounts)
	for i := range accounts {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		accounts[i] = account.New(uint32(i+1), key)
	}

	book := account.NewNonceBook()
	for _, acc := range accounts {
		book.Set(acc.Address, 0)
	}

	builder := txbuilder.NewEOA(big.NewInt(1000000000), 21000, big.NewInt(1))
	txs, err := txbuilder.BuildAll(accounts, numTxs, builder, book)
	if err != nil {
		t.Fatalf("BuildAll() error = %v", err)
	}
	return accounts, txs
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSignAllOrderAndSenders(t *testing.T) {
	chainID := big.NewInt(1337)
	accounts, txs := buildTestStream(t, 3, 20)

	signed, err := SignAll(txs, chainID, discardLogger())
	if err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	if len(signed) != 20 {
		t.Fatalf("signed %d txs, want 20", len(signed))
	}

	eip155 := ethtypes.LatestSignerForChainID(chainID)
	for i, s := range signed {
		if s.GlobalIndex != uint64(i) {
			t.Errorf("position %d holds global index %d", i, s.GlobalIndex)
		}

		tx := new(ethtypes.Transaction)
		if err := tx.UnmarshalBinary(s.Raw); err != nil {
			t.Fatalf("decode signed tx %d: %v", i, err)
		}

		from, err := ethtypes.Sender(eip155, tx)
		if err != nil {
			t.Fatalf("recover sender of tx %d: %v", i, err)
		}
		want := accounts[i%3].Address
		if from != want {
			t.Errorf("tx %d signed by %s, want %s", i, from.Hex(), want.Hex())
		}
		if s.Hash != tx.Hash() {
			t.Errorf("tx %d reported hash %s, decoded %s", i, s.Hash.Hex(), tx.Hash().Hex())
		}
	}
}

func TestSignAllSingleTx(t *testing.T) {
	_, txs := buildTestStream(t, 1, 1)

	signed, err := SignAll(txs, big.NewInt(1), discardLogger())
	if err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	if len(signed) != 1 {
		t.Fatalf("signed %d txs, want 1", len(signed))
	}
}

func TestSignAllEmpty(t *testing.T) {
	signed, err := SignAll(nil, big.NewInt(1), discardLogger())
	if err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	if len(signed) != 0 {
		t.Fatalf("signed %d txs, want 0", len(signed))
	}
}

func TestSignAllManyMoreTxsThanCores(t *testing.T) {
	// Forces multiple full slices and an uneven tail.
	_, txs := buildTestStream(t, 5, 1037)

	signed, err := SignAll(txs, big.NewInt(1337), discardLogger())
	if err != nil {
		t.Fatalf("SignAll() error = %v", err)
	}
	if len(signed) != 1037 {
		t.Fatalf("signed %d txs, want 1037", len(signed))
	}
	for i := 1; i < len(signed); i++ {
		if signed[i-1].GlobalIndex >= signed[i].GlobalIndex {
			t.Fatalf("signed stream out of order at %d", i)
		}
	}
}
