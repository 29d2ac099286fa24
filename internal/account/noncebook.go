package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unifralabs/pandoras-box/internal/rpc"
)

// NonceBook tracks the next nonce for every address in a run. Values are
// seeded from eth_getTransactionCount under "latest" and only ever move
// forward: one bump per enqueued transaction, regardless of whether the
// submission later succeeds.
//
// The book is safe for concurrent use, but callers must not Reserve
// concurrently for the same address; the distributor owns the funder, the
// builder owns the ready set, and the clear-pending utility owns its range.
type NonceBook struct {
	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewNonceBook creates an empty nonce book.
func NewNonceBook() *NonceBook {
	return &NonceBook{next: make(map[common.Address]uint64)}
}

// Set seeds (or overwrites) the next nonce for an address.
func (b *NonceBook) Set(addr common.Address, nonce uint64) {
	b.mu.Lock()
	b.next[addr] = nonce
	b.mu.Unlock()
}

// Peek returns the next nonce without advancing it.
func (b *NonceBook) Peek(addr common.Address) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nonce, ok := b.next[addr]
	return nonce, ok
}

// Reserve hands out a contiguous block of n nonces [base, base+n) for addr
// and advances the stored value. Reserving for an unseeded address is an
// invariant violation, not a zero start.
func (b *NonceBook) Reserve(addr common.Address, n uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base, ok := b.next[addr]
	if !ok {
		return 0, fmt.Errorf("nonce for %s was never initialized", addr.Hex())
	}
	b.next[addr] = base + n
	return base, nil
}

// Next reserves a single nonce for addr.
func (b *NonceBook) Next(addr common.Address) (uint64, error) {
	return b.Reserve(addr, 1)
}

// Load seeds the book for all given accounts from the node, querying in
// waves of at most concurrency parallel calls. Any failed query fails the
// load: a missing nonce would silently break that account's chain.
func (b *NonceBook) Load(ctx context.Context, client rpc.Client, accounts []*Account, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(accounts))
	sem := make(chan struct{}, concurrency)

	for _, acc := range accounts {
		wg.Add(1)
		go func(acc *Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			nonce, err := client.GetTransactionCount(ctx, acc.Address, "latest")
			if err != nil {
				select {
				case errChan <- fmt.Errorf("account %d: %w", acc.Index, err):
				default:
				}
				return
			}
			b.Set(acc.Address, nonce)
			slog.Debug("nonce initialized",
				slog.Uint64("account", uint64(acc.Index)),
				slog.String("address", acc.Address.Hex()[:10]),
				slog.Uint64("nonce", nonce),
			)
		}(acc)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return err
	}
	return nil
}
