// Package signer signs the built transaction stream across CPU cores.
package signer

import (
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"sort"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unifralabs/pandoras-box/internal/txbuilder"
)

// progressInterval is how many signatures a worker produces between
// progress logs.
const progressInterval = 256

// SignAll signs every transaction with its sender's key, fanning the work
// out over min(NumCPU, len(txs)) workers on contiguous slices. The result
// is ordered by global index; any worker failure fails the whole batch.
func SignAll(txs []txbuilder.Tx, chainID *big.Int, logger *slog.Logger) ([]txbuilder.SignedTx, error) {
	if logger == nil {
		logger = slog.Default()
	}
	total := len(txs)
	if total == 0 {
		return nil, nil
	}

	workers := min(runtime.NumCPU(), total)
	sliceSize := (total + workers - 1) / workers
	eip155 := ethtypes.LatestSignerForChainID(chainID)

	logger.Info("signing transactions",
		slog.Int("total", total),
		slog.Int("workers", workers),
	)

	results := make([][]txbuilder.SignedTx, workers)
	errChan := make(chan error, 1)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		start := w * sliceSize
		end := min(start+sliceSize, total)
		if start >= end {
			break
		}

		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()

			out := make([]txbuilder.SignedTx, 0, end-start)
			for i := start; i < end; i++ {
				job := txs[i]
				signed, err := ethtypes.SignTx(job.Tx, eip155, job.Sender.PrivateKey)
				if err != nil {
					select {
					case errChan <- fmt.Errorf("sign tx %d: %w", job.GlobalIndex, err):
					default:
					}
					return
				}
				raw, err := signed.MarshalBinary()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("encode tx %d: %w", job.GlobalIndex, err):
					default:
					}
					return
				}
				out = append(out, txbuilder.SignedTx{
					GlobalIndex: job.GlobalIndex,
					SenderIndex: job.SenderIndex,
					Hash:        signed.Hash(),
					Raw:         raw,
				})

				if len(out)%progressInterval == 0 {
					logger.Debug("signing progress",
						slog.Int("worker", w),
						slog.Int("signed", len(out)),
						slog.Int("slice", end-start),
					)
				}
			}
			results[w] = out
		}(w, start, end)
	}
	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}

	merged := make([]txbuilder.SignedTx, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].GlobalIndex < merged[j].GlobalIndex
	})
	return merged, nil
}
