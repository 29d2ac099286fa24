// Package submitter ships signed transactions to the node over batched
// JSON-RPC. Every sender is pinned to one worker, which keeps that sender's
// nonces arriving in order; workers run against each other in parallel.
package submitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unifralabs/pandoras-box/internal/metrics"
	"github.com/unifralabs/pandoras-box/internal/rpc"
	"github.com/unifralabs/pandoras-box/internal/txbuilder"
)

// Report sums up one submission round. Failed counts both per-element node
// rejections and whole batches lost to transport errors.
type Report struct {
	Submitted int
	Failed    int
	Hashes    []common.Hash
}

// Submitter dispatches per-sender queues of signed transactions.
type Submitter struct {
	client  rpc.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a submitter. metrics may be nil.
func New(client rpc.Client, logger *slog.Logger, m *metrics.Metrics) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: client, logger: logger, metrics: m}
}

// Submit sends all queues using min(concurrency, |queues|) workers. Senders
// map to workers by senderIndex mod W; each worker concatenates its queues
// in ascending sender order, packs the stream into batches of batchSize and
// dispatches them one after another. Per-element errors and transport
// failures degrade the report, they never abort the round.
func (s *Submitter) Submit(ctx context.Context, queues []txbuilder.SenderQueue, batchSize, concurrency int) *Report {
	if len(queues) == 0 || batchSize <= 0 {
		return &Report{}
	}

	workers := min(concurrency, len(queues))
	if workers <= 0 {
		return &Report{}
	}

	total := 0
	for _, q := range queues {
		total += len(q.Txs)
	}
	s.logger.Info("submitting transactions",
		slog.Int("total", total),
		slog.Int("queues", len(queues)),
		slog.Int("workers", workers),
		slog.Int("batchSize", batchSize),
	)

	reports := make([]Report, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			var stream []txbuilder.SignedTx
			for _, q := range queues {
				if q.SenderIndex%workers == w {
					stream = append(stream, q.Txs...)
				}
			}
			reports[w] = s.dispatch(ctx, w, generateBatches(stream, batchSize))
		}(w)
	}
	wg.Wait()

	merged := &Report{}
	for _, r := range reports {
		merged.Submitted += r.Submitted
		merged.Failed += r.Failed
		merged.Hashes = append(merged.Hashes, r.Hashes...)
	}

	s.logger.Info("submission complete",
		slog.Int("submitted", merged.Submitted),
		slog.Int("failed", merged.Failed),
	)
	return merged
}

// dispatch sends one worker's batches sequentially.
func (s *Submitter) dispatch(ctx context.Context, worker int, batches [][]txbuilder.SignedTx) Report {
	var report Report

	for i, batch := range batches {
		raws := make([][]byte, len(batch))
		for j, tx := range batch {
			raws[j] = tx.Raw
		}

		start := time.Now()
		results, err := s.client.SendRawTransactions(ctx, raws)
		if s.metrics != nil {
			s.metrics.ObserveBatch(time.Since(start).Seconds())
		}
		if err != nil {
			// Transport failure: this batch is lost, the rest continue.
			report.Failed += len(batch)
			s.logger.Warn("batch failed",
				slog.Int("worker", worker),
				slog.Int("batch", i),
				slog.Int("size", len(batch)),
				slog.String("error", err.Error()),
			)
			continue
		}

		for j, res := range results {
			if res.Err != nil {
				report.Failed++
				s.logger.Debug("transaction rejected",
					slog.Int("worker", worker),
					slog.Uint64("globalIndex", batch[j].GlobalIndex),
					slog.String("error", res.Err.Error()),
				)
				continue
			}
			report.Submitted++
			report.Hashes = append(report.Hashes, res.Hash)
		}
	}
	return report
}

// generateBatches packs the stream into contiguous runs of at most
// batchSize elements. A non-positive batch size yields nothing.
func generateBatches(stream []txbuilder.SignedTx, batchSize int) [][]txbuilder.SignedTx {
	if batchSize <= 0 {
		return nil
	}

	batches := make([][]txbuilder.SignedTx, 0, (len(stream)+batchSize-1)/batchSize)
	for start := 0; start < len(stream); start += batchSize {
		end := min(start+batchSize, len(stream))
		batches = append(batches, stream[start:end])
	}
	return batches
}
