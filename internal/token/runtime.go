// Package token prepares the on-chain side of ERC20 and ERC721 runs: a
// fresh contract deployment each run and, for ERC20, enough token balance
// on every ready sub-account to cover its share of the transfers.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unifralabs/pandoras-box/internal/account"
	"github.com/unifralabs/pandoras-box/internal/rpc"
)

const (
	// deployGasLimit is intentionally generous; deployments are rare and a
	// failed deploy aborts the run anyway.
	deployGasLimit = 3000000

	// transferGasLimit covers an ERC20 transfer with a cold SSTORE on the
	// recipient balance slot.
	transferGasLimit = 70000

	deployPollInitial  = 200 * time.Millisecond
	deployPollMax      = 2 * time.Second
	deployWaitDeadline = 60 * time.Second
)

// Params describes one token preparation round.
type Params struct {
	Funder *account.Account
	Ready  []*account.Account

	NumTxs   uint64
	GasPrice *big.Int
	ChainID  *big.Int

	Concurrency int
}

// Runtime deploys token contracts and seeds sub-account balances. It shares
// the funder's nonce book with the distributor so their nonces never
// collide.
type Runtime struct {
	client rpc.Client
	book   *account.NonceBook
	logger *slog.Logger
}

// NewRuntime creates a token runtime.
func NewRuntime(client rpc.Client, book *account.NonceBook, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{client: client, book: book, logger: logger}
}

// PrepareERC20 deploys a fresh token contract and transfers every ready
// account its share of tokens. The contract mints its entire supply to the
// deployer, so the funder is the token source.
func (r *Runtime) PrepareERC20(ctx context.Context, p Params) (common.Address, error) {
	addr, err := r.deploy(ctx, p, "ERC20", ERC20Bytecode)
	if err != nil {
		return common.Address{}, err
	}
	if err := r.fundTokens(ctx, p, addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// PrepareERC721 deploys a fresh mint sink. Minting creates the asset, so no
// per-account token funding is needed.
func (r *Runtime) PrepareERC721(ctx context.Context, p Params) (common.Address, error) {
	return r.deploy(ctx, p, "ERC721", ERC721Bytecode)
}

// deploy submits a contract creation from the funder and waits until code
// shows up at the precomputed address.
func (r *Runtime) deploy(ctx context.Context, p Params, name string, bytecode []byte) (common.Address, error) {
	if err := r.ensureNonce(ctx, p.Funder); err != nil {
		return common.Address{}, err
	}
	nonce, err := r.book.Reserve(p.Funder.Address, 1)
	if err != nil {
		return common.Address{}, fmt.Errorf("reserve deploy nonce: %w", err)
	}

	contractAddr := crypto.CreateAddress(p.Funder.Address, nonce)

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: p.GasPrice,
		Gas:      deployGasLimit,
		To:       nil,
		Value:    big.NewInt(0),
		Data:     bytecode,
	})

	signer := ethtypes.LatestSignerForChainID(p.ChainID)
	signed, err := ethtypes.SignTx(tx, signer, p.Funder.PrivateKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("sign %s deploy: %w", name, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Address{}, fmt.Errorf("encode %s deploy: %w", name, err)
	}
	if _, err := r.client.SendRawTransaction(ctx, raw); err != nil {
		return common.Address{}, fmt.Errorf("send %s deploy: %w", name, err)
	}

	r.logger.Info("deploying contract",
		slog.String("name", name),
		slog.String("address", contractAddr.Hex()),
		slog.Uint64("nonce", nonce),
	)

	if err := r.waitForCode(ctx, contractAddr); err != nil {
		return common.Address{}, fmt.Errorf("%s deployment: %w", name, err)
	}
	return contractAddr, nil
}

// waitForCode polls eth_getCode with exponential backoff until the contract
// materializes or the deadline passes.
func (r *Runtime) waitForCode(ctx context.Context, addr common.Address) error {
	backoff := deployPollInitial
	deadline := time.Now().Add(deployWaitDeadline)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		code, err := r.client.GetCode(ctx, addr)
		if err == nil && code != "" && code != "0x" {
			return nil
		}

		backoff = min(backoff*2, deployPollMax)
	}
	return fmt.Errorf("timeout waiting for code at %s", addr.Hex())
}

// fundTokens transfers each ready account its share of the fresh supply:
// TransferAmount * ceil(numTxs / len(ready)) tokens, in waves of
// p.Concurrency, every transfer awaited.
func (r *Runtime) fundTokens(ctx context.Context, p Params, contract common.Address) error {
	if len(p.Ready) == 0 {
		return fmt.Errorf("no ready accounts to fund")
	}

	perAccount := new(big.Int).Mul(TransferAmount, big.NewInt(int64(ceilDiv(p.NumTxs, uint64(len(p.Ready))))))

	base, err := r.book.Reserve(p.Funder.Address, uint64(len(p.Ready)))
	if err != nil {
		return fmt.Errorf("reserve funding nonces: %w", err)
	}

	r.logger.Info("funding token balances",
		slog.Int("accounts", len(p.Ready)),
		slog.String("perAccount", perAccount.String()),
	)

	signer := ethtypes.LatestSignerForChainID(p.ChainID)

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Concurrency)
	errChan := make(chan error, 1)

	for i, acc := range p.Ready {
		wg.Add(1)
		go func(i int, acc *account.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := r.transferTokens(ctx, p, signer, contract, acc.Address, base+uint64(i), perAccount)
			if err != nil {
				select {
				case errChan <- fmt.Errorf("token funding for account %d: %w", acc.Index, err):
				default:
				}
			}
		}(i, acc)
	}
	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return err
	}
	return nil
}

func (r *Runtime) transferTokens(ctx context.Context, p Params, signer ethtypes.Signer, contract, to common.Address, nonce uint64, amount *big.Int) error {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: p.GasPrice,
		Gas:      transferGasLimit,
		To:       &contract,
		Value:    big.NewInt(0),
		Data:     EncodeTransfer(to, amount),
	})

	signed, err := ethtypes.SignTx(tx, signer, p.Funder.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	hash, err := r.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	receipt, err := rpc.WaitForReceipt(ctx, r.client, hash)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("transfer %s reverted", hash.Hex())
	}
	return nil
}

func (r *Runtime) ensureNonce(ctx context.Context, funder *account.Account) error {
	if _, ok := r.book.Peek(funder.Address); ok {
		return nil
	}
	nonce, err := r.client.GetTransactionCount(ctx, funder.Address, "latest")
	if err != nil {
		return fmt.Errorf("funder nonce: %w", err)
	}
	r.book.Set(funder.Address, nonce)
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
