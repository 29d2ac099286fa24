// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"

	"github.com/unifralabs/pandoras-box/pkg/types"
)

// Config holds a full run configuration assembled from flags and environment.
type Config struct {
	JSONRPCURL   string
	Mnemonic     string
	SubAccounts  uint64
	Transactions uint64
	BatchSize    int
	Concurrency  int
	Mode         types.Mode
	OutputPath   string

	// FixedGasPrice forces every transaction to 1 gwei instead of asking
	// the node for eth_gasPrice.
	FixedGasPrice bool

	// Withdrawal mode.
	MoatAddress   string
	TargetAddress string
	DatabasePath  string
	ZMQEndpoint   string // DOGE_ZMQ_ENDPOINT

	// Clear-pending range. NumAccounts is shorthand for [0, NumAccounts);
	// StartIndex/EndIndex select an explicit [start, end).
	NumAccounts uint64
	StartIndex  uint64
	EndIndex    uint64

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
}

// Defaults
const (
	DefaultSubAccounts  = 10
	DefaultTransactions = 2000
	DefaultBatchSize    = 20
	DefaultConcurrency  = 100
	DefaultDatabasePath = "pandoras.db"
	DefaultMode         = types.ModeEOA

	// FixedGasPriceWei is the price applied when --fixed-gas-price is set.
	FixedGasPriceWei = 1_000_000_000 // 1 gwei

	envZMQEndpoint = "DOGE_ZMQ_ENDPOINT"
)

// Load reads configuration from command-line flags and the environment.
// args is the raw argument list without the program name.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		SubAccounts:  DefaultSubAccounts,
		Transactions: DefaultTransactions,
		BatchSize:    DefaultBatchSize,
		Concurrency:  DefaultConcurrency,
		DatabasePath: DefaultDatabasePath,
		Mode:         DefaultMode,
	}

	fs := flag.NewFlagSet("pandoras-box", flag.ContinueOnError)

	var mode string
	fs.StringVarP(&cfg.JSONRPCURL, "json-rpc", "u", "", "JSON-RPC HTTP endpoint of the chain under test")
	fs.StringVarP(&cfg.Mnemonic, "mnemonic", "m", "", "mnemonic the funder and sub-accounts derive from")
	fs.Uint64VarP(&cfg.SubAccounts, "sub-accounts", "s", DefaultSubAccounts, "number of sub-accounts to derive and fund")
	fs.Uint64VarP(&cfg.Transactions, "transactions", "t", DefaultTransactions, "total number of stress transactions")
	fs.IntVarP(&cfg.BatchSize, "batch", "b", DefaultBatchSize, "JSON-RPC batch size for submission")
	fs.IntVarP(&cfg.Concurrency, "concurrency", "c", DefaultConcurrency, "cap on wave sizes and submitter workers")
	fs.StringVar(&mode, "mode", string(DefaultMode), "run mode: EOA, ERC20, ERC721, WITHDRAWAL, CLEAR_PENDING or GET_PENDING_COUNT")
	fs.StringVarP(&cfg.OutputPath, "output", "o", "", "path to write the results JSON to")
	fs.BoolVar(&cfg.FixedGasPrice, "fixed-gas-price", false, "force the gas price to 1 gwei instead of querying the node")
	fs.StringVar(&cfg.MoatAddress, "moat-address", "", "address of the moat contract (WITHDRAWAL)")
	fs.StringVar(&cfg.TargetAddress, "target-address", "", "base58check L1 address receiving the withdrawals (WITHDRAWAL)")
	fs.StringVar(&cfg.DatabasePath, "db-path", DefaultDatabasePath, "path of the reconciler database file (WITHDRAWAL)")
	fs.Uint64Var(&cfg.NumAccounts, "num-accounts", 0, "clear pending txs for account indices [0, n)")
	fs.Uint64Var(&cfg.StartIndex, "start-index", 0, "first account index to clear pending txs for")
	fs.Uint64Var(&cfg.EndIndex, "end-index", 0, "one past the last account index to clear pending txs for")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "listen address for Prometheus metrics (empty disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Mode = types.Mode(mode)
	cfg.ZMQEndpoint = os.Getenv(envZMQEndpoint)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration for the selected mode.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode: %s", c.Mode)
	}
	if c.JSONRPCURL == "" {
		return fmt.Errorf("JSON-RPC URL is required")
	}
	if c.Mode.NeedsMnemonic() && c.Mnemonic == "" {
		return fmt.Errorf("mnemonic is required for mode %s", c.Mode)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}

	switch c.Mode {
	case types.ModeEOA, types.ModeERC20, types.ModeERC721, types.ModeWithdrawal:
		if c.SubAccounts == 0 {
			return fmt.Errorf("at least one sub-account is required")
		}
		if c.Transactions == 0 {
			return fmt.Errorf("transaction count must be positive")
		}
		if c.BatchSize <= 0 {
			return fmt.Errorf("batch size must be positive")
		}
	}

	if c.Mode == types.ModeWithdrawal {
		if !common.IsHexAddress(c.MoatAddress) {
			return fmt.Errorf("moat address %q is not a valid contract address", c.MoatAddress)
		}
		if c.TargetAddress == "" {
			return fmt.Errorf("target address is required for mode WITHDRAWAL")
		}
		if c.DatabasePath == "" {
			return fmt.Errorf("database path is required for mode WITHDRAWAL")
		}
		if c.ZMQEndpoint == "" {
			return fmt.Errorf("%s must be set for mode WITHDRAWAL", envZMQEndpoint)
		}
	}

	if c.Mode == types.ModeClearPending {
		if _, _, err := c.ClearPendingRange(); err != nil {
			return err
		}
	}
	return nil
}

// ClearPendingRange resolves the account index range for CLEAR_PENDING.
// --num-accounts N means [0, N); otherwise --start-index/--end-index are
// taken as given.
func (c *Config) ClearPendingRange() (start, end uint64, err error) {
	if c.NumAccounts > 0 {
		return 0, c.NumAccounts, nil
	}
	if c.EndIndex <= c.StartIndex {
		return 0, 0, fmt.Errorf("clear-pending range is empty: start %d, end %d", c.StartIndex, c.EndIndex)
	}
	return c.StartIndex, c.EndIndex, nil
}
