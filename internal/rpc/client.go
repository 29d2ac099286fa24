// Package rpc provides the JSON-RPC client used by every run mode, with
// batching and retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Timeout classes. Every network operation runs under one of these; quick
// queries fail fast while sends and confirmation polls get more room.
const (
	ReadTimeout    = 5 * time.Second
	SendTimeout    = 15 * time.Second
	ConfirmTimeout = 18 * time.Second
)

// Client is the interface for JSON-RPC communication.
type Client interface {
	// Call makes a single JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
	// Responses are correlated by id, never by position.
	BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error)

	// ChainID returns the chain id for transaction signing.
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetBalance returns the native balance for an address at the latest block.
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)

	// GetTransactionCount returns the nonce for an address under the given
	// tag ("latest" or "pending").
	GetTransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error)

	// GasPrice returns the node's suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas limit for a call.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)

	// SendRawTransaction submits a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)

	// SendRawTransactions submits many signed transactions in one HTTP
	// batch. The result slice is positional; per-element errors do not fail
	// the batch.
	SendRawTransactions(ctx context.Context, raws [][]byte) ([]SendResult, error)

	// GetBlockByNumber fetches a block; fullTx selects hash-only or full
	// transaction objects. A nil block means the height does not exist yet.
	GetBlockByNumber(ctx context.Context, number uint64, fullTx bool) (*Block, error)

	// GetBlockTransactionCountByNumber returns the transaction count of the
	// block selected by tag (e.g. "pending").
	GetBlockTransactionCountByNumber(ctx context.Context, tag string) (uint64, error)

	// GetTransactionReceipt returns the receipt, or nil while the
	// transaction is unmined.
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)

	// GetCode returns the contract code at an address.
	GetCode(ctx context.Context, addr common.Address) (string, error)

	// TxPoolStatus returns pending/queued counts from txpool_status.
	TxPoolStatus(ctx context.Context) (*PoolStatus, error)

	// TxPoolContent returns the full pool grouped by address and nonce.
	TxPoolContent(ctx context.Context) (*PoolContent, error)
}

// CallMsg describes a transaction for eth_estimateGas.
type CallMsg struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

// BlockTx is one full transaction object inside a Block.
type BlockTx struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
	Nonce uint64
}

// Block represents a block header plus its transactions (hashes or full
// objects depending on how it was fetched).
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	GasUsed    uint64
	GasLimit   uint64
	Timestamp  time.Time
	TxHashes   []common.Hash
	Txs        []BlockTx
}

// TxCount returns the number of transactions regardless of fetch shape.
func (b *Block) TxCount() int {
	if len(b.Txs) > 0 {
		return len(b.Txs)
	}
	return len(b.TxHashes)
}

// Log is one receipt log entry.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt is the subset of an execution receipt the tool consumes.
type Receipt struct {
	Status          uint64
	GasUsed         uint64
	ContractAddress common.Address
	BlockNumber     uint64
	Logs            []Log
}

// PoolStatus mirrors txpool_status.
type PoolStatus struct {
	Pending uint64
	Queued  uint64
}

// PoolContent mirrors txpool_content: address → nonce → raw transaction.
type PoolContent struct {
	Pending map[string]map[string]json.RawMessage `json:"pending"`
	Queued  map[string]map[string]json.RawMessage `json:"queued"`
}

// PendingCount counts transactions across both pool buckets.
func (p *PoolContent) PendingCount() (pending, queued uint64) {
	for _, txs := range p.Pending {
		pending += uint64(len(txs))
	}
	for _, txs := range p.Queued {
		queued += uint64(len(txs))
	}
	return pending, queued
}

// SendResult is the outcome of one element in a raw-transaction batch.
type SendResult struct {
	Hash common.Hash
	Err  error
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchRequest represents a single request in a batch.
type BatchRequest struct {
	Method string
	Params []interface{}
}

// BatchResponse represents a single response in a batch.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// RPCError is an error the node returned in the response body. It is never
// retried: the node saw the request and rejected it.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err carries a node-returned error object.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

// IsTimeout reports whether err is a deadline or network timeout. Timeouts
// are retryable and, in balance scans, mark an account as assumed ready
// rather than skipped.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr) && httpErr.IsRetryable()
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns the default configuration. Per-call deadlines
// come from the timeout classes, not from here.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client over plain HTTP POSTs.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 1000,
		MaxConnsPerHost:     1000, // must cover submitter worker count
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url:        cfg.URL,
		httpClient: &http.Client{Transport: transport},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Call makes a JSON-RPC call under the read timeout, retrying transport
// failures and timeouts but never node-returned errors.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return c.callTimeout(ctx, method, params, ReadTimeout)
}

func (c *HTTPClient) callTimeout(ctx context.Context, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body, timeout)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// The outer context governs the whole call; a dead per-attempt
		// deadline alone is retryable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Don't retry on node-returned errors.
		if IsRPCError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

func httpStatusError(resp *http.Response) error {
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var retryAfter time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		Body:       string(errBody),
	}
}

// BatchCall makes multiple JSON-RPC calls in a single HTTP request.
// Results come back in input order. Individual call errors are carried in
// BatchResponse.Error; a transport failure fails the whole batch.
func (c *HTTPClient) BatchCall(ctx context.Context, calls []BatchRequest) ([]BatchResponse, error) {
	return c.batchCallTimeout(ctx, calls, ReadTimeout)
}

func (c *HTTPClient) batchCallTimeout(ctx context.Context, calls []BatchRequest, timeout time.Duration) ([]BatchResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	reqs := make([]JSONRPCRequest, len(calls))
	for i, call := range calls {
		reqs[i] = JSONRPCRequest{
			JSONRPC: "2.0",
			Method:  call.Method,
			Params:  call.Params,
			ID:      i + 1, // 1-indexed IDs for easier debugging
		}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		results, err := c.doBatchRequest(ctx, body, len(calls), timeout)
		if err == nil {
			return results, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("batch RPC got retryable HTTP error, retrying",
				slog.Int("callCount", len(calls)),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
	}

	return nil, fmt.Errorf("all batch retries failed: %w", lastErr)
}

func (c *HTTPClient) doBatchRequest(ctx context.Context, body []byte, expectedCount int, timeout time.Duration) ([]BatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResps []JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch response: %w", err)
	}

	// Nodes may reorder batch elements; map responses back by id.
	respMap := make(map[int]*JSONRPCResponse, len(rpcResps))
	for i := range rpcResps {
		respMap[rpcResps[i].ID] = &rpcResps[i]
	}

	results := make([]BatchResponse, expectedCount)
	for i := range expectedCount {
		rpcResp, ok := respMap[i+1]
		if !ok {
			results[i] = BatchResponse{Error: fmt.Errorf("missing response for request %d", i+1)}
			continue
		}
		if rpcResp.Error != nil {
			results[i] = BatchResponse{Error: &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}}
			continue
		}
		results[i] = BatchResponse{Result: rpcResp.Result}
	}

	return results, nil
}

// ChainID returns the chain id for transaction signing.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain id")
}

// BlockNumber returns the latest block number.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "block number")
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []interface{}{addr.Hex(), "latest"})
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "balance")
}

// GetTransactionCount returns the nonce for an address under the given tag.
func (c *HTTPClient) GetTransactionCount(ctx context.Context, addr common.Address, tag string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []interface{}{addr.Hex(), tag})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "transaction count")
}

// GasPrice returns the node's suggested gas price.
func (c *HTTPClient) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

// EstimateGas estimates the gas limit for a call.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.Call(ctx, "eth_estimateGas", []interface{}{msg})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "gas estimate")
}

// SendRawTransaction submits one signed transaction under the send timeout.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.callTimeout(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)}, SendTimeout)
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// SendRawTransactions submits many signed transactions in one batch POST.
func (c *HTTPClient) SendRawTransactions(ctx context.Context, raws [][]byte) ([]SendResult, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(raws))
	for i, raw := range raws {
		calls[i] = BatchRequest{
			Method: "eth_sendRawTransaction",
			Params: []interface{}{hexutil.Encode(raw)},
		}
	}

	responses, err := c.batchCallTimeout(ctx, calls, SendTimeout)
	if err != nil {
		return nil, err
	}

	results := make([]SendResult, len(responses))
	for i, resp := range responses {
		if resp.Error != nil {
			results[i] = SendResult{Err: resp.Error}
			continue
		}
		var hash common.Hash
		if err := json.Unmarshal(resp.Result, &hash); err != nil {
			results[i] = SendResult{Err: fmt.Errorf("failed to unmarshal tx hash: %w", err)}
			continue
		}
		results[i] = SendResult{Hash: hash}
	}
	return results, nil
}

// GetBlockByNumber fetches a block by height. Returns (nil, nil) when the
// node does not have the block yet.
func (c *HTTPClient) GetBlockByNumber(ctx context.Context, number uint64, fullTx bool) (*Block, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(number), fullTx})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}
	return parseBlock(result, fullTx)
}

// GetBlockTransactionCountByNumber returns the tx count of the block
// selected by tag.
func (c *HTTPClient) GetBlockTransactionCountByNumber(ctx context.Context, tag string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getBlockTransactionCountByNumber", []interface{}{tag})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "block transaction count")
}

// GetTransactionReceipt returns the receipt for a transaction, or nil while
// the transaction is unmined.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash.Hex()})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}

	var rawReceipt struct {
		Status          string `json:"status"`
		GasUsed         string `json:"gasUsed"`
		ContractAddress string `json:"contractAddress"`
		BlockNumber     string `json:"blockNumber"`
		Logs            []Log  `json:"logs"`
	}
	if err := json.Unmarshal(result, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(rawReceipt.Status)
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)

	receipt := &Receipt{
		Status:      status,
		GasUsed:     gasUsed,
		BlockNumber: blockNumber,
		Logs:        rawReceipt.Logs,
	}
	if rawReceipt.ContractAddress != "" && rawReceipt.ContractAddress != "null" {
		receipt.ContractAddress = common.HexToAddress(rawReceipt.ContractAddress)
	}
	return receipt, nil
}

// GetCode returns contract code at an address.
func (c *HTTPClient) GetCode(ctx context.Context, addr common.Address) (string, error) {
	result, err := c.Call(ctx, "eth_getCode", []interface{}{addr.Hex(), "latest"})
	if err != nil {
		return "", err
	}

	var code string
	if err := json.Unmarshal(result, &code); err != nil {
		return "", fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return code, nil
}

// TxPoolStatus returns pending/queued counts from txpool_status.
func (c *HTTPClient) TxPoolStatus(ctx context.Context) (*PoolStatus, error) {
	result, err := c.Call(ctx, "txpool_status", nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Pending string `json:"pending"`
		Queued  string `json:"queued"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal txpool status: %w", err)
	}

	pending, err := hexutil.DecodeUint64(raw.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pending count: %w", err)
	}
	queued, err := hexutil.DecodeUint64(raw.Queued)
	if err != nil {
		return nil, fmt.Errorf("failed to decode queued count: %w", err)
	}
	return &PoolStatus{Pending: pending, Queued: queued}, nil
}

// TxPoolContent returns the full pool grouped by address and nonce.
func (c *HTTPClient) TxPoolContent(ctx context.Context) (*PoolContent, error) {
	result, err := c.Call(ctx, "txpool_content", nil)
	if err != nil {
		return nil, err
	}

	var content PoolContent
	if err := json.Unmarshal(result, &content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal txpool content: %w", err)
	}
	return &content, nil
}

// WaitForReceipt polls for a receipt every 500ms under the confirmation
// timeout. Returns the receipt or an error when the deadline passes first.
func WaitForReceipt(ctx context.Context, client Client, txHash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := client.GetTransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation of %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func parseBlock(data json.RawMessage, fullTx bool) (*Block, error) {
	var rawBlock struct {
		Number       string          `json:"number"`
		Hash         common.Hash     `json:"hash"`
		ParentHash   common.Hash     `json:"parentHash"`
		Transactions json.RawMessage `json:"transactions"`
		GasUsed      string          `json:"gasUsed"`
		GasLimit     string          `json:"gasLimit"`
		Timestamp    string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rawBlock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	num, err := hexutil.DecodeUint64(rawBlock.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block number: %w", err)
	}

	gasUsed, _ := hexutil.DecodeUint64(rawBlock.GasUsed)
	gasLimit, _ := hexutil.DecodeUint64(rawBlock.GasLimit)
	timestampUnix, _ := hexutil.DecodeUint64(rawBlock.Timestamp)

	block := &Block{
		Number:     num,
		Hash:       rawBlock.Hash,
		ParentHash: rawBlock.ParentHash,
		GasUsed:    gasUsed,
		GasLimit:   gasLimit,
		Timestamp:  time.Unix(int64(timestampUnix), 0),
	}

	if !fullTx {
		if err := json.Unmarshal(rawBlock.Transactions, &block.TxHashes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tx hashes: %w", err)
		}
		return block, nil
	}

	var rawTxs []struct {
		Hash  common.Hash     `json:"hash"`
		From  common.Address  `json:"from"`
		To    *common.Address `json:"to"`
		Value string          `json:"value"`
		Nonce string          `json:"nonce"`
	}
	if err := json.Unmarshal(rawBlock.Transactions, &rawTxs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
	}

	block.Txs = make([]BlockTx, 0, len(rawTxs))
	for _, rawTx := range rawTxs {
		tx := BlockTx{
			Hash: rawTx.Hash,
			From: rawTx.From,
			To:   rawTx.To,
		}
		if rawTx.Value != "" {
			tx.Value, _ = hexutil.DecodeBig(rawTx.Value)
		}
		if rawTx.Nonce != "" {
			tx.Nonce, _ = hexutil.DecodeUint64(rawTx.Nonce)
		}
		block.Txs = append(block.Txs, tx)
	}
	return block, nil
}

func decodeUint64(raw json.RawMessage, what string) (uint64, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}

func decodeBig(raw json.RawMessage, what string) (*big.Int, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}
