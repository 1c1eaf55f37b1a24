package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// gasBufferPercent is added on top of the node's gas estimate.
const gasBufferPercent = 20

// Config carries the connection and signing parameters for the Chain Client.
type Config struct {
	EndpointURL string
	SignerKey   *ecdsa.PrivateKey
	// ContractAddress is the deployed Sale contract. It may be zero when the
	// client only deploys.
	ContractAddress common.Address
	// ChainID is discovered from the node when nil.
	ChainID *big.Int
	// RequestsPerSecond caps outbound RPC calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Validate reports configuration errors that would prevent dialling.
func (c Config) Validate() error {
	if strings.TrimSpace(c.EndpointURL) == "" {
		return fmt.Errorf("chain: endpoint url required")
	}
	if c.SignerKey == nil {
		return fmt.Errorf("chain: signer key required")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("chain: requests per second must not be negative")
	}
	return nil
}

// Backend is the subset of the Ethereum JSON-RPC surface the client consumes.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// TxHandle identifies a broadcast transaction awaiting confirmation.
type TxHandle struct {
	Hash        common.Hash
	From        common.Address
	Nonce       uint64
	To          *common.Address
	SubmittedAt time.Time
}

// RPCError wraps a node error with the client operation that produced it.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// Client signs and submits transactions from a single operator key and reads
// contract state over JSON-RPC.
type Client struct {
	backend  Backend
	closeFn  func()
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	contract common.Address
	limiter  *rate.Limiter
	now      func() time.Time

	// mu serialises nonce assignment across submissions.
	mu sync.Mutex
}

// Dial connects to the configured endpoint and returns a ready client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, strings.TrimSpace(cfg.EndpointURL))
	if err != nil {
		return nil, &RPCError{Op: "dial", Err: err}
	}
	client, err := NewClient(ctx, eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closeFn = eth.Close
	return client, nil
}

// NewClient wraps an existing backend. The endpoint url is not required here.
func NewClient(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if cfg.SignerKey == nil {
		return nil, fmt.Errorf("chain: signer key required")
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	client := &Client{
		backend:  backend,
		key:      cfg.SignerKey,
		from:     gethcrypto.PubkeyToAddress(cfg.SignerKey.PublicKey),
		contract: cfg.ContractAddress,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
	}
	if cfg.ChainID != nil {
		client.chainID = new(big.Int).Set(cfg.ChainID)
		return client, nil
	}
	if err := client.wait(ctx); err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, &RPCError{Op: "chain id", Err: err}
	}
	client.chainID = chainID
	return client, nil
}

// Close releases the underlying RPC connection when the client owns it.
func (c *Client) Close() {
	if c == nil || c.closeFn == nil {
		return
	}
	c.closeFn()
}

// From returns the operator address derived from the signer key.
func (c *Client) From() common.Address { return c.from }

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// ContractAddress returns the configured Sale contract address.
func (c *Client) ContractAddress() common.Address { return c.contract }

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RPCError{Op: "rate limit", Err: err}
	}
	return nil
}

// Call executes a read-only contract call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, &RPCError{Op: "call " + to.Hex(), Err: err}
	}
	return out, nil
}

// Submit signs and broadcasts a transaction carrying data. A nil destination
// creates a contract. The call returns once the node accepted the transaction
// into its pool; confirmation is a separate step.
func (c *Client) Submit(ctx context.Context, to *common.Address, data []byte) (TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.buildTx(ctx, to, data)
	if err != nil {
		return TxHandle{}, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return TxHandle{}, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return TxHandle{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, &RPCError{Op: "send transaction", Err: err}
	}
	handle := TxHandle{
		Hash:        signed.Hash(),
		From:        c.from,
		Nonce:       signed.Nonce(),
		SubmittedAt: c.now(),
	}
	if to != nil {
		dest := *to
		handle.To = &dest
	}
	return handle, nil
}

func (c *Client) buildTx(ctx context.Context, to *common.Address, data []byte) (*types.Transaction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, &RPCError{Op: "pending nonce", Err: err}
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: to, Data: data})
	if err != nil {
		return nil, &RPCError{Op: "estimate gas", Err: err}
	}
	gas := estimate + estimate*gasBufferPercent/100

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &RPCError{Op: "latest header", Err: err}
	}
	if head == nil || head.BaseFee == nil {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, &RPCError{Op: "gas price", Err: err}
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       to,
			Value:    new(big.Int),
			Data:     data,
		}), nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &RPCError{Op: "gas tip", Err: err}
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     new(big.Int),
		Data:      data,
	}), nil
}

// TransactionReceipt returns the receipt of a mined transaction or
// ethereum.NotFound while it is pending or unknown.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ethereum.NotFound
		}
		return nil, &RPCError{Op: "receipt " + hash.Hex(), Err: err}
	}
	return receipt, nil
}

// TransactionByHash reports whether the node still knows the transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, ethereum.NotFound
		}
		return nil, false, &RPCError{Op: "transaction " + hash.Hex(), Err: err}
	}
	return tx, pending, nil
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, &RPCError{Op: "block number", Err: err}
	}
	return head, nil
}

// NonceAt returns the mined nonce of account at blockNumber (nil for latest).
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	nonce, err := c.backend.NonceAt(ctx, account, blockNumber)
	if err != nil {
		return 0, &RPCError{Op: "nonce " + account.Hex(), Err: err}
	}
	return nonce, nil
}
