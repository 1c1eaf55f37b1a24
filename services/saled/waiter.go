package saled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tokensale/services/saled/chain"
)

const (
	defaultWaitTimeout  = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultDropAfter    = 5
)

// ReceiptReader defines the subset of the Chain Client used by the Waiter.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// Waiter blocks until submitted transactions reach a confirmation depth.
// It keeps no per-handle state, so Await may be called repeatedly on the same
// handle.
type Waiter struct {
	reader       ReceiptReader
	timeout      time.Duration
	pollInterval time.Duration
	dropAfter    int
	logger       *slog.Logger
}

// WaiterOption customises the waiter.
type WaiterOption func(*Waiter)

// WithTimeout bounds how long a single Await call waits.
func WithTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDropAfter sets how many consecutive polls without any trace of the
// transaction are tolerated before it is reported dropped.
func WithDropAfter(n int) WaiterOption {
	return func(w *Waiter) {
		if n > 0 {
			w.dropAfter = n
		}
	}
}

// WithWaiterLogger overrides the waiter logger.
func WithWaiterLogger(logger *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWaiter constructs a waiter polling reader.
func NewWaiter(reader ReceiptReader, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		reader:       reader,
		timeout:      defaultWaitTimeout,
		pollInterval: defaultPollInterval,
		dropAfter:    defaultDropAfter,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Timeout returns the per-call confirmation timeout.
func (w *Waiter) Timeout() time.Duration { return w.timeout }

// Await blocks until handle is included and confirmations blocks, the
// inclusion block counting as the first, have been observed. It returns the
// receipt on success. A reverted receipt fails immediately.
func (w *Waiter) Await(ctx context.Context, handle chain.TxHandle, confirmations uint64) (*types.Receipt, error) {
	if w == nil || w.reader == nil {
		return nil, fmt.Errorf("saled: waiter not initialised")
	}
	if confirmations < 1 {
		return nil, &InvalidInputError{Field: "confirmations", Reason: "must be at least 1"}
	}
	if (handle.Hash == common.Hash{}) {
		return nil, &InvalidInputError{Field: "transaction hash", Reason: "required"}
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	state := pollState{want: confirmations}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("saled: await %s: %w", handle.Hash.Hex(), err)
			}
			return nil, &TransactionTimeoutError{
				TxHash:        handle.Hash,
				Confirmations: state.depth,
				Want:          confirmations,
				Timeout:       w.timeout,
			}
		case <-timer.C:
		}

		receipt, err := w.poll(waitCtx, handle, &state)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		timer.Reset(w.pollInterval)
	}
}

type pollState struct {
	want     uint64
	depth    uint64
	misses   int
	included bool
}

// poll performs one observation. It returns a receipt once the depth is
// reached, a terminal error, or neither when polling should continue.
func (w *Waiter) poll(ctx context.Context, handle chain.TxHandle, state *pollState) (*types.Receipt, error) {
	logger := w.logger.With("tx_hash", handle.Hash.Hex())
	receipt, err := w.reader.TransactionReceipt(ctx, handle.Hash)
	switch {
	case err == nil && receipt != nil:
		state.misses = 0
		state.included = true
		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, &TransactionRevertedError{TxHash: handle.Hash, Receipt: receipt}
		}
		head, err := w.reader.BlockNumber(ctx)
		if err != nil {
			logger.Debug("head lookup failed", "error", err)
			return nil, nil
		}
		state.depth = confirmationDepth(head, receipt.BlockNumber)
		if state.depth >= state.want {
			return receipt, nil
		}
		return nil, nil
	case err == nil || errors.Is(err, ethereum.NotFound):
		if state.included {
			logger.Warn("receipt disappeared, resuming wait")
			state.included = false
			state.depth = 0
		}
	default:
		logger.Debug("receipt lookup failed", "error", err)
		return nil, nil
	}

	known, err := w.known(ctx, handle.Hash)
	if err != nil {
		logger.Debug("transaction lookup failed", "error", err)
		return nil, nil
	}
	replaced := w.nonceConsumed(ctx, handle)
	if known && !replaced {
		state.misses = 0
		return nil, nil
	}
	state.misses++
	if state.misses >= w.dropAfter {
		return nil, &TransactionDroppedError{TxHash: handle.Hash, Replaced: replaced}
	}
	return nil, nil
}

func (w *Waiter) known(ctx context.Context, hash common.Hash) (bool, error) {
	tx, _, err := w.reader.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return tx != nil, nil
}

// nonceConsumed reports whether the sender's mined nonce moved past the
// handle's nonce.
func (w *Waiter) nonceConsumed(ctx context.Context, handle chain.TxHandle) bool {
	if (handle.From == common.Address{}) {
		return false
	}
	nonce, err := w.reader.NonceAt(ctx, handle.From, nil)
	if err != nil {
		return false
	}
	return nonce > handle.Nonce
}

func confirmationDepth(head uint64, block *big.Int) uint64 {
	if block == nil || !block.IsUint64() {
		return 0
	}
	included := block.Uint64()
	if head < included {
		return 0
	}
	return head - included + 1
}
