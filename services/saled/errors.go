package saled

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Error kinds. Every error returned by the orchestrator matches exactly one of
// these through errors.Is, or wraps an opaque chain.RPCError.
var (
	ErrInvalidInput          = errors.New("saled: invalid input")
	ErrPreconditionViolation = errors.New("saled: precondition violation")
	ErrInsufficientSupply    = errors.New("saled: insufficient supply")
	ErrTransactionReverted   = errors.New("saled: transaction reverted")
	ErrTransactionTimeout    = errors.New("saled: transaction confirmation timeout")
	ErrTransactionDropped    = errors.New("saled: transaction dropped")
)

// InvalidInputError describes a malformed operation parameter.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("saled: invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidDurationError rejects non-positive sale durations.
type InvalidDurationError struct {
	Minutes int64
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("saled: invalid duration %d minutes: must be positive", e.Minutes)
}

func (e *InvalidDurationError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidDecimalsError rejects token precisions outside [0, MaxDecimals].
type InvalidDecimalsError struct {
	Decimals int
}

func (e *InvalidDecimalsError) Error() string {
	return fmt.Sprintf("saled: invalid decimals %d: must be within [0, %d]", e.Decimals, MaxDecimals)
}

func (e *InvalidDecimalsError) Is(target error) bool { return target == ErrInvalidInput }

// PreconditionViolationError reports an operation invoked on a sale slot that
// is not in the state the operation requires.
type PreconditionViolationError struct {
	Op      string
	TokenID *big.Int
	Reason  string
}

func (e *PreconditionViolationError) Error() string {
	return fmt.Sprintf("saled: %s sale %s: %s", e.Op, bigString(e.TokenID), e.Reason)
}

func (e *PreconditionViolationError) Is(target error) bool { return target == ErrPreconditionViolation }

// InsufficientSupplyError reports a token supply too small to leave a positive
// deposit after halving and subtracting one whole token.
type InsufficientSupplyError struct {
	TotalSupply *big.Int
	Decimals    int
}

func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("saled: total supply %s (decimals %d) too small for a deposit", bigString(e.TotalSupply), e.Decimals)
}

func (e *InsufficientSupplyError) Is(target error) bool { return target == ErrInsufficientSupply }

// TransactionRevertedError is returned when a transaction was mined with a
// failed status.
type TransactionRevertedError struct {
	TxHash  common.Hash
	Receipt *types.Receipt
}

func (e *TransactionRevertedError) Error() string {
	block := "unknown"
	if e.Receipt != nil && e.Receipt.BlockNumber != nil {
		block = e.Receipt.BlockNumber.String()
	}
	return fmt.Sprintf("saled: transaction %s reverted in block %s", e.TxHash.Hex(), block)
}

func (e *TransactionRevertedError) Is(target error) bool { return target == ErrTransactionReverted }

// TransactionTimeoutError is returned when the required confirmation depth was
// not reached in time. The transaction may still be mined later.
type TransactionTimeoutError struct {
	TxHash        common.Hash
	Confirmations uint64
	Want          uint64
	Timeout       time.Duration
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("saled: transaction %s reached %d/%d confirmations within %s",
		e.TxHash.Hex(), e.Confirmations, e.Want, e.Timeout)
}

func (e *TransactionTimeoutError) Is(target error) bool { return target == ErrTransactionTimeout }

// TransactionDroppedError is returned when the node no longer knows a
// transaction that was never mined.
type TransactionDroppedError struct {
	TxHash   common.Hash
	Replaced bool
}

func (e *TransactionDroppedError) Error() string {
	if e.Replaced {
		return fmt.Sprintf("saled: transaction %s dropped: nonce consumed by another transaction", e.TxHash.Hex())
	}
	return fmt.Sprintf("saled: transaction %s dropped from the pending pool", e.TxHash.Hex())
}

func (e *TransactionDroppedError) Is(target error) bool { return target == ErrTransactionDropped }

// StepError reports the failure of one sub-step of a lifecycle operation
// together with the sub-steps that were already confirmed or skipped, so a
// caller can tell which on-chain intermediate state was left behind.
type StepError struct {
	Op        string
	TokenID   *big.Int
	Step      string
	Completed []StepResult
	Err       error
}

func (e *StepError) Error() string {
	var b strings.Builder
	if e.TokenID != nil {
		fmt.Fprintf(&b, "saled: %s sale %s: %s failed", e.Op, e.TokenID, e.Step)
	} else {
		fmt.Fprintf(&b, "saled: %s: %s failed", e.Op, e.Step)
	}
	if len(e.Completed) > 0 {
		done := make([]string, 0, len(e.Completed))
		for _, step := range e.Completed {
			if step.Status == StepSkipped {
				done = append(done, step.Step+" skipped")
				continue
			}
			done = append(done, fmt.Sprintf("%s confirmed in %s", step.Step, step.TxHash.Hex()))
		}
		fmt.Fprintf(&b, " after %s", strings.Join(done, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

func bigString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
