package saled

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"

	"tokensale/services/saled/chain"
)

type receiptReply struct {
	receipt *types.Receipt
	err     error
}

// scriptedReader replays receipt replies in order, repeating the last one.
type scriptedReader struct {
	mu       sync.Mutex
	replies  []receiptReply
	polls    int
	head     uint64
	headStep uint64
	known    bool
	nonce    uint64
}

func (s *scriptedReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.polls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.polls++
	reply := s.replies[idx]
	return reply.receipt, reply.err
}

func (s *scriptedReader) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known {
		return nil, false, ethereum.NotFound
	}
	return types.NewTx(&types.LegacyTx{}), true, nil
}

func (s *scriptedReader) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.head
	s.head += s.headStep
	return head, nil
}

func (s *scriptedReader) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func minedAt(block int64, status uint64) *types.Receipt {
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(block)}
}

var notFound = receiptReply{err: ethereum.NotFound}

func testHandle() chain.TxHandle {
	return chain.TxHandle{Hash: common.HexToHash("0xabc"), From: testOperator, Nonce: 7}
}

func fastWaiter(reader ReceiptReader, opts ...WaiterOption) *Waiter {
	base := []WaiterOption{WithPollInterval(time.Millisecond), WithTimeout(time.Second), WithDropAfter(3)}
	return NewWaiter(reader, append(base, opts...)...)
}

func TestWaiterReturnsAtDepth(t *testing.T) {
	reader := &scriptedReader{
		replies:  []receiptReply{notFound, {receipt: minedAt(10, types.ReceiptStatusSuccessful)}},
		head:     10,
		headStep: 1,
		known:    true,
		nonce:    7,
	}
	receipt, err := fastWaiter(reader).Await(context.Background(), testHandle(), 3)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.BlockNumber.Int64() != 10 {
		t.Fatalf("unexpected receipt block %s", receipt.BlockNumber)
	}
	// one miss plus heads 10, 11 and 12
	if reader.polls != 4 {
		t.Fatalf("expected 4 receipt polls, got %d", reader.polls)
	}
}

func TestWaiterInclusionBlockCountsAsFirstConfirmation(t *testing.T) {
	reader := &scriptedReader{
		replies: []receiptReply{{receipt: minedAt(10, types.ReceiptStatusSuccessful)}},
		head:    10,
	}
	if _, err := fastWaiter(reader).Await(context.Background(), testHandle(), 1); err != nil {
		t.Fatalf("await: %v", err)
	}
	if reader.polls != 1 {
		t.Fatalf("expected a single poll, got %d", reader.polls)
	}
}

func TestWaiterRevertedFailsImmediately(t *testing.T) {
	reader := &scriptedReader{
		replies: []receiptReply{{receipt: minedAt(5, types.ReceiptStatusFailed)}},
		head:    5,
	}
	_, err := fastWaiter(reader).Await(context.Background(), testHandle(), 12)
	var reverted *TransactionRevertedError
	if !errors.As(err, &reverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	if reverted.Receipt == nil || reverted.TxHash != testHandle().Hash {
		t.Fatalf("revert error missing context: %+v", reverted)
	}
	if reader.polls != 1 {
		t.Fatalf("expected no further polling, got %d polls", reader.polls)
	}
}

func TestWaiterTimesOut(t *testing.T) {
	reader := &scriptedReader{replies: []receiptReply{notFound}, known: true, nonce: 7}
	_, err := fastWaiter(reader, WithTimeout(30*time.Millisecond)).Await(context.Background(), testHandle(), 1)
	if !errors.Is(err, ErrTransactionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var timeout *TransactionTimeoutError
	if !errors.As(err, &timeout) || timeout.Want != 1 || timeout.Timeout != 30*time.Millisecond {
		t.Fatalf("unexpected timeout detail: %+v", timeout)
	}
}

func TestWaiterTimeoutReportsObservedDepth(t *testing.T) {
	reader := &scriptedReader{
		replies: []receiptReply{{receipt: minedAt(20, types.ReceiptStatusSuccessful)}},
		head:    21,
	}
	_, err := fastWaiter(reader, WithTimeout(20*time.Millisecond)).Await(context.Background(), testHandle(), 5)
	var timeout *TransactionTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if timeout.Confirmations != 2 {
		t.Fatalf("expected 2 observed confirmations, got %d", timeout.Confirmations)
	}
}

func TestWaiterDetectsDroppedTransaction(t *testing.T) {
	reader := &scriptedReader{replies: []receiptReply{notFound}, nonce: 7}
	_, err := fastWaiter(reader).Await(context.Background(), testHandle(), 1)
	var dropped *TransactionDroppedError
	if !errors.As(err, &dropped) {
		t.Fatalf("expected dropped, got %v", err)
	}
	if dropped.Replaced {
		t.Fatalf("nonce was not consumed")
	}
	if reader.polls != 3 {
		t.Fatalf("expected drop after 3 polls, got %d", reader.polls)
	}
}

func TestWaiterDetectsReplacedTransaction(t *testing.T) {
	reader := &scriptedReader{replies: []receiptReply{notFound}, known: true, nonce: 8}
	_, err := fastWaiter(reader).Await(context.Background(), testHandle(), 1)
	var dropped *TransactionDroppedError
	if !errors.As(err, &dropped) || !dropped.Replaced {
		t.Fatalf("expected replaced transaction, got %v", err)
	}
}

func TestWaiterToleratesTransientErrors(t *testing.T) {
	reader := &scriptedReader{
		replies: []receiptReply{
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{err: errors.New("connection reset")},
			{receipt: minedAt(3, types.ReceiptStatusSuccessful)},
		},
		head: 3,
	}
	if _, err := fastWaiter(reader).Await(context.Background(), testHandle(), 1); err != nil {
		t.Fatalf("transient failures must not end the wait: %v", err)
	}
}

func TestWaiterResumesAfterReorg(t *testing.T) {
	reader := &scriptedReader{
		replies: []receiptReply{
			{receipt: minedAt(10, types.ReceiptStatusSuccessful)},
			notFound,
			{receipt: minedAt(11, types.ReceiptStatusSuccessful)},
		},
		head:     10,
		headStep: 1,
		known:    true,
		nonce:    7,
	}
	receipt, err := fastWaiter(reader).Await(context.Background(), testHandle(), 2)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.BlockNumber.Int64() != 11 {
		t.Fatalf("expected re-mined receipt in block 11, got %s", receipt.BlockNumber)
	}
}

func TestWaiterHonoursCallerCancellation(t *testing.T) {
	reader := &scriptedReader{replies: []receiptReply{notFound}, known: true, nonce: 7}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := fastWaiter(reader, WithTimeout(time.Minute)).Await(ctx, testHandle(), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if errors.Is(err, ErrTransactionTimeout) {
		t.Fatalf("caller cancellation is not a confirmation timeout")
	}
}

func TestWaiterRejectsInvalidRequests(t *testing.T) {
	waiter := fastWaiter(&scriptedReader{replies: []receiptReply{notFound}})
	if _, err := waiter.Await(context.Background(), testHandle(), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero confirmations: got %v", err)
	}
	if _, err := waiter.Await(context.Background(), chain.TxHandle{}, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty handle: got %v", err)
	}
}

func TestWaiterAgainstSimulatedChain(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := gethcrypto.PubkeyToAddress(key.PublicKey)
	funds := new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))
	backend := simulated.NewBackend(types.GenesisAlloc{operator: {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := chain.NewClient(ctx, backend.Client(), chain.Config{
		SignerKey:       key,
		ContractAddress: testContract,
	})
	require.NoError(t, err)

	dest := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	handle, err := client.Submit(ctx, &dest, nil)
	require.NoError(t, err)

	waiter := NewWaiter(client, WithPollInterval(5*time.Millisecond), WithTimeout(50*time.Millisecond))
	_, err = waiter.Await(ctx, handle, 1)
	require.ErrorIs(t, err, ErrTransactionTimeout, "pending transaction must not confirm")

	backend.Commit()
	backend.Commit()

	receipt, err := waiter.Await(ctx, handle, 2)
	require.NoError(t, err)
	require.Equal(t, handle.Hash, receipt.TxHash)

	again, err := waiter.Await(ctx, handle, 2)
	require.NoError(t, err)
	require.Equal(t, receipt.BlockNumber, again.BlockNumber)

	_, err = waiter.Await(ctx, handle, 3)
	require.ErrorIs(t, err, ErrTransactionTimeout)
}
