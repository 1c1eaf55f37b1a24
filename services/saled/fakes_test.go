package saled

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tokensale/services/saled/chain"
)

var (
	testOperator = common.HexToAddress("0xDaAC417BdA0Ca44F94bd9fAE3fDf0e468ab9A081")
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken    = common.HexToAddress("0x9FEC9c8315dA365a301F9Fe4DedF446191B3a21e")
	testDeployed = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

func tokens(whole int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), UnitScale(decimals))
}

type pendingTx struct {
	method string
	apply  func() error
}

// fakeLedger is an in-memory Sale contract, ERC20 token and confirmer. State
// changes requested by a transaction apply only when it is awaited.
type fakeLedger struct {
	mu sync.Mutex

	sales       map[string]chain.Sale
	supply      *big.Int
	decimals    uint8
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	pending     map[common.Hash]pendingTx
	nonce       uint64
	block       uint64
	now         time.Time
	submitted   []string
	depths      map[string]uint64
	awaitErrs   map[string]error
	submitErrs  map[string]error
	inert       map[string]bool
	readErrs    int
	tokenLookup []common.Address

	// gate, when set, holds every Await until it is closed; entered receives
	// one value per blocked Await.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeLedger(supply *big.Int, decimals uint8) *fakeLedger {
	return &fakeLedger{
		sales:      make(map[string]chain.Sale),
		supply:     new(big.Int).Set(supply),
		decimals:   decimals,
		balances:   map[common.Address]*big.Int{testOperator: new(big.Int).Set(supply)},
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		pending:    make(map[common.Hash]pendingTx),
		block:      100,
		now:        time.Unix(1_700_000_000, 0).UTC(),
		depths:     make(map[string]uint64),
		awaitErrs:  make(map[string]error),
		submitErrs: make(map[string]error),
		inert:      make(map[string]bool),
	}
}

func (f *fakeLedger) orchestrator(opts ...Option) *Orchestrator {
	factory := func(addr common.Address) TokenContract {
		f.mu.Lock()
		f.tokenLookup = append(f.tokenLookup, addr)
		f.mu.Unlock()
		return fakeToken{f}
	}
	opts = append([]Option{WithMetrics(nil), WithDeployer(f), WithClock(func() time.Time { return f.now })}, opts...)
	o, err := NewOrchestrator(f, factory, f, testOperator, opts...)
	if err != nil {
		panic(err)
	}
	return o
}

// failAwait makes every later Await of method fail with err.
func (f *fakeLedger) failAwait(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaitErrs[method] = err
}

// confirmWithoutEffect makes later transactions of method confirm
// successfully while leaving contract state untouched.
func (f *fakeLedger) confirmWithoutEffect(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inert[method] = true
}

// minePending applies every unconfirmed transaction of method, as if it was
// mined after its waiter gave up.
func (f *fakeLedger) minePending(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, tx := range f.pending {
		if tx.method != method {
			continue
		}
		delete(f.pending, hash)
		f.block++
		if err := tx.apply(); err != nil {
			panic(err)
		}
	}
}

// holdConfirmations blocks confirmations until the returned gate is closed.
func (f *fakeLedger) holdConfirmations() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 8)
	return f.gate
}

func (f *fakeLedger) submittedMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeLedger) sell(tokenID int64, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := big.NewInt(tokenID).String()
	sale := f.sales[key]
	sale.TokensSold = new(big.Int).Add(sale.TokensSold, amount)
	f.sales[key] = sale
}

func (f *fakeLedger) balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *fakeLedger) setAllowance(owner, spender common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAllowanceLocked(owner, spender, amount)
}

func (f *fakeLedger) setAllowanceLocked(owner, spender common.Address, amount *big.Int) {
	if f.allowances[owner] == nil {
		f.allowances[owner] = make(map[common.Address]*big.Int)
	}
	f.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (f *fakeLedger) allowanceLocked(owner, spender common.Address) *big.Int {
	if a, ok := f.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (f *fakeLedger) transferLocked(from, to common.Address, amount *big.Int) error {
	have := f.balances[from]
	if have == nil || have.Cmp(amount) < 0 {
		return fmt.Errorf("transfer amount exceeds balance")
	}
	f.balances[from] = new(big.Int).Sub(have, amount)
	if f.balances[to] == nil {
		f.balances[to] = new(big.Int)
	}
	f.balances[to] = new(big.Int).Add(f.balances[to], amount)
	return nil
}

func (f *fakeLedger) submit(method string, apply func() error) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErrs[method]; err != nil {
		return chain.TxHandle{}, err
	}
	f.submitted = append(f.submitted, method)
	nonce := f.nonce
	f.nonce++
	hash := common.BytesToHash(gethcrypto.Keccak256([]byte(fmt.Sprintf("%s-%d", method, nonce))))
	f.pending[hash] = pendingTx{method: method, apply: apply}
	return chain.TxHandle{Hash: hash, From: testOperator, Nonce: nonce, SubmittedAt: f.now}, nil
}

// SaleContract

func (f *fakeLedger) Address() common.Address { return testContract }

func (f *fakeLedger) Sale(_ context.Context, tokenID *big.Int) (chain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErrs > 0 {
		f.readErrs--
		return chain.Sale{}, &chain.RPCError{Op: "call", Err: fmt.Errorf("connection reset")}
	}
	sale, ok := f.sales[tokenID.String()]
	if !ok {
		return chain.Sale{TokenID: new(big.Int).Set(tokenID), TokenPrice: new(big.Int), TotalTokens: new(big.Int), TokensSold: new(big.Int)}, nil
	}
	sale.TotalTokens = new(big.Int).Set(sale.TotalTokens)
	sale.TokensSold = new(big.Int).Set(sale.TokensSold)
	return sale, nil
}

func (f *fakeLedger) AddTokenSale(_ context.Context, tokenID *big.Int, token common.Address, price, duration *big.Int) (chain.TxHandle, error) {
	key := tokenID.String()
	return f.submit("addTokenSale", func() error {
		f.sales[key] = chain.Sale{
			TokenID:     new(big.Int).Set(tokenID),
			Token:       token,
			TokenPrice:  new(big.Int).Set(price),
			TotalTokens: new(big.Int),
			TokensSold:  new(big.Int),
			SaleEndDate: f.now.Add(time.Duration(duration.Int64()) * time.Second),
			SaleActive:  true,
		}
		return nil
	})
}

func (f *fakeLedger) DepositTokens(_ context.Context, tokenID, amount *big.Int) (chain.TxHandle, error) {
	key := tokenID.String()
	return f.submit("depositTokens", func() error {
		if f.allowanceLocked(testOperator, testContract).Cmp(amount) < 0 {
			return fmt.Errorf("insufficient allowance")
		}
		if err := f.transferLocked(testOperator, testContract, amount); err != nil {
			return err
		}
		sale := f.sales[key]
		sale.TotalTokens = new(big.Int).Add(sale.TotalTokens, amount)
		f.sales[key] = sale
		return nil
	})
}

func (f *fakeLedger) PauseSale(_ context.Context, tokenID *big.Int) (chain.TxHandle, error) {
	key := tokenID.String()
	return f.submit("pauseSale", func() error {
		sale := f.sales[key]
		sale.SaleActive = false
		f.sales[key] = sale
		return nil
	})
}

func (f *fakeLedger) WithdrawRemainingTokens(_ context.Context, tokenID *big.Int) (chain.TxHandle, error) {
	key := tokenID.String()
	return f.submit("withdrawRemainingTokens", func() error {
		sale := f.sales[key]
		if sale.SaleActive {
			return fmt.Errorf("sale still active")
		}
		remaining := sale.Remaining()
		if err := f.transferLocked(testContract, testOperator, remaining); err != nil {
			return err
		}
		sale.TotalTokens = new(big.Int).Set(sale.TokensSold)
		f.sales[key] = sale
		return nil
	})
}

// ContractDeployer

func (f *fakeLedger) Deploy(_ context.Context, bytecode []byte, _ common.Address) (chain.TxHandle, error) {
	return f.submit("deploy", func() error { return nil })
}

// Confirmer

func (f *fakeLedger) Await(_ context.Context, handle chain.TxHandle, confirmations uint64) (*types.Receipt, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.pending[handle.Hash]
	if !ok {
		return nil, &TransactionDroppedError{TxHash: handle.Hash}
	}
	f.depths[tx.method] = confirmations
	if err := f.awaitErrs[tx.method]; err != nil {
		return nil, err
	}
	delete(f.pending, handle.Hash)
	f.block++
	receipt := &types.Receipt{
		TxHash:      handle.Hash,
		BlockNumber: new(big.Int).SetUint64(f.block),
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     21_000,
	}
	if f.inert[tx.method] {
		return receipt, nil
	}
	if err := tx.apply(); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		return nil, &TransactionRevertedError{TxHash: handle.Hash, Receipt: receipt}
	}
	if tx.method == "deploy" {
		receipt.ContractAddress = testDeployed
	}
	return receipt, nil
}

// fakeToken exposes the ledger's ERC20 view.
type fakeToken struct {
	f *fakeLedger
}

func (t fakeToken) TotalSupply(context.Context) (*big.Int, error) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return new(big.Int).Set(t.f.supply), nil
}

func (t fakeToken) Decimals(context.Context) (uint8, error) {
	return t.f.decimals, nil
}

func (t fakeToken) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	return t.f.balance(account), nil
}

func (t fakeToken) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.f.allowanceLocked(owner, spender), nil
}

func (t fakeToken) Approve(_ context.Context, spender common.Address, amount *big.Int) (chain.TxHandle, error) {
	return t.f.submit("approve", func() error {
		t.f.setAllowanceLocked(testOperator, spender, amount)
		return nil
	})
}
