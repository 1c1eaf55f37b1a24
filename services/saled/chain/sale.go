package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transactor is the signing and read capability the contract bindings need.
type Transactor interface {
	From() common.Address
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Submit(ctx context.Context, to *common.Address, data []byte) (TxHandle, error)
}

// Sale mirrors the on-chain `tokens(tokenId)` record.
type Sale struct {
	TokenID     *big.Int
	Token       common.Address
	TokenPrice  *big.Int
	TotalTokens *big.Int
	TokensSold  *big.Int
	SaleEndDate time.Time
	SaleActive  bool
}

// Exists reports whether the slot holds a sale.
func (s Sale) Exists() bool {
	return s.Token != (common.Address{})
}

// Remaining returns the unsold quantity still held by the contract.
func (s Sale) Remaining() *big.Int {
	total := orZero(s.TotalTokens)
	sold := orZero(s.TokensSold)
	remaining := new(big.Int).Sub(total, sold)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// SaleBinding is the typed handle for the deployed Sale contract.
type SaleBinding struct {
	tx      Transactor
	address common.Address
}

// NewSaleBinding binds the Sale contract deployed at address.
func NewSaleBinding(tx Transactor, address common.Address) *SaleBinding {
	return &SaleBinding{tx: tx, address: address}
}

// Address returns the contract address.
func (b *SaleBinding) Address() common.Address { return b.address }

// Sale reads the record stored in slot tokenID.
func (b *SaleBinding) Sale(ctx context.Context, tokenID *big.Int) (Sale, error) {
	data, err := saleABI.Pack("tokens", tokenID)
	if err != nil {
		return Sale{}, fmt.Errorf("chain: pack tokens: %w", err)
	}
	out, err := b.tx.Call(ctx, b.address, data)
	if err != nil {
		return Sale{}, err
	}
	values, err := saleABI.Unpack("tokens", out)
	if err != nil {
		return Sale{}, fmt.Errorf("chain: unpack tokens: %w", err)
	}
	if len(values) != 6 {
		return Sale{}, fmt.Errorf("chain: tokens returned %d values", len(values))
	}
	token, ok1 := values[0].(common.Address)
	price, ok2 := values[1].(*big.Int)
	total, ok3 := values[2].(*big.Int)
	sold, ok4 := values[3].(*big.Int)
	end, ok5 := values[4].(*big.Int)
	active, ok6 := values[5].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return Sale{}, fmt.Errorf("chain: unexpected tokens output types")
	}
	sale := Sale{
		TokenID:     new(big.Int).Set(tokenID),
		Token:       token,
		TokenPrice:  price,
		TotalTokens: total,
		TokensSold:  sold,
		SaleActive:  active,
	}
	if end.Sign() > 0 && end.IsInt64() {
		sale.SaleEndDate = time.Unix(end.Int64(), 0).UTC()
	}
	return sale, nil
}

// AddTokenSale requests creation of a sale; duration is in seconds.
func (b *SaleBinding) AddTokenSale(ctx context.Context, tokenID *big.Int, token common.Address, tokenPrice, duration *big.Int) (TxHandle, error) {
	return b.submit(ctx, "addTokenSale", tokenID, token, tokenPrice, duration)
}

// DepositTokens moves amount of the sale token from the operator into the contract.
func (b *SaleBinding) DepositTokens(ctx context.Context, tokenID, amount *big.Int) (TxHandle, error) {
	return b.submit(ctx, "depositTokens", tokenID, amount)
}

// PauseSale stops purchases for tokenID.
func (b *SaleBinding) PauseSale(ctx context.Context, tokenID *big.Int) (TxHandle, error) {
	return b.submit(ctx, "pauseSale", tokenID)
}

// WithdrawRemainingTokens returns the unsold balance of tokenID to the operator.
func (b *SaleBinding) WithdrawRemainingTokens(ctx context.Context, tokenID *big.Int) (TxHandle, error) {
	return b.submit(ctx, "withdrawRemainingTokens", tokenID)
}

func (b *SaleBinding) submit(ctx context.Context, method string, args ...interface{}) (TxHandle, error) {
	data, err := saleABI.Pack(method, args...)
	if err != nil {
		return TxHandle{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	to := b.address
	return b.tx.Submit(ctx, &to, data)
}

// DeploySale submits a contract-creation transaction for the Sale contract
// bytecode with saleReceiver as constructor argument.
func DeploySale(ctx context.Context, tx Transactor, bytecode []byte, saleReceiver common.Address) (TxHandle, error) {
	if len(bytecode) == 0 {
		return TxHandle{}, fmt.Errorf("chain: bytecode required")
	}
	args, err := saleABI.Pack("", saleReceiver)
	if err != nil {
		return TxHandle{}, fmt.Errorf("chain: pack constructor: %w", err)
	}
	data := make([]byte, 0, len(bytecode)+len(args))
	data = append(data, bytecode...)
	data = append(data, args...)
	return tx.Submit(ctx, nil, data)
}

// Deployer adapts DeploySale to a Transactor.
type Deployer struct {
	Tx Transactor
}

// Deploy submits the Sale contract creation.
func (d Deployer) Deploy(ctx context.Context, bytecode []byte, saleReceiver common.Address) (TxHandle, error) {
	return DeploySale(ctx, d.Tx, bytecode, saleReceiver)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
