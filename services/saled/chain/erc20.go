package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC20Binding is the typed handle for an ERC20 token contract.
type ERC20Binding struct {
	tx      Transactor
	address common.Address
}

// NewERC20Binding binds the token deployed at address.
func NewERC20Binding(tx Transactor, address common.Address) *ERC20Binding {
	return &ERC20Binding{tx: tx, address: address}
}

// Address returns the token contract address.
func (b *ERC20Binding) Address() common.Address { return b.address }

// TotalSupply returns the token supply in smallest units.
func (b *ERC20Binding) TotalSupply(ctx context.Context) (*big.Int, error) {
	return b.callUint(ctx, "totalSupply")
}

// BalanceOf returns the balance of account in smallest units.
func (b *ERC20Binding) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return b.callUint(ctx, "balanceOf", account)
}

// Allowance returns how much spender may still transfer on behalf of owner.
func (b *ERC20Binding) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return b.callUint(ctx, "allowance", owner, spender)
}

// Decimals returns the token's declared decimal precision.
func (b *ERC20Binding) Decimals(ctx context.Context) (uint8, error) {
	values, err := b.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: decimals returned %T", values[0])
	}
	return decimals, nil
}

// Approve allows spender to transfer up to amount from the operator.
func (b *ERC20Binding) Approve(ctx context.Context, spender common.Address, amount *big.Int) (TxHandle, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return TxHandle{}, fmt.Errorf("chain: pack approve: %w", err)
	}
	to := b.address
	return b.tx.Submit(ctx, &to, data)
}

func (b *ERC20Binding) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := b.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T", method, values[0])
	}
	return value, nil
}

func (b *ERC20Binding) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := b.tx.Call(ctx, b.address, data)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s from %s: %w", method, b.address.Hex(), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("chain: %s returned no values", method)
	}
	return values, nil
}
