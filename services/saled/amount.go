package saled

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDecimals bounds the token precision accepted by the Amount Calculator.
const MaxDecimals = 36

var bigOne = big.NewInt(1)

// DepositAmount returns floor(totalSupply / (2 * 10^decimals)) * 10^decimals - 10^decimals:
// half the human-readable supply, rounded down to whole tokens, minus one whole
// token, expressed in smallest units. All arithmetic is on integers.
func DepositAmount(totalSupply *big.Int, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, &InvalidDecimalsError{Decimals: decimals}
	}
	if totalSupply == nil || totalSupply.Sign() < 0 {
		return nil, &InvalidInputError{Field: "total supply", Reason: "must be a non-negative integer"}
	}
	if _, overflow := uint256.FromBig(totalSupply); overflow {
		return nil, &InvalidInputError{Field: "total supply", Reason: "exceeds uint256"}
	}
	unit := UnitScale(decimals)
	wholeHalf := new(big.Int).Quo(totalSupply, new(big.Int).Lsh(unit, 1))
	wholeHalf.Sub(wholeHalf, bigOne)
	if wholeHalf.Sign() < 0 {
		return nil, &InsufficientSupplyError{TotalSupply: new(big.Int).Set(totalSupply), Decimals: decimals}
	}
	return wholeHalf.Mul(wholeHalf, unit), nil
}

// UnitScale returns 10^decimals.
func UnitScale(decimals int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// FormatUnits renders an amount in smallest units as an exact decimal string
// in whole tokens, trimming trailing fractional zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}
	negative := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	unit := UnitScale(decimals)
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))
	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", decimals-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if negative {
		out = "-" + out
	}
	return out
}

// ParseUnits converts a decimal token amount such as "0.01" into smallest
// units. Amounts needing more precision than decimals are rejected.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, &InvalidDecimalsError{Decimals: decimals}
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, &InvalidInputError{Field: "amount", Reason: "required"}
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, &InvalidInputError{Field: "amount", Reason: "not a decimal number: " + trimmed}
	}
	rat.Mul(rat, new(big.Rat).SetInt(UnitScale(decimals)))
	if !rat.IsInt() {
		return nil, &InvalidInputError{Field: "amount", Reason: "more precision than the token supports"}
	}
	return new(big.Int).Set(rat.Num()), nil
}
