package saled

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"
)

func TestDepositAmountHalvesSupplyMinusOneToken(t *testing.T) {
	cases := []struct {
		name     string
		supply   *big.Int
		decimals int
		want     *big.Int
	}{
		{name: "thousand tokens", supply: tokens(1000, 18), decimals: 18, want: tokens(499, 18)},
		{name: "odd whole supply", supply: tokens(1001, 18), decimals: 18, want: tokens(499, 18)},
		{name: "fractional supply", supply: new(big.Int).Add(tokens(10, 6), big.NewInt(999_999)), decimals: 6, want: tokens(4, 6)},
		{name: "no decimals", supply: big.NewInt(10), decimals: 0, want: big.NewInt(4)},
		{name: "four tokens", supply: tokens(4, 2), decimals: 2, want: tokens(1, 2)},
	}
	for _, tc := range cases {
		got, err := DepositAmount(tc.supply, tc.decimals)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestDepositAmountExactBeyondFloatRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	limit := new(big.Int).Lsh(big.NewInt(1), 255)
	for i := 0; i < 500; i++ {
		decimals := rng.Intn(MaxDecimals + 1)
		unit := UnitScale(decimals)
		supply := new(big.Int).Rand(rng, limit)
		// Keep the supply above 2^53 whole units so a float64 path would lose digits.
		supply.Add(supply, new(big.Int).Mul(new(big.Int).Lsh(big.NewInt(1), 54), unit))

		got, err := DepositAmount(supply, decimals)
		if err != nil {
			t.Fatalf("supply %s decimals %d: %v", supply, decimals, err)
		}
		whole := new(big.Int).Quo(supply, unit)
		want := new(big.Int).Quo(whole, big.NewInt(2))
		want.Sub(want, big.NewInt(1))
		want.Mul(want, unit)
		if got.Cmp(want) != 0 {
			t.Fatalf("supply %s decimals %d: got %s want %s", supply, decimals, got, want)
		}
		if new(big.Int).Mod(got, unit).Sign() != 0 {
			t.Fatalf("deposit %s is not a whole number of tokens", got)
		}
	}
}

func TestDepositAmountInsufficientSupply(t *testing.T) {
	for _, supply := range []*big.Int{new(big.Int), big.NewInt(1), new(big.Int).Sub(tokens(2, 18), big.NewInt(1))} {
		_, err := DepositAmount(supply, 18)
		if !errors.Is(err, ErrInsufficientSupply) {
			t.Fatalf("supply %s: expected insufficient supply, got %v", supply, err)
		}
	}
	got, err := DepositAmount(tokens(2, 18), 18)
	if err != nil || got.Sign() != 0 {
		t.Fatalf("two tokens: got %v %v, want zero", got, err)
	}
}

func TestDepositAmountRejectsInvalidInput(t *testing.T) {
	for _, decimals := range []int{-1, MaxDecimals + 1, 255} {
		_, err := DepositAmount(tokens(1000, 18), decimals)
		var decErr *InvalidDecimalsError
		if !errors.As(err, &decErr) || decErr.Decimals != decimals {
			t.Fatalf("decimals %d: expected InvalidDecimalsError, got %v", decimals, err)
		}
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("decimals %d: expected invalid input kind", decimals)
		}
	}
	if _, err := DepositAmount(nil, 18); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil supply: got %v", err)
	}
	if _, err := DepositAmount(big.NewInt(-5), 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative supply: got %v", err)
	}
	if _, err := DepositAmount(new(big.Int).Lsh(big.NewInt(1), 256), 18); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized supply: got %v", err)
	}
}

func TestFormatAndParseUnits(t *testing.T) {
	if got := FormatUnits(tokens(499, 18), 18); got != "499" {
		t.Fatalf("format whole: got %q", got)
	}
	if got := FormatUnits(big.NewInt(1_500_000), 6); got != "1.5" {
		t.Fatalf("format fraction: got %q", got)
	}
	if got := FormatUnits(big.NewInt(5), 3); got != "0.005" {
		t.Fatalf("format small: got %q", got)
	}
	if got := FormatUnits(big.NewInt(-25), 1); got != "-2.5" {
		t.Fatalf("format negative: got %q", got)
	}

	price, err := ParseUnits("0.01", 18)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if price.Cmp(new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)) != 0 {
		t.Fatalf("parse 0.01: got %s", price)
	}
	if _, err := ParseUnits("0.0000001", 6); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected excess precision to fail, got %v", err)
	}
	if _, err := ParseUnits("abc", 6); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected garbage to fail, got %v", err)
	}
}
