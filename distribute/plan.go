package distribute

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"autosepolia/feeprice"
)

// Method selects how the distributable pool is split.
type Method string

const (
	MethodPercentage Method = "percentage"
	MethodEqual      Method = "equal"
)

func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodPercentage, MethodEqual:
		return Method(s), nil
	case "":
		return MethodPercentage, nil
	}
	return "", fmt.Errorf("unknown distribution method %q", s)
}

// ErrInsufficientReserve is returned when the fee reserve consumes the
// whole balance. Terminal for the account, never retried.
var ErrInsufficientReserve = errors.New("insufficient funds after fee reserve")

// Destination is one weighted transfer target.
type Destination struct {
	Address common.Address
	Weight  decimal.Decimal // percentage, 0-100
}

// Allocation is a planned amount for one destination.
type Allocation struct {
	Destination common.Address
	Amount      *big.Int
}

var hundred = decimal.NewFromInt(100)

// ValidateWeights checks that percentage weights sum to 100 within
// epsilon. Equal mode ignores weights entirely.
func ValidateWeights(dests []Destination, method Method, epsilon decimal.Decimal) error {
	if len(dests) == 0 {
		return errors.New("no destinations configured")
	}
	if method == MethodEqual {
		return nil
	}
	sum := decimal.Zero
	for _, d := range dests {
		if d.Weight.IsNegative() || d.Weight.GreaterThan(hundred) {
			return fmt.Errorf("destination %s weight %s out of range", d.Address, d.Weight)
		}
		sum = sum.Add(d.Weight)
	}
	if sum.Sub(hundred).Abs().GreaterThan(epsilon) {
		return fmt.Errorf("destination weights sum to %s, want 100", sum)
	}
	return nil
}

// Planner splits a spendable balance across destinations after reserving
// for fees.
type Planner struct {
	safety  decimal.Decimal // reserve safety multiplier, >= 1.0
	epsilon decimal.Decimal // weight-sum tolerance
}

func NewPlanner(safety, epsilon decimal.Decimal) *Planner {
	if safety.LessThan(decimal.NewFromInt(1)) {
		safety = decimal.NewFromFloat(1.2)
	}
	if epsilon.IsZero() {
		epsilon = decimal.NewFromFloat(0.01)
	}
	return &Planner{safety: safety, epsilon: epsilon}
}

// Plan reserves instruction fees from spendable and floor-splits the
// remainder by weight. Rounding residue stays with the source account.
func (p *Planner) Plan(spendable *big.Int, dests []Destination, quote feeprice.Quote, method Method) ([]Allocation, error) {
	if err := ValidateWeights(dests, method, p.epsilon); err != nil {
		return nil, err
	}

	n := int64(len(dests))
	feePerInstr := new(big.Int).Mul(quote.Price, new(big.Int).SetUint64(TransferGas))
	reserve := decimal.NewFromBigInt(feePerInstr, 0).
		Mul(decimal.NewFromInt(n)).
		Mul(p.safety).
		Ceil().
		BigInt()

	pool := new(big.Int).Sub(spendable, reserve)
	if pool.Sign() <= 0 {
		return nil, fmt.Errorf("%w: balance %s, reserve %s", ErrInsufficientReserve, spendable, reserve)
	}

	weights := make([]decimal.Decimal, len(dests))
	if method == MethodEqual {
		equal := hundred.Div(decimal.NewFromInt(n))
		for i := range weights {
			weights[i] = equal
		}
	} else {
		for i, d := range dests {
			weights[i] = d.Weight
		}
	}

	poolDec := decimal.NewFromBigInt(pool, 0)
	allocs := make([]Allocation, len(dests))
	for i, d := range dests {
		amount := poolDec.Mul(weights[i]).Div(hundred).Floor().BigInt()
		if amount.Sign() < 0 {
			amount = big.NewInt(0)
		}
		allocs[i] = Allocation{Destination: d.Address, Amount: amount}
	}
	return allocs, nil
}
