package distribute

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"autosepolia/chain"
	"autosepolia/feeprice"
)

// TransferGas is the fixed gas cost of a simple native transfer.
const TransferGas = params.TxGas

// GateResult classifies an account's balance against the minimum needed
// to run a distribution.
type GateResult struct {
	Balance     *big.Int
	MinRequired *big.Int
	Sufficient  bool
}

// BalanceGate reads an account's balance and checks it against a minimum
// that adapts to live fee conditions: the larger of an absolute floor and
// feeMultiple times the fee cost of one simple transfer at the average
// tier.
type BalanceGate struct {
	reader      chain.Reader
	fees        feeprice.Resolver
	absFloor    *big.Int
	feeMultiple int64
}

func NewBalanceGate(reader chain.Reader, fees feeprice.Resolver, absFloor *big.Int, feeMultiple int64) *BalanceGate {
	if feeMultiple < 3 {
		feeMultiple = 3
	}
	if absFloor == nil {
		absFloor = big.NewInt(0)
	}
	return &BalanceGate{reader: reader, fees: fees, absFloor: absFloor, feeMultiple: feeMultiple}
}

// Check never fails on a low balance; it returns Sufficient=false. An
// error means the balance could not be read at all.
func (g *BalanceGate) Check(ctx context.Context, addr common.Address) (GateResult, error) {
	balance, err := g.reader.BalanceAt(ctx, addr)
	if err != nil {
		return GateResult{}, fmt.Errorf("balance read for %s: %w", addr, err)
	}

	quote, err := g.fees.Resolve(ctx, feeprice.TierAverage)
	if err != nil {
		return GateResult{}, fmt.Errorf("fee resolution for balance gate: %w", err)
	}

	feeCost := new(big.Int).Mul(quote.Price, new(big.Int).SetUint64(TransferGas))
	feeCost.Mul(feeCost, big.NewInt(g.feeMultiple))

	min := new(big.Int).Set(g.absFloor)
	if feeCost.Cmp(min) > 0 {
		min.Set(feeCost)
	}

	return GateResult{
		Balance:     balance,
		MinRequired: min,
		Sufficient:  balance.Cmp(min) >= 0,
	}, nil
}
