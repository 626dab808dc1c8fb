package distribute

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"autosepolia/chain"
	"autosepolia/feeprice"
)

// Instruction is one transfer ready for submission. Immutable once built;
// a retry clones it with an adjusted amount or fee via the submitter.
type Instruction struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
	Nonce  uint64

	GasFeeCap *big.Int // ceiling price actually paid per gas
	GasTipCap *big.Int // priority fee floor
	GasLimit  uint64
}

// Tx assembles the unsigned dynamic-fee transaction for this instruction.
func (in *Instruction) Tx(chainID *big.Int) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     in.Nonce,
		To:        &in.To,
		Value:     in.Amount,
		Gas:       in.GasLimit,
		GasFeeCap: in.GasFeeCap,
		GasTipCap: in.GasTipCap,
	})
}

// Builder turns planned allocations into nonce-sequenced instructions.
type Builder struct {
	reader chain.Reader
	tipWei *big.Int
}

// NewBuilder creates a builder. tipWei is the fixed priority increment
// added on top of the resolved price; nil uses 1 gwei.
func NewBuilder(reader chain.Reader, tipWei *big.Int) *Builder {
	if tipWei == nil {
		tipWei = new(big.Int).SetUint64(params.GWei)
	}
	return &Builder{reader: reader, tipWei: tipWei}
}

// Build assigns nonces starting at the account's pending count, one per
// allocation in order, so the node can linearize them without gaps.
func (b *Builder) Build(ctx context.Context, acct *chain.Account, allocs []Allocation, quote feeprice.Quote) ([]*Instruction, error) {
	start, err := b.reader.PendingNonceAt(ctx, acct.Address())
	if err != nil {
		return nil, fmt.Errorf("pending nonce for %s: %w", acct.Address(), err)
	}

	feeCap := new(big.Int).Add(quote.Price, b.tipWei)
	instrs := make([]*Instruction, len(allocs))
	for i, a := range allocs {
		instrs[i] = &Instruction{
			From:      acct.Address(),
			To:        a.Destination,
			Amount:    new(big.Int).Set(a.Amount),
			Nonce:     start + uint64(i),
			GasFeeCap: new(big.Int).Set(feeCap),
			GasTipCap: new(big.Int).Set(b.tipWei),
			GasLimit:  TransferGas,
		}
	}
	return instrs, nil
}
