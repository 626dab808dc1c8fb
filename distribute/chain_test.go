package distribute

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"autosepolia/chain"
	"autosepolia/feeprice"
)

// testKey is the first well-known hardhat development key.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testChainID = big.NewInt(11155111)

// fakeChain implements chain.Reader and chain.Writer with scriptable
// behavior for submitter and coordinator tests.
type fakeChain struct {
	mu sync.Mutex

	balances   map[common.Address]*big.Int
	balanceErr error
	nonces     map[common.Address]uint64
	snapshot   *chain.FeeSnapshot

	// sendHook decides the outcome of each broadcast; nil accepts all.
	sendHook func(tx *types.Transaction) error
	sent     []*types.Transaction

	receipts   map[common.Hash]*types.Receipt
	pendingTxs map[common.Hash]*types.Transaction

	// autoConfirm writes a successful receipt for every accepted
	// broadcast, so polling terminates immediately.
	autoConfirm bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:   make(map[common.Address]*big.Int),
		nonces:     make(map[common.Address]uint64),
		snapshot:   &chain.FeeSnapshot{BaseFee: big.NewInt(1_000_000_000), TipCap: big.NewInt(100_000_000)},
		receipts:   make(map[common.Hash]*types.Receipt),
		pendingTxs: make(map[common.Hash]*types.Transaction),
	}
}

func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	b, ok := f.balances[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *fakeChain) FeeSnapshot(ctx context.Context) (*chain.FeeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeChain) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeChain) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.pendingTxs[txHash]
	if !ok {
		return nil, false, nil
	}
	return tx, true, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	hook := f.sendHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(tx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.autoConfirm {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(int64(len(f.sent))),
			TxHash:      tx.Hash(),
		}
	}
	return nil
}

// confirm records a successful receipt for the hash.
func (f *fakeChain) confirm(txHash common.Hash, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(block),
		TxHash:      txHash,
	}
}

func (f *fakeChain) markPending(tx *types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingTxs[tx.Hash()] = tx
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) sentAt(i int) *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// fixedFees is a Resolver returning a constant price per tier.
type fixedFees struct {
	byTier map[feeprice.Tier]*big.Int
}

func newFixedFees(slow, average, fast int64) fixedFees {
	return fixedFees{byTier: map[feeprice.Tier]*big.Int{
		feeprice.TierSlow:    big.NewInt(slow),
		feeprice.TierAverage: big.NewInt(average),
		feeprice.TierFast:    big.NewInt(fast),
	}}
}

func (f fixedFees) Resolve(ctx context.Context, tier feeprice.Tier) (feeprice.Quote, error) {
	return feeprice.Quote{
		Tier:   tier,
		Price:  new(big.Int).Set(f.byTier[tier]),
		Source: feeprice.SourceFallback,
	}, nil
}
