package distribute

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"autosepolia/chain"
)

// More well-known hardhat development keys for multi-account batches.
var testKeys = []string{
	testKey,
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
}

func testAccounts(t *testing.T, n int) []*chain.Account {
	t.Helper()
	accounts := make([]*chain.Account, n)
	for i := 0; i < n; i++ {
		acct, err := chain.NewAccount(testKeys[i])
		require.NoError(t, err)
		accounts[i] = acct
	}
	return accounts
}

func newTestCoordinator(fc *fakeChain, timeout time.Duration) *Coordinator {
	fees := newFixedFees(params.GWei, 2*params.GWei, 4*params.GWei)
	logger := log.NewLogger(log.DiscardHandler())
	gate := NewBalanceGate(fc, fees, big.NewInt(1), 3)
	planner := NewPlanner(decimal.NewFromFloat(1.2), decimal.NewFromFloat(0.01))
	builder := NewBuilder(fc, big.NewInt(params.GWei))
	submitter := NewSubmitter(fc, fc, fees, testChainID, SubmitterConfig{
		PollInterval:   time.Millisecond,
		ConfirmTimeout: 20 * time.Millisecond,
		MaxAttempts:    3,
		MinTransferWei: big.NewInt(1000),
	}, logger)
	return NewCoordinator(gate, planner, builder, submitter, fc, fees, CoordinatorConfig{
		Workers:        2,
		AccountTimeout: timeout,
	}, logger)
}

func fund(fc *fakeChain, accounts []*chain.Account) {
	for _, a := range accounts {
		fc.balances[a.Address()] = new(big.Int).SetUint64(params.Ether)
	}
}

func twoDests() []Destination {
	return []Destination{dest(1, 70), dest(2, 30)}
}

func TestCoordinatorSuccess(t *testing.T) {
	fc := newFakeChain()
	fc.autoConfirm = true
	accounts := testAccounts(t, 3)
	fund(fc, accounts)

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 3)
	for i, s := range statuses {
		require.Equal(t, accounts[i].Address(), s.Address, "statuses must preserve input order")
		require.Equal(t, StateSuccess, s.State)
		require.NotNil(t, s.Balance)
		require.Len(t, s.Outcomes, 2)
		for _, o := range s.Outcomes {
			require.True(t, o.Succeeded)
		}
	}
}

func TestCoordinatorLowBalance(t *testing.T) {
	fc := newFakeChain()
	accounts := testAccounts(t, 1)
	// 0.004 ETH against a fee-derived minimum well above it.
	fc.balances[accounts[0].Address()] = big.NewInt(4_000_000_000_000)

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 1)
	require.Equal(t, StateLowBalance, statuses[0].State)
	require.Empty(t, statuses[0].Outcomes, "no instructions may be built for a gated account")
	require.Zero(t, fc.sentCount())
}

func TestCoordinatorAllFailedIsError(t *testing.T) {
	fc := newFakeChain()
	accounts := testAccounts(t, 1)
	fund(fc, accounts)
	fc.sendHook = func(tx *types.Transaction) error {
		return errors.New("connection refused")
	}

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 1)
	require.Equal(t, StateError, statuses[0].State)
	require.NotEmpty(t, statuses[0].Err)
	require.NotNil(t, statuses[0].Balance, "balance must be re-read and reported on failure")
	for _, o := range statuses[0].Outcomes {
		require.False(t, o.Succeeded)
	}
}

func TestCoordinatorPartialSuccessIsSuccess(t *testing.T) {
	fc := newFakeChain()
	fc.autoConfirm = true
	accounts := testAccounts(t, 1)
	fund(fc, accounts)

	// Fail every broadcast to the second destination.
	bad := dest(2, 0).Address
	fc.sendHook = func(tx *types.Transaction) error {
		if *tx.To() == bad {
			return errors.New("connection refused")
		}
		return nil
	}

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 1)
	require.Equal(t, StateSuccess, statuses[0].State, "partial success still reports success")

	succeeded := 0
	for _, o := range statuses[0].Outcomes {
		if o.Succeeded {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestCoordinatorIsolatesAccountFailures(t *testing.T) {
	fc := newFakeChain()
	fc.autoConfirm = true
	accounts := testAccounts(t, 3)
	fund(fc, accounts)

	// Every broadcast from the middle account fails.
	mid := accounts[1].Address()
	signer := types.NewLondonSigner(testChainID)
	fc.sendHook = func(tx *types.Transaction) error {
		from, err := types.Sender(signer, tx)
		if err == nil && from == mid {
			return errors.New("connection refused")
		}
		return nil
	}

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Equal(t, StateSuccess, statuses[0].State)
	require.Equal(t, StateError, statuses[1].State)
	require.Equal(t, StateSuccess, statuses[2].State, "one account's failure must not abort the rest")
}

func TestCoordinatorStopSkipsUnstartedAccounts(t *testing.T) {
	fc := newFakeChain()
	accounts := testAccounts(t, 3)
	fund(fc, accounts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestCoordinator(fc, time.Minute)
	statuses := c.Run(ctx, accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 3)
	for _, s := range statuses {
		require.Equal(t, StateIdle, s.State)
	}
	require.Zero(t, fc.sentCount())
}

// An observed cancellation must win over a ready worker every time, not
// just when the scheduler's select happens to pick the done channel.
func TestCoordinatorStopBeatsReadyWorkers(t *testing.T) {
	accounts := testAccounts(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for run := 0; run < 200; run++ {
		fc := newFakeChain()
		fund(fc, accounts)

		c := newTestCoordinator(fc, time.Minute)
		statuses := c.Run(ctx, accounts, twoDests(), MethodPercentage, "average")

		for _, s := range statuses {
			require.Equal(t, StateIdle, s.State, "run %d dispatched an account after stop", run)
		}
		require.Zero(t, fc.sentCount(), "run %d broadcast after stop", run)
	}
}

func TestCoordinatorAccountTimeout(t *testing.T) {
	fc := newFakeChain()
	accounts := testAccounts(t, 1)
	fund(fc, accounts)

	fc.sendHook = func(tx *types.Transaction) error {
		time.Sleep(300 * time.Millisecond)
		return errors.New("slow node")
	}

	c := newTestCoordinator(fc, 30*time.Millisecond)
	statuses := c.Run(context.Background(), accounts, twoDests(), MethodPercentage, "average")

	require.Len(t, statuses, 1)
	require.Equal(t, StateError, statuses[0].State)
	require.Contains(t, statuses[0].Err, "may still be processing")
	require.NotNil(t, statuses[0].Balance, "best-effort balance re-read on timeout")
}
