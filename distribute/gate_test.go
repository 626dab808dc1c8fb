package distribute

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"autosepolia/chain"
)

func TestGateBoundary(t *testing.T) {
	fc := newFakeChain()
	acct, err := chain.NewAccount(testKey)
	require.NoError(t, err)

	// Fee-derived minimum: 3 * 21000 * 1 gwei = 63000 gwei. Absolute
	// floor below that so the adaptive term wins.
	fees := newFixedFees(params.GWei, params.GWei, params.GWei)
	gate := NewBalanceGate(fc, fees, big.NewInt(1), 3)

	min := new(big.Int).Mul(big.NewInt(3*21000), big.NewInt(params.GWei))

	fc.balances[acct.Address()] = new(big.Int).Set(min)
	res, err := gate.Check(context.Background(), acct.Address())
	require.NoError(t, err)
	require.Equal(t, min, res.MinRequired)
	require.True(t, res.Sufficient, "balance exactly at minimum must pass")

	fc.balances[acct.Address()] = new(big.Int).Sub(min, big.NewInt(1))
	res, err = gate.Check(context.Background(), acct.Address())
	require.NoError(t, err)
	require.False(t, res.Sufficient, "one wei below minimum must fail")
}

func TestGateAbsoluteFloorWins(t *testing.T) {
	fc := newFakeChain()
	acct, err := chain.NewAccount(testKey)
	require.NoError(t, err)

	// 0.005 ETH floor dwarfs the fee term at 1 wei gas.
	floor := big.NewInt(5_000_000_000_000_000)
	fees := newFixedFees(1, 1, 1)
	gate := NewBalanceGate(fc, fees, floor, 3)

	// Scenario: 0.004 ETH balance against a 0.005 ETH floor.
	fc.balances[acct.Address()] = big.NewInt(4_000_000_000_000_000)
	res, err := gate.Check(context.Background(), acct.Address())
	require.NoError(t, err)
	require.Equal(t, floor, res.MinRequired)
	require.False(t, res.Sufficient)
}

func TestGateTransportError(t *testing.T) {
	fc := newFakeChain()
	fc.balanceErr = errors.New("connection reset")
	acct, err := chain.NewAccount(testKey)
	require.NoError(t, err)

	gate := NewBalanceGate(fc, newFixedFees(1, 1, 1), big.NewInt(1), 3)
	_, err = gate.Check(context.Background(), acct.Address())
	require.Error(t, err)
}
