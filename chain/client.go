package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum"
	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const readAttempts = 3

var _ Reader = (*EthClient)(nil)
var _ Writer = (*EthClient)(nil)

// FeeSnapshot is the node's current view of fee conditions. Either field
// may be nil on nodes that do not report it.
type FeeSnapshot struct {
	BaseFee *big.Int
	TipCap  *big.Int
}

// Reader is the read side of the network consumed by the pipeline.
type Reader interface {
	BalanceAt(ctx context.Context, addr ethcmn.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr ethcmn.Address) (uint64, error)
	FeeSnapshot(ctx context.Context) (*FeeSnapshot, error)
	Receipt(ctx context.Context, txHash ethcmn.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash ethcmn.Hash) (*types.Transaction, bool, error)
}

// Writer broadcasts signed transactions. Broadcast is irreversible: a
// transaction accepted by the node cannot be recalled.
type Writer interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthClient wraps the ethereum client with pooled connections and bounded
// retry on reads.
type EthClient struct {
	*ethclient.Client
	rpcClient *rpc.Client
	chainID   *big.Int
}

// pooledHTTPClient keeps connections alive across the many small JSON-RPC
// calls the pipeline makes.
func pooledHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 32,
			MaxConnsPerHost:     32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Dial connects to an RPC endpoint and caches the chain id.
func Dial(ctx context.Context, url string) (*EthClient, error) {
	rpcClient, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(pooledHTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rpc client: %w", err)
	}

	cli := ethclient.NewClient(rpcClient)
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	return &EthClient{cli, rpcClient, chainID}, nil
}

func (e *EthClient) BalanceAt(ctx context.Context, addr ethcmn.Address) (*big.Int, error) {
	return retry.Do(ctx, readAttempts, retry.Exponential(), func() (*big.Int, error) {
		return e.Client.BalanceAt(ctx, addr, nil)
	})
}

// PendingNonceAt returns the account's next nonce including transactions
// still in the mempool.
func (e *EthClient) PendingNonceAt(ctx context.Context, addr ethcmn.Address) (uint64, error) {
	return retry.Do(ctx, readAttempts, retry.Exponential(), func() (uint64, error) {
		return e.Client.PendingNonceAt(ctx, addr)
	})
}

func (e *EthClient) FeeSnapshot(ctx context.Context) (*FeeSnapshot, error) {
	return retry.Do(ctx, readAttempts, retry.Exponential(), func() (*FeeSnapshot, error) {
		head, err := e.Client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, err
		}
		snap := &FeeSnapshot{BaseFee: head.BaseFee}
		tip, err := e.Client.SuggestGasTipCap(ctx)
		if err == nil {
			snap.TipCap = tip
		}
		return snap, nil
	})
}

// Receipt returns nil without error while the transaction is unconfirmed.
func (e *EthClient) Receipt(ctx context.Context, txHash ethcmn.Hash) (*types.Receipt, error) {
	r, err := e.Client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// TransactionByHash returns (nil, false, nil) when the transaction is not
// known to the node at all.
func (e *EthClient) TransactionByHash(ctx context.Context, txHash ethcmn.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := e.Client.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	return tx, pending, err
}

func (e *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return e.Client.SendTransaction(ctx, tx)
}

// ChainID returns the id cached at Dial. It shadows the embedded
// client's RPC-backed method.
func (e *EthClient) ChainID() *big.Int {
	return e.chainID
}
