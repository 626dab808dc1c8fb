package distribute

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"autosepolia/chain"
	"autosepolia/feeprice"
)

// State is the lifecycle of one source account within a batch:
// idle -> processing -> {success, error}, or idle -> low_balance.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
	StateLowBalance State = "low_balance"
)

// AccountStatus is the per-account result of a batch. Partial success is
// still success: any confirmed or durably pending transfer counts.
type AccountStatus struct {
	Address  common.Address
	State    State
	Balance  *big.Int
	Err      string
	Outcomes []Outcome
}

// CoordinatorConfig bounds batch concurrency and per-account runtime.
type CoordinatorConfig struct {
	Workers        int
	AccountTimeout time.Duration
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Workers:        4,
		AccountTimeout: 4 * time.Minute,
	}
}

// Coordinator runs the gate -> plan -> build -> submit pipeline once per
// source account. Accounts are independent nonce spaces and run in
// parallel under a worker limit; within one account everything is
// sequential.
type Coordinator struct {
	gate      *BalanceGate
	planner   *Planner
	builder   *Builder
	submitter *Submitter
	reader    chain.Reader
	fees      feeprice.Resolver
	cfg       CoordinatorConfig
	log       log.Logger
}

func NewCoordinator(gate *BalanceGate, planner *Planner, builder *Builder, submitter *Submitter,
	reader chain.Reader, fees feeprice.Resolver, cfg CoordinatorConfig, logger log.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultCoordinatorConfig().Workers
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = DefaultCoordinatorConfig().AccountTimeout
	}
	return &Coordinator{
		gate:      gate,
		planner:   planner,
		builder:   builder,
		submitter: submitter,
		reader:    reader,
		fees:      fees,
		cfg:       cfg,
		log:       logger,
	}
}

// Run processes the batch and returns one status per account in input
// order. Cancelling ctx stops scheduling accounts that have not started;
// broadcasts already in flight are irreversible and are left to land.
func (c *Coordinator) Run(ctx context.Context, accounts []*chain.Account, dests []Destination, method Method, tier feeprice.Tier) []AccountStatus {
	batchID := uuid.New()
	logger := c.log.New("batch", batchID)
	logger.Info("starting distribution batch",
		"accounts", len(accounts), "destinations", len(dests), "method", method, "tier", tier)

	statuses := make([]AccountStatus, len(accounts))
	for i, acct := range accounts {
		statuses[i] = AccountStatus{Address: acct.Address(), State: StateIdle}
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := c.cfg.Workers
	if workers > len(accounts) {
		workers = len(accounts)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				statuses[i] = c.runAccount(ctx, logger, accounts[i], dests, method, tier)
			}
		}()
	}

scheduling:
	for i := range accounts {
		// A blocking select alone is not enough: when the context is
		// already cancelled and a worker is ready to receive, either
		// case may win. Check cancellation first so an observed stop
		// always prevents the dispatch.
		if ctx.Err() != nil {
			logger.Warn("stop requested, remaining accounts not scheduled", "remaining", len(accounts)-i)
			break scheduling
		}
		select {
		case <-ctx.Done():
			logger.Warn("stop requested, remaining accounts not scheduled", "remaining", len(accounts)-i)
			break scheduling
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	logger.Info("distribution batch finished", "summary", summarize(statuses))
	return statuses
}

// runAccount wraps the per-account pipeline in an advisory timeout. On
// trip the pipeline goroutine is left running (broadcasts cannot be
// revoked) and the account reports an error with a best-effort balance.
func (c *Coordinator) runAccount(ctx context.Context, logger log.Logger, acct *chain.Account, dests []Destination, method Method, tier feeprice.Tier) AccountStatus {
	done := make(chan AccountStatus, 1)
	go func() {
		done <- c.processAccount(ctx, logger, acct, dests, method, tier)
	}()

	timer := time.NewTimer(c.cfg.AccountTimeout)
	defer timer.Stop()

	select {
	case status := <-done:
		return status
	case <-timer.C:
		logger.Warn("account pipeline timed out", "account", acct.Address())
		return AccountStatus{
			Address: acct.Address(),
			State:   StateError,
			Balance: c.rereadBalance(acct.Address()),
			Err:     "timed out; transactions may still be processing",
		}
	}
}

func (c *Coordinator) processAccount(ctx context.Context, logger log.Logger, acct *chain.Account, dests []Destination, method Method, tier feeprice.Tier) AccountStatus {
	addr := acct.Address()
	status := AccountStatus{Address: addr, State: StateIdle}

	gate, err := c.gate.Check(ctx, addr)
	if err != nil {
		status.State = StateError
		status.Err = err.Error()
		return status
	}
	status.Balance = gate.Balance

	if !gate.Sufficient {
		logger.Info("balance below operating minimum", "account", addr,
			"balance", gate.Balance, "minRequired", gate.MinRequired)
		status.State = StateLowBalance
		return status
	}

	status.State = StateProcessing
	logger.Info("processing account", "account", addr, "balance", gate.Balance)

	quote, err := c.fees.Resolve(ctx, tier)
	if err != nil {
		return c.fail(status, fmt.Errorf("fee resolution: %w", err))
	}

	allocs, err := c.planner.Plan(gate.Balance, dests, quote, method)
	if err != nil {
		return c.fail(status, fmt.Errorf("planning: %w", err))
	}

	instrs, err := c.builder.Build(ctx, acct, allocs, quote)
	if err != nil {
		return c.fail(status, fmt.Errorf("building: %w", err))
	}

	status.Outcomes = c.submitter.Submit(ctx, acct, instrs, tier)

	succeeded := 0
	var failures []string
	for _, o := range status.Outcomes {
		if o.Succeeded {
			succeeded++
		} else if o.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.Instruction.To, o.Err))
		}
	}

	if succeeded > 0 {
		status.State = StateSuccess
		if b := c.rereadBalance(addr); b != nil {
			status.Balance = b
		}
		logger.Info("account distribution complete", "account", addr,
			"succeeded", succeeded, "failed", len(status.Outcomes)-succeeded, "balance", status.Balance)
		return status
	}

	status.State = StateError
	status.Err = "all transfers failed: " + strings.Join(failures, "; ")
	if b := c.rereadBalance(addr); b != nil {
		status.Balance = b
	}
	return status
}

func (c *Coordinator) fail(status AccountStatus, err error) AccountStatus {
	status.State = StateError
	status.Err = err.Error()
	return status
}

// rereadBalance is best-effort and deliberately independent of the batch
// context, which may already be cancelled or expired.
func (c *Coordinator) rereadBalance(addr common.Address) *big.Int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance, err := c.reader.BalanceAt(ctx, addr)
	if err != nil {
		c.log.Warn("balance re-read failed", "account", addr, "err", err)
		return nil
	}
	return balance
}

func summarize(statuses []AccountStatus) string {
	counts := map[State]int{}
	for _, s := range statuses {
		counts[s.State]++
	}
	parts := make([]string, 0, len(counts))
	for _, state := range []State{StateSuccess, StateError, StateLowBalance, StateIdle, StateProcessing} {
		if counts[state] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
		}
	}
	return strings.Join(parts, " ")
}
