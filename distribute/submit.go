package distribute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"autosepolia/chain"
	"autosepolia/feeprice"
)

// Outcome is the terminal result of one instruction. Pending marks a
// transaction that was durably accepted by the network but not confirmed
// within the polling window; it still counts as succeeded.
type Outcome struct {
	Instruction    *Instruction
	Succeeded      bool
	Pending        bool
	TxHash         common.Hash
	ConfirmedBlock *big.Int
	Err            error
}

// SubmitterConfig carries the retry and polling policy.
type SubmitterConfig struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	MaxAttempts    int
	MinTransferWei *big.Int // abandon reduced amounts below this
}

func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		PollInterval:   2500 * time.Millisecond,
		ConfirmTimeout: 90 * time.Second,
		MaxAttempts:    3,
		MinTransferWei: big.NewInt(1_000_000_000), // 1 gwei of value
	}
}

// escalationPct multiplies the re-resolved price per broadcast attempt,
// in percent. Attempt 1 uses the built price unchanged.
var escalationPct = []int64{100, 130, 160}

// Submitter broadcasts instructions sequentially per account and drives
// each one to a terminal outcome, escalating the fee price on underpriced
// or vanished transactions. Retries reuse the instruction's nonce: the
// prior attempt never confirmed, so the slot is still open.
type Submitter struct {
	reader  chain.Reader
	writer  chain.Writer
	fees    feeprice.Resolver
	chainID *big.Int
	signer  types.Signer
	cfg     SubmitterConfig
	log     log.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSubmitter(reader chain.Reader, writer chain.Writer, fees feeprice.Resolver, chainID *big.Int, cfg SubmitterConfig, logger log.Logger) *Submitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2500 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.MinTransferWei == nil {
		cfg.MinTransferWei = DefaultSubmitterConfig().MinTransferWei
	}
	return &Submitter{
		reader:  reader,
		writer:  writer,
		fees:    fees,
		chainID: chainID,
		signer:  types.NewLondonSigner(chainID),
		cfg:     cfg,
		log:     logger,
		sleep:   sleepCtx,
	}
}

// Submit processes instructions strictly in order. Two instructions from
// the same account never run concurrently; they share a nonce space.
func (s *Submitter) Submit(ctx context.Context, acct *chain.Account, instrs []*Instruction, tier feeprice.Tier) []Outcome {
	outcomes := make([]Outcome, 0, len(instrs))
	for _, in := range instrs {
		o := s.submitOne(ctx, acct, in, tier)
		outcomes = append(outcomes, o)
		if !o.Succeeded {
			// The nonce was never consumed; later instructions may sit
			// behind the gap until this account is processed again.
			s.log.Warn("instruction failed, later nonces may be gapped",
				"from", in.From, "nonce", in.Nonce, "err", o.Err)
		}
	}
	return outcomes
}

// broadcastAttempt pairs a broadcast hash with the instruction it
// carried, so outcomes report the amount actually sent.
type broadcastAttempt struct {
	hash  common.Hash
	instr *Instruction
}

func (s *Submitter) submitOne(ctx context.Context, acct *chain.Account, in *Instruction, tier feeprice.Tier) Outcome {
	amount := new(big.Int).Set(in.Amount)
	reduced := false
	var prevFeeCap *big.Int
	var broadcasts []broadcastAttempt
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		feeCap, tipCap := s.priceFor(ctx, in, tier, attempt, prevFeeCap)
		prevFeeCap = feeCap

		cur := &Instruction{
			From:      in.From,
			To:        in.To,
			Amount:    amount,
			Nonce:     in.Nonce,
			GasFeeCap: feeCap,
			GasTipCap: tipCap,
			GasLimit:  in.GasLimit,
		}
		signed, err := types.SignTx(cur.Tx(s.chainID), s.signer, acct.Key())
		if err != nil {
			return Outcome{Instruction: in, Err: fmt.Errorf("signing failed: %w", err)}
		}
		hash := signed.Hash()

		s.log.Info("broadcasting transfer", "from", cur.From, "to", cur.To,
			"nonce", cur.Nonce, "amount", cur.Amount, "feeCap", feeCap, "attempt", attempt)

		err = s.writer.SendTransaction(ctx, signed)
		switch {
		case err == nil, chain.IsAlreadyKnown(err):
			broadcasts = append(broadcasts, broadcastAttempt{hash: hash, instr: cur})
			o, done := s.awaitConfirmation(ctx, cur, hash)
			if done {
				return o
			}
			// Vanished from the mempool without a receipt: eligible for
			// a re-priced retry on the same nonce.
			lastErr = fmt.Errorf("transaction %s dropped before confirmation", hash)

		case chain.IsInsufficientFunds(err):
			if reduced {
				return Outcome{Instruction: in, Err: fmt.Errorf("insufficient funds after amount reduction: %w", err)}
			}
			amount = new(big.Int).Mul(amount, big.NewInt(90))
			amount.Div(amount, big.NewInt(100))
			if amount.Cmp(s.cfg.MinTransferWei) < 0 {
				return Outcome{Instruction: in, Err: fmt.Errorf("reduced amount %s below minimal transfer: %w", amount, err)}
			}
			reduced = true
			s.log.Warn("insufficient funds at broadcast, retrying with reduced amount",
				"from", in.From, "nonce", in.Nonce, "amount", amount)
			attempt-- // the single amount reduction does not consume an escalation attempt

		case chain.IsNonceTooLow(err):
			// Some earlier attempt for this nonce landed after all.
			if o, ok := s.findLanded(ctx, broadcasts); ok {
				return o
			}
			return Outcome{Instruction: in, Err: fmt.Errorf("nonce %d consumed outside this batch: %w", in.Nonce, err)}

		case chain.IsUnderpriced(err):
			lastErr = err
			s.log.Warn("transaction underpriced, escalating fee",
				"from", in.From, "nonce", in.Nonce, "feeCap", feeCap, "attempt", attempt)

		default:
			lastErr = err
			s.log.Warn("broadcast failed, retrying", "from", in.From,
				"nonce", in.Nonce, "attempt", attempt, "err", err)
		}

		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("broadcast attempts exhausted")
	}
	return Outcome{Instruction: in, Err: fmt.Errorf("gave up after %d attempts: %w", s.cfg.MaxAttempts, lastErr)}
}

// priceFor returns the fee cap and tip for a broadcast attempt. Attempt 1
// keeps the built price; later attempts re-resolve at an escalated tier
// (requested -> average -> fast), boost it by the attempt factor, and are
// forced strictly above the previous cap to satisfy replacement rules.
func (s *Submitter) priceFor(ctx context.Context, in *Instruction, tier feeprice.Tier, attempt int, prevFeeCap *big.Int) (*big.Int, *big.Int) {
	if attempt <= 1 {
		return new(big.Int).Set(in.GasFeeCap), new(big.Int).Set(in.GasTipCap)
	}

	escalated := escalateTier(tier, attempt-1)
	base := in.GasFeeCap
	if quote, err := s.fees.Resolve(ctx, escalated); err == nil {
		base = quote.Price
	} else {
		s.log.Warn("fee re-resolution failed, boosting previous price", "tier", escalated, "err", err)
	}

	pct := escalationPct[len(escalationPct)-1]
	if attempt-1 < len(escalationPct) {
		pct = escalationPct[attempt-1]
	}
	feeCap := new(big.Int).Mul(base, big.NewInt(pct))
	feeCap.Div(feeCap, big.NewInt(100))

	if prevFeeCap != nil && feeCap.Cmp(prevFeeCap) <= 0 {
		// At least +13% over the last attempt, above the node's
		// replacement-price minimum.
		feeCap = new(big.Int).Mul(prevFeeCap, big.NewInt(113))
		feeCap.Div(feeCap, big.NewInt(100))
	}

	tipCap := new(big.Int).Set(in.GasTipCap)
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = new(big.Int).Set(feeCap)
	}
	return feeCap, tipCap
}

func escalateTier(requested feeprice.Tier, step int) feeprice.Tier {
	ladder := []feeprice.Tier{requested, feeprice.TierAverage, feeprice.TierFast}
	if requested == feeprice.TierFast {
		return feeprice.TierFast
	}
	if requested == feeprice.TierAverage {
		ladder = []feeprice.Tier{feeprice.TierAverage, feeprice.TierFast, feeprice.TierFast}
	}
	if step >= len(ladder) {
		step = len(ladder) - 1
	}
	return ladder[step]
}

// awaitConfirmation polls for a receipt until the timeout. done=false
// means the transaction vanished and the caller may retry the nonce.
func (s *Submitter) awaitConfirmation(ctx context.Context, in *Instruction, hash common.Hash) (Outcome, bool) {
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	for {
		receipt, err := s.reader.Receipt(ctx, hash)
		if err != nil {
			s.log.Warn("receipt poll failed", "tx", hash, "err", err)
		} else if receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				s.log.Info("transfer confirmed", "tx", hash, "block", receipt.BlockNumber)
				return Outcome{Instruction: in, Succeeded: true, TxHash: hash, ConfirmedBlock: receipt.BlockNumber}, true
			}
			return Outcome{Instruction: in, TxHash: hash, Err: fmt.Errorf("transaction %s reverted in block %s", hash, receipt.BlockNumber)}, true
		}

		if time.Now().After(deadline) {
			break
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			break
		}
	}

	// Timed out. If the transaction is still in the mempool it was durably
	// accepted; report optimistic pending-success instead of failing.
	tx, _, err := s.reader.TransactionByHash(ctx, hash)
	if err == nil && tx != nil {
		s.log.Info("confirmation window elapsed, transaction still pending", "tx", hash)
		return Outcome{Instruction: in, Succeeded: true, Pending: true, TxHash: hash}, true
	}
	return Outcome{Instruction: in, TxHash: hash}, false
}

// findLanded checks earlier broadcast attempts for one that confirmed or
// is still pending.
func (s *Submitter) findLanded(ctx context.Context, broadcasts []broadcastAttempt) (Outcome, bool) {
	for _, b := range broadcasts {
		if receipt, err := s.reader.Receipt(ctx, b.hash); err == nil && receipt != nil {
			return Outcome{Instruction: b.instr, Succeeded: true, TxHash: b.hash, ConfirmedBlock: receipt.BlockNumber}, true
		}
		if tx, _, err := s.reader.TransactionByHash(ctx, b.hash); err == nil && tx != nil {
			return Outcome{Instruction: b.instr, Succeeded: true, Pending: true, TxHash: b.hash}, true
		}
	}
	return Outcome{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
