package feeprice

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"autosepolia/chain"
)

// Tier is a named speed/cost preference.
type Tier string

const (
	TierSlow    Tier = "slow"
	TierAverage Tier = "average"
	TierFast    Tier = "fast"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierSlow, TierAverage, TierFast:
		return Tier(s), nil
	case "":
		return TierAverage, nil
	}
	return "", fmt.Errorf("unknown fee tier %q", s)
}

// Source records which strategy produced a quote.
type Source string

const (
	SourceNode     Source = "node"
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Quote is a resolved gas price for one tier.
type Quote struct {
	Tier       Tier
	Price      *big.Int // wei per gas
	ObservedAt time.Time
	Source     Source
}

// Resolver is the narrow interface the pipeline consumes.
type Resolver interface {
	Resolve(ctx context.Context, tier Tier) (Quote, error)
}

// tierMultipliers scale the node's combined base+tip price per tier,
// in percent.
var tierMultipliers = map[Tier]int64{
	TierSlow:    85,
	TierAverage: 100,
	TierFast:    125,
}

// Policy holds the clamp and cache constants. Zero fields are filled by
// DefaultPolicy values in NewOracle.
type Policy struct {
	CacheTTL time.Duration

	FloorWei    *big.Int // never quote below this
	VeryHighWei *big.Int // above this, prefer the slow tier when materially cheaper
	HardCapWei  *big.Int // above this, clamp to SafeWei
	SafeWei     *big.Int
}

func DefaultPolicy() Policy {
	return Policy{
		CacheTTL:    2 * time.Minute,
		FloorWei:    big.NewInt(params.GWei / 10), // 0.1 gwei
		VeryHighWei: new(big.Int).SetUint64(100 * params.GWei),
		HardCapWei:  new(big.Int).SetUint64(300 * params.GWei),
		SafeWei:     new(big.Int).SetUint64(50 * params.GWei),
	}
}

// fallbackGwei is the hard-coded last-resort price table.
var fallbackGwei = map[Tier]int64{
	TierSlow:    10,
	TierAverage: 20,
	TierFast:    30,
}

// tierPrices is one strategy's full price table, so the high-price
// heuristic can compare the requested tier against slow.
type tierPrices map[Tier]*big.Int

type strategy func(ctx context.Context) (tierPrices, Source, error)

type cacheEntry struct {
	mu    sync.Mutex
	quote Quote
	valid bool
}

// Oracle resolves gas prices through an ordered strategy chain: node fee
// snapshot, external gas oracle, static fallback. Quotes are cached per
// tier; each tier allows a single in-flight refresh.
type Oracle struct {
	policy Policy
	log    log.Logger
	now    func() time.Time

	strategies []strategy

	mu      sync.Mutex
	entries map[Tier]*cacheEntry
}

// NewOracle builds an oracle over the node reader and an optional external
// gas oracle client (nil disables that strategy).
func NewOracle(reader chain.Reader, gasOracle GasOracleClient, policy Policy, logger log.Logger) *Oracle {
	def := DefaultPolicy()
	if policy.CacheTTL == 0 {
		policy.CacheTTL = def.CacheTTL
	}
	if policy.FloorWei == nil {
		policy.FloorWei = def.FloorWei
	}
	if policy.VeryHighWei == nil {
		policy.VeryHighWei = def.VeryHighWei
	}
	if policy.HardCapWei == nil {
		policy.HardCapWei = def.HardCapWei
	}
	if policy.SafeWei == nil {
		policy.SafeWei = def.SafeWei
	}

	o := &Oracle{
		policy:  policy,
		log:     logger,
		now:     time.Now,
		entries: make(map[Tier]*cacheEntry),
	}
	o.strategies = []strategy{o.fromNode(reader)}
	if gasOracle != nil {
		o.strategies = append(o.strategies, o.fromGasOracle(gasOracle))
	}
	o.strategies = append(o.strategies, o.fromFallback)
	return o
}

// SetClock overrides the time source. Tests use this to control cache
// expiry.
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// Resolve returns a price quote for the tier. Every path produces a usable
// quote; only a malformed tier fails.
func (o *Oracle) Resolve(ctx context.Context, tier Tier) (Quote, error) {
	if _, ok := tierMultipliers[tier]; !ok {
		return Quote{}, fmt.Errorf("unknown fee tier %q", tier)
	}

	entry := o.entry(tier)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := o.now()
	if entry.valid && now.Sub(entry.quote.ObservedAt) < o.policy.CacheTTL {
		return entry.quote, nil
	}

	prices, source := o.resolveFresh(ctx)
	price := o.clamp(tier, prices)

	entry.quote = Quote{Tier: tier, Price: price, ObservedAt: now, Source: source}
	entry.valid = true
	return entry.quote, nil
}

func (o *Oracle) entry(tier Tier) *cacheEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[tier]
	if !ok {
		e = &cacheEntry{}
		o.entries[tier] = e
	}
	return e
}

// resolveFresh walks the strategy chain until one produces prices. The
// fallback strategy never misses.
func (o *Oracle) resolveFresh(ctx context.Context) (tierPrices, Source) {
	for _, s := range o.strategies {
		prices, source, err := s(ctx)
		if err != nil {
			o.log.Warn("fee strategy missed, trying next", "err", err)
			continue
		}
		return prices, source
	}
	// Unreachable: fromFallback always succeeds.
	prices, source, _ := o.fromFallback(ctx)
	return prices, source
}

// clamp applies the floor, the prefer-slow heuristic and the hard cap.
func (o *Oracle) clamp(tier Tier, prices tierPrices) *big.Int {
	price := new(big.Int).Set(prices[tier])

	if tier != TierSlow && price.Cmp(o.policy.VeryHighWei) > 0 {
		// Prefer slow when it is at least 20% cheaper: trade speed for
		// predictability instead of overpaying.
		slow := prices[TierSlow]
		threshold := new(big.Int).Mul(price, big.NewInt(80))
		threshold.Div(threshold, big.NewInt(100))
		if slow.Cmp(threshold) <= 0 {
			o.log.Warn("fee price very high, using slow tier price",
				"tier", tier, "price", price, "slow", slow)
			price.Set(slow)
		}
	}
	if price.Cmp(o.policy.HardCapWei) > 0 {
		o.log.Warn("fee price above hard cap, clamping", "price", price, "cap", o.policy.HardCapWei)
		price.Set(o.policy.SafeWei)
	}
	if price.Cmp(o.policy.FloorWei) < 0 {
		price.Set(o.policy.FloorWei)
	}
	return price
}

func (o *Oracle) fromNode(reader chain.Reader) strategy {
	return func(ctx context.Context) (tierPrices, Source, error) {
		snap, err := reader.FeeSnapshot(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("node fee snapshot: %w", err)
		}
		if snap == nil || snap.BaseFee == nil {
			return nil, "", fmt.Errorf("node fee snapshot has no base fee")
		}
		combined := new(big.Int).Set(snap.BaseFee)
		if snap.TipCap != nil {
			combined.Add(combined, snap.TipCap)
		}
		prices := make(tierPrices, len(tierMultipliers))
		for t, pct := range tierMultipliers {
			p := new(big.Int).Mul(combined, big.NewInt(pct))
			p.Div(p, big.NewInt(100))
			prices[t] = p
		}
		return prices, SourceNode, nil
	}
}

func (o *Oracle) fromGasOracle(client GasOracleClient) strategy {
	return func(ctx context.Context) (tierPrices, Source, error) {
		res, err := client.Fetch(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gas oracle: %w", err)
		}
		return tierPrices{
			TierSlow:    res.Safe,
			TierAverage: res.Propose,
			TierFast:    res.Fast,
		}, SourceOracle, nil
	}
}

func (o *Oracle) fromFallback(context.Context) (tierPrices, Source, error) {
	prices := make(tierPrices, len(fallbackGwei))
	for t, gwei := range fallbackGwei {
		prices[t] = new(big.Int).Mul(big.NewInt(gwei), big.NewInt(params.GWei))
	}
	return prices, SourceFallback, nil
}
