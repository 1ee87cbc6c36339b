package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// RatePolicy maps a node's stake to an allowed request budget. Implementations
// must be monotonic non-decreasing in stake for a fixed total.
type RatePolicy interface {
	Budget(stake, totalStake float64) int
}

// RatePolicyFunc adapts a function to RatePolicy.
type RatePolicyFunc func(stake, totalStake float64) int

// Budget implements RatePolicy.
func (f RatePolicyFunc) Budget(stake, totalStake float64) int { return f(stake, totalStake) }

// ShareOfPool grants every node Base requests plus its stake share of Pool:
//
//	budget = Base + floor(Pool * stake / totalStake)
//
// With a zero total stake every node receives Base.
type ShareOfPool struct {
	Base int
	Pool int
}

// Budget implements RatePolicy.
func (p ShareOfPool) Budget(stake, totalStake float64) int {
	if totalStake <= 0 || stake <= 0 || p.Pool <= 0 {
		return p.Base
	}
	share := stake / totalStake
	if share > 1 {
		share = 1
	}
	return p.Base + int(math.Floor(float64(p.Pool)*share))
}

// Tier is one step of a Tiered policy.
type Tier struct {
	MinStake float64
	Budget   int
}

// Tiered grants the budget of the highest tier whose MinStake the node meets.
// Nodes below every tier get zero.
type Tiered struct {
	tiers []Tier
}

// NewTiered validates tiers and returns the policy. Budgets must not decrease
// as MinStake increases.
func NewTiered(tiers []Tier) (*Tiered, error) {
	if len(tiers) == 0 {
		return nil, errors.New("registry: tiered policy needs at least one tier")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinStake < sorted[j].MinStake })
	for i, tier := range sorted {
		if tier.Budget < 0 {
			return nil, fmt.Errorf("registry: tier %d has negative budget", i)
		}
		if i > 0 && tier.Budget < sorted[i-1].Budget {
			return nil, fmt.Errorf("registry: tier at stake %v lowers budget from %d to %d",
				tier.MinStake, sorted[i-1].Budget, tier.Budget)
		}
	}
	return &Tiered{tiers: sorted}, nil
}

// Budget implements RatePolicy.
func (t *Tiered) Budget(stake, _ float64) int {
	budget := 0
	for _, tier := range t.tiers {
		if stake < tier.MinStake {
			break
		}
		budget = tier.Budget
	}
	return budget
}

// RateLimitEstimator turns a snapshot into per-uid request budgets.
type RateLimitEstimator struct {
	policy RatePolicy
}

// NewRateLimitEstimator builds an estimator. A nil policy falls back to
// ShareOfPool{Base: 1, Pool: 1000}.
func NewRateLimitEstimator(policy RatePolicy) *RateLimitEstimator {
	if policy == nil {
		policy = ShareOfPool{Base: 1, Pool: 1000}
	}
	return &RateLimitEstimator{policy: policy}
}

// Estimate returns budgets for every node with stake >= minStake. Nodes below
// the threshold are absent from the result.
func (e *RateLimitEstimator) Estimate(snap *Snapshot, minStake float64) map[uint16]int {
	out := make(map[uint16]int)
	if snap == nil {
		return out
	}
	total := snap.TotalStake()
	for _, node := range snap.nodes {
		if node.Stake < minStake {
			continue
		}
		budget := e.policy.Budget(node.Stake, total)
		if budget < 0 {
			budget = 0
		}
		out[node.UID] = budget
	}
	return out
}

// BudgetFor returns the budget of the node registered under hotkey. The
// boolean is false when the hotkey is absent from snap.
func (e *RateLimitEstimator) BudgetFor(snap *Snapshot, hotkey string) (int, bool) {
	if snap == nil {
		return 0, false
	}
	node, ok := snap.LookupHotkey(hotkey)
	if !ok {
		return 0, false
	}
	budget := e.policy.Budget(node.Stake, snap.TotalStake())
	if budget < 0 {
		budget = 0
	}
	return budget, true
}
