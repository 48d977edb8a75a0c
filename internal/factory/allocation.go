package factory

import (
	"hash/fnv"
	"math"
	"sort"

	"golang.org/x/exp/rand"

	"github.com/quantsim/marketsim/internal/domain"
)

// Allocation maps trader index (into the template's trader list) to the
// share quantity of each symbol granted at creation. Every algorithm
// distributes each stock's shares fully.
type Allocation []map[string]int64

// allocationSeed derives the RNG seed for weighted_random from the template
// id, so re-creating an instance from the same template reproduces the same
// initial distribution.
func allocationSeed(templateID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(templateID))
	return h.Sum64()
}

// ComputeAllocation runs the template's declared allocation algorithm.
func ComputeAllocation(tpl *domain.Template) (Allocation, error) {
	n := len(tpl.Traders)
	alloc := make(Allocation, n)
	for i := range alloc {
		alloc[i] = make(map[string]int64)
	}
	if n == 0 {
		return alloc, nil
	}

	switch tpl.Allocation {
	case domain.AllocEqual:
		equalDistribution(tpl, alloc)
	case domain.AllocWeightedRandom:
		weightedRandom(tpl, alloc)
	case domain.AllocRiskBased:
		riskBased(tpl, alloc)
	default:
		return nil, domain.NewError(domain.CodeValidation, "unknown allocation algorithm %q", tpl.Allocation)
	}
	return alloc, nil
}

// equalDistribution gives every trader the same share count per stock, with
// the division remainder going one share each to the first traders.
func equalDistribution(tpl *domain.Template, alloc Allocation) {
	n := int64(len(tpl.Traders))
	for _, stock := range tpl.Stocks {
		base := stock.TotalShares / n
		rem := stock.TotalShares % n
		for i := range tpl.Traders {
			qty := base
			if int64(i) < rem {
				qty++
			}
			if qty > 0 {
				alloc[i][stock.Symbol] = qty
			}
		}
	}
}

// weightedRandom draws a random score per trader per stock, biased by risk
// profile (score = u^(1/w), so higher weights skew toward 1), and splits
// shares proportionally to the scores. The remainder goes to the highest
// scorer.
func weightedRandom(tpl *domain.Template, alloc Allocation) {
	rng := rand.New(rand.NewSource(allocationSeed(tpl.ID)))

	for _, stock := range tpl.Stocks {
		scores := make([]float64, len(tpl.Traders))
		var sum float64
		best := 0
		for i, trader := range tpl.Traders {
			u := rng.Float64()
			scores[i] = math.Pow(u, 1/trader.RiskProfile.AllocationWeight())
			sum += scores[i]
			if scores[i] > scores[best] {
				best = i
			}
		}
		if sum == 0 {
			alloc[best][stock.Symbol] = stock.TotalShares
			continue
		}

		var given int64
		for i := range tpl.Traders {
			qty := int64(float64(stock.TotalShares) * scores[i] / sum)
			if qty > 0 {
				alloc[i][stock.Symbol] = qty
				given += qty
			}
		}
		if rem := stock.TotalShares - given; rem > 0 {
			alloc[best][stock.Symbol] += rem
		}
	}
}

// riskBased matches volatility tiers to risk profiles: the most volatile
// third of stocks (by rank, 1 = most volatile) goes to aggressive traders,
// the middle third to moderate, the calmest to conservative. A tier with no
// matching traders falls back to everyone.
func riskBased(tpl *domain.Template, alloc Allocation) {
	stocks := append([]domain.TemplateStock(nil), tpl.Stocks...)
	sort.SliceStable(stocks, func(i, j int) bool {
		return stocks[i].VolatilityRank < stocks[j].VolatilityRank
	})

	byProfile := map[domain.RiskProfile][]int{}
	all := make([]int, len(tpl.Traders))
	for i, trader := range tpl.Traders {
		byProfile[trader.RiskProfile] = append(byProfile[trader.RiskProfile], i)
		all[i] = i
	}

	tierProfile := func(pos, total int) domain.RiskProfile {
		switch {
		case pos*3 < total:
			return domain.RiskAggressive
		case pos*3 < total*2:
			return domain.RiskModerate
		default:
			return domain.RiskConservative
		}
	}

	for pos, stock := range stocks {
		group := byProfile[tierProfile(pos, len(stocks))]
		if len(group) == 0 {
			group = all
		}
		n := int64(len(group))
		base := stock.TotalShares / n
		rem := stock.TotalShares % n
		for gi, ti := range group {
			qty := base
			if int64(gi) < rem {
				qty++
			}
			if qty > 0 {
				alloc[ti][stock.Symbol] = qty
			}
		}
	}
}
