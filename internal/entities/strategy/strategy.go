// Package strategy holds the pure decision functions AI traders consult each
// tick. A strategy sees a read-only market context and returns trade
// intents; it never mutates state, so the same context always produces the
// same intents.
package strategy

import (
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/quantsim/marketsim/internal/domain"
)

// Side is the direction of a trade intent.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Intent is one desired trade. Strategies emit at most one intent per
// symbol per tick.
type Intent struct {
	Symbol   string
	Side     Side
	Quantity int64
}

// Holding is a read-only view of one position.
type Holding struct {
	Quantity int64
	AvgCost  float64
}

// Context is the market view handed to a strategy: current prices, a price
// history accessor, and the trader's own position and capital.
type Context struct {
	Prices       map[string]float64
	Window       func(symbol string, n int) []float64
	Holdings     map[string]Holding
	Capital      float64
	MaxPositions int
	Params       map[string]string
}

// Strategy decides trade intents from a market context.
type Strategy interface {
	Decide(ctx Context) []Intent
}

// horizon groups the style-dependent tuning of a strategy.
type horizon struct {
	fastPeriod int
	slowPeriod int
}

func horizonFor(style domain.TradingStyle) horizon {
	switch style {
	case domain.StyleDay:
		return horizon{fastPeriod: 3, slowPeriod: 8}
	case domain.StylePosition:
		return horizon{fastPeriod: 10, slowPeriod: 40}
	default: // swing
		return horizon{fastPeriod: 5, slowPeriod: 20}
	}
}

// New selects the decision function for a risk profile and trading style.
func New(risk domain.RiskProfile, style domain.TradingStyle) Strategy {
	h := horizonFor(style)
	switch risk {
	case domain.RiskAggressive:
		return &aggressive{h: h}
	case domain.RiskModerate:
		return &moderate{h: h}
	default:
		return &conservative{h: h}
	}
}

// sortedSymbols returns the context's symbols in deterministic order.
func sortedSymbols(ctx Context) []string {
	symbols := make([]string, 0, len(ctx.Prices))
	for sym := range ctx.Prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// sma returns the simple moving average of the last period values, or the
// plain mean when history is still shorter than the period.
func sma(window []float64, period int) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}
	if len(window) >= period {
		out := talib.Sma(window, period)
		return out[len(out)-1], true
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window)), true
}

// momentum returns the last momentum value over period, if enough history.
func momentum(window []float64, period int) (float64, bool) {
	if len(window) <= period {
		return 0, false
	}
	out := talib.Mom(window, period)
	return out[len(out)-1], true
}

// affordable returns how many shares of price a budget buys, floored.
func affordable(budget, price float64) int64 {
	if price <= 0 || budget <= 0 {
		return 0
	}
	return int64(budget / price)
}

// conservative takes profit at +20% from cost and never sells below that.
// It buys cautiously: small positions, preferring symbols trading below
// their moving average, and never more than maxPositions symbols.
type conservative struct {
	h horizon
}

func (s *conservative) Decide(ctx Context) []Intent {
	var intents []Intent

	// Take-profit exits only.
	for _, sym := range sortedSymbols(ctx) {
		holding, held := ctx.Holdings[sym]
		if !held || holding.AvgCost <= 0 {
			continue
		}
		if ctx.Prices[sym] >= holding.AvgCost*1.20 {
			intents = append(intents, Intent{Symbol: sym, Side: Sell, Quantity: holding.Quantity})
		}
	}

	if len(ctx.Holdings) >= ctx.MaxPositions {
		return intents
	}

	// One cautious entry per tick: 10% of capital into the deepest dip
	// below the slow average among symbols not yet held.
	bestSym := ""
	bestDip := 0.0
	for _, sym := range sortedSymbols(ctx) {
		if _, held := ctx.Holdings[sym]; held {
			continue
		}
		price := ctx.Prices[sym]
		avg, ok := sma(ctx.Window(sym, s.h.slowPeriod), s.h.slowPeriod)
		if !ok || avg <= 0 {
			continue
		}
		dip := price/avg - 1
		if dip <= 0 && (bestSym == "" || dip < bestDip) {
			bestSym = sym
			bestDip = dip
		}
	}
	if bestSym != "" {
		if qty := affordable(ctx.Capital*0.10, ctx.Prices[bestSym]); qty > 0 {
			intents = append(intents, Intent{Symbol: bestSym, Side: Buy, Quantity: qty})
		}
	}

	return intents
}

// moderate trades a moving-average crossover with a stop loss.
type moderate struct {
	h horizon
}

func (s *moderate) Decide(ctx Context) []Intent {
	var intents []Intent

	for _, sym := range sortedSymbols(ctx) {
		price := ctx.Prices[sym]
		window := ctx.Window(sym, s.h.slowPeriod+1)
		fast, okFast := sma(window, s.h.fastPeriod)
		slow, okSlow := sma(window, s.h.slowPeriod)
		if !okFast || !okSlow {
			continue
		}

		holding, held := ctx.Holdings[sym]
		switch {
		case held && holding.AvgCost > 0 && price <= holding.AvgCost*0.92:
			// Stop loss.
			intents = append(intents, Intent{Symbol: sym, Side: Sell, Quantity: holding.Quantity})
		case held && fast < slow && holding.AvgCost > 0 && price >= holding.AvgCost*1.05:
			intents = append(intents, Intent{Symbol: sym, Side: Sell, Quantity: holding.Quantity})
		case !held && fast > slow && len(ctx.Holdings) < ctx.MaxPositions:
			if qty := affordable(ctx.Capital*0.20, price); qty > 0 {
				intents = append(intents, Intent{Symbol: sym, Side: Buy, Quantity: qty})
			}
		}
	}

	return intents
}

// aggressive chases momentum with larger position sizes and a tight
// take-profit.
type aggressive struct {
	h horizon
}

func (s *aggressive) Decide(ctx Context) []Intent {
	var intents []Intent

	for _, sym := range sortedSymbols(ctx) {
		price := ctx.Prices[sym]
		mom, ok := momentum(ctx.Window(sym, s.h.slowPeriod+1), s.h.fastPeriod)
		if !ok {
			continue
		}

		holding, held := ctx.Holdings[sym]
		switch {
		case held && (mom < 0 || (holding.AvgCost > 0 && price >= holding.AvgCost*1.10)):
			intents = append(intents, Intent{Symbol: sym, Side: Sell, Quantity: holding.Quantity})
		case !held && mom > 0 && len(ctx.Holdings) < ctx.MaxPositions:
			if qty := affordable(ctx.Capital*0.30, price); qty > 0 {
				intents = append(intents, Intent{Symbol: sym, Side: Buy, Quantity: qty})
			}
		}
	}

	return intents
}
