package entities

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities/strategy"
	"github.com/quantsim/marketsim/internal/sim/object"
)

// Market is the exchange surface a trader interacts with. The exchange
// implements it; traders hold it as an interface so they never reach into
// exchange internals.
type Market interface {
	// Prices returns current price per symbol.
	Prices() map[string]float64
	// PriceWindow returns up to n most recent prices of symbol, oldest
	// first.
	PriceWindow(symbol string, n int) []float64
	// ExecuteTrade applies a trade against the stock ledger at the current
	// price and records it. Returns the execution price.
	ExecuteTrade(traderID int64, symbol string, side strategy.Side, qty int64) (float64, error)
	// SimNow returns the exchange's simulated time.
	SimNow() time.Time
}

// Holding is one open position of a trader.
type Holding struct {
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avgCost"`
}

// Trade is one executed trade, recorded in the trader's bounded log.
type Trade struct {
	Time     time.Time     `json:"time"`
	TraderID int64         `json:"traderId"`
	Symbol   string        `json:"symbol"`
	Side     strategy.Side `json:"side"`
	Quantity int64         `json:"quantity"`
	Price    float64       `json:"price"`
	Total    float64       `json:"total"`
}

// AITrader is an independent capital/position machine. Each tick it consults
// its strategy and may emit at most one buy or sell per symbol; any trade
// that would violate its invariants is silently skipped.
type AITrader struct {
	object.Base

	name         string
	riskProfile  domain.RiskProfile
	tradingStyle domain.TradingStyle
	maxPositions int
	params       map[string]string
	decide       strategy.Strategy

	market Market

	mu             sync.RWMutex
	initialCapital decimal.Decimal
	capital        decimal.Decimal
	holdings       map[string]*Holding
	tradeLog       []Trade
	tradeLogCap    int
}

// NewTrader validates the template spec and constructs a trader with its
// full initial capital in cash.
func NewTrader(spec domain.TemplateTrader, tradeLogCap int) (*AITrader, error) {
	if spec.Name == "" {
		return nil, domain.NewError(domain.CodeValidation, "trader name must not be empty")
	}
	if !spec.RiskProfile.Valid() {
		return nil, domain.NewError(domain.CodeValidation, "trader %s: unknown risk profile %q", spec.Name, spec.RiskProfile)
	}
	if !spec.TradingStyle.Valid() {
		return nil, domain.NewError(domain.CodeValidation, "trader %s: unknown trading style %q", spec.Name, spec.TradingStyle)
	}
	if spec.MaxPositions < 1 {
		return nil, domain.NewError(domain.CodeValidation, "trader %s: max positions must be positive, got %d", spec.Name, spec.MaxPositions)
	}
	if spec.InitialCapital <= 0 {
		return nil, domain.NewError(domain.CodeValidation, "trader %s: initial capital must be positive, got %g", spec.Name, spec.InitialCapital)
	}
	if tradeLogCap < 1 {
		tradeLogCap = 1000
	}

	capital := decimal.NewFromFloat(spec.InitialCapital).Round(2)
	return &AITrader{
		name:           spec.Name,
		riskProfile:    spec.RiskProfile,
		tradingStyle:   spec.TradingStyle,
		maxPositions:   spec.MaxPositions,
		params:         spec.StrategyParams,
		decide:         strategy.New(spec.RiskProfile, spec.TradingStyle),
		initialCapital: capital,
		capital:        capital,
		holdings:       make(map[string]*Holding),
		tradeLogCap:    tradeLogCap,
	}, nil
}

// Kind implements object.Object.
func (t *AITrader) Kind() string { return "trader" }

// BeginPlay implements object.Object.
func (t *AITrader) BeginPlay() error { return nil }

// EndPlay detaches the trader from its market.
func (t *AITrader) EndPlay() error {
	t.market = nil
	return nil
}

// AttachMarket wires the trader to its exchange. Called once during
// instance creation, before the loop starts.
func (t *AITrader) AttachMarket(m Market) { t.market = m }

// Name returns the trader's display name.
func (t *AITrader) Name() string { return t.name }

// RiskProfile returns the trader's risk classification.
func (t *AITrader) RiskProfile() domain.RiskProfile { return t.riskProfile }

// TradingStyle returns the trader's holding horizon.
func (t *AITrader) TradingStyle() domain.TradingStyle { return t.tradingStyle }

// MaxPositions returns the position limit.
func (t *AITrader) MaxPositions() int { return t.maxPositions }

// StrategyParams returns the opaque strategy parameter map.
func (t *AITrader) StrategyParams() map[string]string { return t.params }

// InitialCapital returns the starting cash.
func (t *AITrader) InitialCapital() float64 {
	f, _ := t.initialCapital.Float64()
	return f
}

// Capital returns current cash. Never negative.
func (t *AITrader) Capital() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, _ := t.capital.Float64()
	return f
}

// Holdings returns a copy of the trader's open positions.
func (t *AITrader) Holdings() map[string]Holding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Holding, len(t.holdings))
	for sym, h := range t.holdings {
		out[sym] = *h
	}
	return out
}

// Trades returns up to limit most recent trades, oldest first.
func (t *AITrader) Trades(limit int) []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.tradeLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Trade, n)
	copy(out, t.tradeLog[len(t.tradeLog)-n:])
	return out
}

// GrantShares credits an initial allocation at the given cost basis without
// charging capital. Used by the creation pipeline only.
func (t *AITrader) GrantShares(symbol string, qty int64, costBasis float64) {
	if qty <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addPosition(symbol, qty, decimal.NewFromFloat(costBasis))
}

// addPosition merges qty shares at unit cost into the holding, maintaining
// the weighted average cost. Caller holds the lock.
func (t *AITrader) addPosition(symbol string, qty int64, unitCost decimal.Decimal) {
	h, ok := t.holdings[symbol]
	if !ok {
		t.holdings[symbol] = &Holding{Quantity: qty, AvgCost: unitCost.Round(2)}
		return
	}
	oldQty := decimal.NewFromInt(h.Quantity)
	newQty := decimal.NewFromInt(qty)
	totalCost := h.AvgCost.Mul(oldQty).Add(unitCost.Mul(newQty))
	h.Quantity += qty
	h.AvgCost = totalCost.Div(decimal.NewFromInt(h.Quantity)).Round(2)
}

// Tick consults the strategy and applies its intents. Trades that would
// break capital or position invariants are skipped silently.
func (t *AITrader) Tick(delta time.Duration) error {
	if t.market == nil {
		return nil
	}

	ctx := t.buildContext()
	for _, intent := range t.decide.Decide(ctx) {
		t.apply(intent)
	}
	return nil
}

// buildContext snapshots the trader's view of the market and itself.
func (t *AITrader) buildContext() strategy.Context {
	t.mu.RLock()
	holdings := make(map[string]strategy.Holding, len(t.holdings))
	for sym, h := range t.holdings {
		cost, _ := h.AvgCost.Float64()
		holdings[sym] = strategy.Holding{Quantity: h.Quantity, AvgCost: cost}
	}
	capital, _ := t.capital.Float64()
	t.mu.RUnlock()

	return strategy.Context{
		Prices:       t.market.Prices(),
		Window:       t.market.PriceWindow,
		Holdings:     holdings,
		Capital:      capital,
		MaxPositions: t.maxPositions,
		Params:       t.params,
	}
}

// apply executes a single intent against the market and the trader's books.
func (t *AITrader) apply(intent strategy.Intent) {
	if intent.Quantity <= 0 {
		return
	}

	switch intent.Side {
	case strategy.Buy:
		t.applyBuy(intent)
	case strategy.Sell:
		t.applySell(intent)
	}
}

func (t *AITrader) applyBuy(intent strategy.Intent) {
	t.mu.Lock()
	if _, held := t.holdings[intent.Symbol]; !held && len(t.holdings) >= t.maxPositions {
		t.mu.Unlock()
		return
	}
	capital := t.capital
	t.mu.Unlock()

	prices := t.market.Prices()
	price, ok := prices[intent.Symbol]
	if !ok || price <= 0 {
		return
	}

	// Shrink the order to what cash covers rather than violating the
	// capital invariant.
	qty := intent.Quantity
	unit := decimal.NewFromFloat(price)
	cost := unit.Mul(decimal.NewFromInt(qty)).Round(2)
	if cost.GreaterThan(capital) {
		maxQty := capital.Div(unit).IntPart()
		if maxQty <= 0 {
			return
		}
		qty = maxQty
		cost = unit.Mul(decimal.NewFromInt(qty)).Round(2)
	}

	executed, err := t.market.ExecuteTrade(t.ObjectID(), intent.Symbol, strategy.Buy, qty)
	if err != nil {
		return
	}
	unit = decimal.NewFromFloat(executed)
	cost = unit.Mul(decimal.NewFromInt(qty)).Round(2)

	t.mu.Lock()
	t.capital = t.capital.Sub(cost)
	t.addPosition(intent.Symbol, qty, unit)
	t.record(Trade{
		Time: t.market.SimNow(), TraderID: t.ObjectID(), Symbol: intent.Symbol,
		Side: strategy.Buy, Quantity: qty, Price: executed, Total: mustFloat(cost),
	})
	t.mu.Unlock()
}

func (t *AITrader) applySell(intent strategy.Intent) {
	t.mu.Lock()
	h, held := t.holdings[intent.Symbol]
	if !held {
		t.mu.Unlock()
		return
	}
	qty := intent.Quantity
	if qty > h.Quantity {
		qty = h.Quantity
	}
	t.mu.Unlock()
	if qty <= 0 {
		return
	}

	executed, err := t.market.ExecuteTrade(t.ObjectID(), intent.Symbol, strategy.Sell, qty)
	if err != nil {
		return
	}

	unit := decimal.NewFromFloat(executed)
	proceeds := unit.Mul(decimal.NewFromInt(qty)).Round(2)

	t.mu.Lock()
	t.capital = t.capital.Add(proceeds)
	h.Quantity -= qty
	if h.Quantity == 0 {
		delete(t.holdings, intent.Symbol)
	}
	t.record(Trade{
		Time: t.market.SimNow(), TraderID: t.ObjectID(), Symbol: intent.Symbol,
		Side: strategy.Sell, Quantity: qty, Price: executed, Total: mustFloat(proceeds),
	})
	t.mu.Unlock()
}

// record appends to the bounded trade log. Caller holds the lock.
func (t *AITrader) record(trade Trade) {
	t.tradeLog = append(t.tradeLog, trade)
	if len(t.tradeLog) > t.tradeLogCap {
		t.tradeLog = t.tradeLog[len(t.tradeLog)-t.tradeLogCap:]
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
