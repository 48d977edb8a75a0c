package entities

import (
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities/strategy"
	"github.com/quantsim/marketsim/internal/series"
	"github.com/quantsim/marketsim/internal/sim/clock"
	"github.com/quantsim/marketsim/internal/sim/object"
	"github.com/quantsim/marketsim/internal/sim/registry"
)

// priceWindowCap bounds the per-symbol price history kept for strategies.
const priceWindowCap = 256

// TradeSink receives every executed trade. The controller wires it to the
// push bus.
type TradeSink func(Trade)

// ExchangeConfig holds exchange construction parameters.
type ExchangeConfig struct {
	Spec       domain.TemplateExchange
	TemplateID string
	// SeriesPrefix keys this exchange's series (usually the instance id).
	SeriesPrefix string
	Series       *series.Manager
	Registry     *registry.Registry
	TradeLogCap  int
	// Seed drives the price-walk RNG; 0 draws from the wall clock.
	Seed uint64
}

// Exchange owns the simulated clock and coordinates the market each frame:
// it advances simulated time, walks stock prices, and emits raw series
// points. Traders reach it through the Market interface.
type Exchange struct {
	object.Base

	name           string
	description    string
	templateID     string
	seriesPrefix   string
	sampleInterval int
	drift          float64
	maxVolatility  float64
	createdAt      time.Time

	clk     *clock.Clock
	series  *series.Manager
	reg     *registry.Registry
	normal  distuv.Normal
	onTrade TradeSink

	mu          sync.RWMutex
	stockIDs    map[string]int64
	symbols     []string // insertion order
	traderIDs   []int64
	prices      map[string]float64
	windows     map[string][]float64
	frameVolume map[string]float64
	frame       int64
	tradeLog    []Trade
	tradeLogCap int
}

// NewExchange constructs an exchange with a manual simulated clock starting
// at the current wall time.
func NewExchange(cfg ExchangeConfig) (*Exchange, error) {
	spec := cfg.Spec
	if spec.Acceleration == 0 {
		spec.Acceleration = 1
	}
	clk, err := clock.NewManual(time.Now().UTC(), spec.Acceleration)
	if err != nil {
		return nil, err
	}
	if spec.SampleInterval < 1 {
		spec.SampleInterval = 1
	}
	if cfg.TradeLogCap < 1 {
		cfg.TradeLogCap = 1000
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Exchange{
		name:           spec.Name,
		description:    spec.Description,
		templateID:     cfg.TemplateID,
		seriesPrefix:   cfg.SeriesPrefix,
		sampleInterval: spec.SampleInterval,
		drift:          spec.Drift,
		maxVolatility:  spec.MaxVolatility,
		createdAt:      time.Now().UTC(),
		clk:            clk,
		series:         cfg.Series,
		reg:            cfg.Registry,
		normal:         distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
		stockIDs:       make(map[string]int64),
		prices:         make(map[string]float64),
		windows:        make(map[string][]float64),
		frameVolume:    make(map[string]float64),
		tradeLogCap:    cfg.TradeLogCap,
	}, nil
}

// Kind implements object.Object.
func (e *Exchange) Kind() string { return "exchange" }

// Name returns the exchange display name.
func (e *Exchange) Name() string { return e.name }

// Description returns the exchange description.
func (e *Exchange) Description() string { return e.description }

// TemplateID returns the id of the template this exchange came from.
func (e *Exchange) TemplateID() string { return e.templateID }

// CreatedAt returns the construction timestamp.
func (e *Exchange) CreatedAt() time.Time { return e.createdAt }

// Clock exposes the exchange's simulated clock.
func (e *Exchange) Clock() *clock.Clock { return e.clk }

// SetTradeSink wires the trade event sink. Wire before the loop starts.
func (e *Exchange) SetTradeSink(sink TradeSink) { e.onTrade = sink }

// AddStock registers a listing with the exchange and declares its series.
func (e *Exchange) AddStock(symbol string, id int64) error {
	if err := e.series.CreateSeries(e.KlineKey(symbol), series.TypePrice,
		[]string{"open", "high", "low", "close", "volume"}); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.stockIDs[symbol]; exists {
		return domain.NewError(domain.CodeValidation, "symbol %s already listed", symbol)
	}
	e.stockIDs[symbol] = id
	e.symbols = append(e.symbols, symbol)
	if stock, ok := e.stock(symbol); ok {
		e.prices[symbol] = stock.Price()
		e.windows[symbol] = append(e.windows[symbol], stock.Price())
	}
	return nil
}

// AddTrader registers a trader id with the exchange.
func (e *Exchange) AddTrader(id int64) {
	e.mu.Lock()
	e.traderIDs = append(e.traderIDs, id)
	e.mu.Unlock()
}

// TraderIDs returns the registered trader ids.
func (e *Exchange) TraderIDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]int64(nil), e.traderIDs...)
}

// Symbols returns the listed symbols in listing order.
func (e *Exchange) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.symbols...)
}

// StockID resolves a symbol to its registry id.
func (e *Exchange) StockID(symbol string) (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.stockIDs[symbol]
	return id, ok
}

// KlineKey returns the series key of a symbol's candle series.
func (e *Exchange) KlineKey(symbol string) string {
	return "kline:" + e.seriesPrefix + ":" + symbol
}

// stock resolves a symbol to its live Stock. Caller holds at least the read
// lock for the id map.
func (e *Exchange) stock(symbol string) (*Stock, bool) {
	id, ok := e.stockIDs[symbol]
	if !ok {
		return nil, false
	}
	obj, ok := e.reg.Get(id)
	if !ok {
		return nil, false
	}
	stock, ok := obj.(*Stock)
	return stock, ok
}

// BeginPlay starts the simulated clock.
func (e *Exchange) BeginPlay() error {
	// The manual clock only advances through Tick, so construction-to-start
	// latency never leaks into simulated time.
	return nil
}

// Tick advances the simulated clock by delta x acceleration, walks every
// stock price, and emits raw series points on the sample interval.
func (e *Exchange) Tick(delta time.Duration) error {
	simDelta := time.Duration(float64(delta) * e.clk.Acceleration())
	e.clk.Advance(simDelta)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.frame++
	dt := simDelta.Seconds() / 86400 // walk parameters are per simulated day

	for _, symbol := range e.symbols {
		stock, ok := e.stock(symbol)
		if !ok {
			continue
		}

		sigma := stock.Volatility()
		if e.maxVolatility > 0 && sigma > e.maxVolatility {
			sigma = e.maxVolatility
		}
		// Log-normal increment with drift, bounded by template parameters.
		ret := e.drift*dt + sigma*math.Sqrt(dt)*e.normal.Rand()
		stock.SetPrice(stock.Price() * math.Exp(ret))

		price := stock.Price()
		e.prices[symbol] = price
		window := append(e.windows[symbol], price)
		if len(window) > priceWindowCap {
			window = window[len(window)-priceWindowCap:]
		}
		e.windows[symbol] = window
	}

	if e.frame%int64(e.sampleInterval) == 0 {
		e.emitPoints()
	}
	return nil
}

// emitPoints sends one raw point per symbol to the series manager and
// resets the per-frame volume accumulators. Caller holds the lock.
func (e *Exchange) emitPoints() {
	now := e.clk.Now()
	for _, symbol := range e.symbols {
		price, ok := e.prices[symbol]
		if !ok {
			continue
		}
		_ = e.series.AddPoint(e.KlineKey(symbol), now, map[string]float64{
			series.MetricPrice:  price,
			series.MetricVolume: e.frameVolume[symbol],
		})
		delete(e.frameVolume, symbol)
	}
}

// EndPlay flushes pending aggregates and detaches sinks.
func (e *Exchange) EndPlay() error {
	e.mu.Lock()
	e.emitPoints()
	e.onTrade = nil
	e.mu.Unlock()
	return nil
}

// Prices implements Market.
func (e *Exchange) Prices() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.prices))
	for sym, p := range e.prices {
		out[sym] = p
	}
	return out
}

// PriceWindow implements Market.
func (e *Exchange) PriceWindow(symbol string, n int) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	window := e.windows[symbol]
	if n > 0 && n < len(window) {
		window = window[len(window)-n:]
	}
	return append([]float64(nil), window...)
}

// SimNow implements Market.
func (e *Exchange) SimNow() time.Time {
	return e.clk.Now()
}

// ExecuteTrade implements Market: it applies the trade to the stock's
// holder ledger at the current price, accumulates frame volume, and records
// the trade in the exchange log.
func (e *Exchange) ExecuteTrade(traderID int64, symbol string, side strategy.Side, qty int64) (float64, error) {
	if qty <= 0 {
		return 0, domain.NewError(domain.CodeValidation, "trade quantity must be positive, got %d", qty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stock, ok := e.stock(symbol)
	if !ok {
		return 0, domain.NewError(domain.CodeStockNotFound, "symbol %s not listed", symbol)
	}

	delta := qty
	if side == strategy.Sell {
		delta = -qty
	}
	if err := stock.ApplyTrade(traderID, delta); err != nil {
		return 0, err
	}

	price := stock.Price()
	e.frameVolume[symbol] += float64(qty)

	trade := Trade{
		Time: e.clk.Now(), TraderID: traderID, Symbol: symbol,
		Side: side, Quantity: qty, Price: price, Total: price * float64(qty),
	}
	e.tradeLog = append(e.tradeLog, trade)
	if len(e.tradeLog) > e.tradeLogCap {
		e.tradeLog = e.tradeLog[len(e.tradeLog)-e.tradeLogCap:]
	}
	if e.onTrade != nil {
		e.onTrade(trade)
	}
	return price, nil
}

// TradeLog returns up to limit most recent trades, oldest first.
func (e *Exchange) TradeLog(limit int) []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := len(e.tradeLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Trade, n)
	copy(out, e.tradeLog[len(e.tradeLog)-n:])
	return out
}
