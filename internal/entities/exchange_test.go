package entities

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities/strategy"
	"github.com/quantsim/marketsim/internal/series"
	"github.com/quantsim/marketsim/internal/sim/ids"
	"github.com/quantsim/marketsim/internal/sim/registry"
)

// testExchange builds an exchange with one listed stock in a live registry.
func testExchange(t *testing.T, spec domain.TemplateExchange) (*Exchange, *Stock, *series.Manager) {
	t.Helper()

	reg := registry.New(ids.NewGenerator())
	mgr := series.NewManager(100, zerolog.Nop())

	ex, err := NewExchange(ExchangeConfig{
		Spec:         spec,
		TemplateID:   "tpl-1",
		SeriesPrefix: "inst-1",
		Series:       mgr,
		Registry:     reg,
		Seed:         42,
	})
	require.NoError(t, err)
	reg.Insert(ex)

	stock, err := NewStock(stockSpec())
	require.NoError(t, err)
	reg.Insert(stock)
	require.NoError(t, ex.AddStock(stock.Symbol(), stock.ObjectID()))

	return ex, stock, mgr
}

func defaultExchangeSpec() domain.TemplateExchange {
	return domain.TemplateExchange{
		Name:           "main",
		Acceleration:   60,
		SampleInterval: 1,
		Drift:          0.05,
		MaxVolatility:  0.5,
	}
}

func TestExchange_TickAdvancesSimClockByAcceleration(t *testing.T) {
	ex, _, _ := testExchange(t, defaultExchangeSpec())

	before := ex.SimNow()
	require.NoError(t, ex.Tick(time.Second))
	after := ex.SimNow()

	// Acceleration 60: one real second is one simulated minute.
	assert.Equal(t, time.Minute, after.Sub(before))
}

func TestExchange_ClockFrozenBetweenTicks(t *testing.T) {
	ex, _, _ := testExchange(t, defaultExchangeSpec())

	before := ex.SimNow()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, ex.SimNow(), "manual clock only moves on tick")
}

func TestExchange_TickWalksPricesWithinBounds(t *testing.T) {
	ex, stock, _ := testExchange(t, defaultExchangeSpec())

	issue := stock.Price()
	for i := 0; i < 500; i++ {
		require.NoError(t, ex.Tick(16*time.Millisecond))
	}

	price := stock.Price()
	assert.Greater(t, price, 0.0)

	window := ex.PriceWindow(stock.Symbol(), 0)
	assert.LessOrEqual(t, len(window), priceWindowCap)
	assert.Equal(t, price, window[len(window)-1])

	moved := false
	for _, p := range window {
		if p != issue {
			moved = true
			break
		}
	}
	assert.True(t, moved, "walk should have moved the price at some point")
}

func TestExchange_DeterministicWalkWithSameSeed(t *testing.T) {
	run := func() []float64 {
		ex, stock, _ := testExchange(t, defaultExchangeSpec())
		out := make([]float64, 0, 50)
		for i := 0; i < 50; i++ {
			require.NoError(t, ex.Tick(16*time.Millisecond))
			out = append(out, stock.Price())
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestExchange_EmitsPointsOnSampleInterval(t *testing.T) {
	spec := defaultExchangeSpec()
	spec.SampleInterval = 3
	ex, stock, mgr := testExchange(t, spec)

	var updates int
	mgr.AddSink(func(d series.Delta) {
		if !d.Final {
			updates++
		}
	})

	for i := 0; i < 9; i++ {
		require.NoError(t, ex.Tick(time.Second))
	}

	// Frames 3, 6, 9 sample: three non-final deltas per granularity.
	assert.Equal(t, 3*len(series.Granularities()), updates)

	latest, err := mgr.GetLatest(ex.KlineKey(stock.Symbol()), series.Gran1m)
	require.NoError(t, err)
	assert.Equal(t, stock.Price(), latest.Close)
}

func TestExchange_ExecuteTradeUpdatesLedgerAndLog(t *testing.T) {
	ex, stock, _ := testExchange(t, defaultExchangeSpec())

	price, err := ex.ExecuteTrade(9, stock.Symbol(), strategy.Buy, 100)
	require.NoError(t, err)
	assert.Equal(t, stock.Price(), price)
	assert.Equal(t, int64(100), stock.HoldingOf(9))

	_, err = ex.ExecuteTrade(9, stock.Symbol(), strategy.Sell, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), stock.HoldingOf(9))

	log := ex.TradeLog(0)
	require.Len(t, log, 2)
	assert.Equal(t, strategy.Buy, log[0].Side)
	assert.Equal(t, strategy.Sell, log[1].Side)
}

func TestExchange_ExecuteTradeErrors(t *testing.T) {
	ex, stock, _ := testExchange(t, defaultExchangeSpec())

	_, err := ex.ExecuteTrade(9, "NOPE", strategy.Buy, 1)
	assert.True(t, domain.IsCode(err, domain.CodeStockNotFound))

	_, err = ex.ExecuteTrade(9, stock.Symbol(), strategy.Buy, 0)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	_, err = ex.ExecuteTrade(9, stock.Symbol(), strategy.Sell, 1)
	assert.True(t, domain.IsCode(err, domain.CodeInsufficientShares))

	assert.Empty(t, ex.TradeLog(0), "failed trades are not logged")
}

func TestExchange_TradeVolumeReachesSeries(t *testing.T) {
	ex, stock, mgr := testExchange(t, defaultExchangeSpec())

	_, err := ex.ExecuteTrade(9, stock.Symbol(), strategy.Buy, 100)
	require.NoError(t, err)
	require.NoError(t, ex.Tick(time.Second))

	latest, err := mgr.GetLatest(ex.KlineKey(stock.Symbol()), series.Gran1m)
	require.NoError(t, err)
	assert.Equal(t, 100.0, latest.Volume)
}

func TestExchange_DuplicateListingRejected(t *testing.T) {
	ex, stock, _ := testExchange(t, defaultExchangeSpec())

	err := ex.AddStock(stock.Symbol(), stock.ObjectID())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeSeriesExists))
}
