package series

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
)

// DataType tags what a series measures.
type DataType string

const (
	TypePrice  DataType = "price"
	TypeVolume DataType = "volume"
	TypeTrade  DataType = "trade"
)

// Metric names recognized in raw points.
const (
	MetricPrice  = "price"
	MetricVolume = "volume"
)

// DefaultQueryLimit caps range queries that do not specify a limit.
const DefaultQueryLimit = 500

// Delta describes one bucket change. Final deltas carry a bucket whose
// window has closed; non-final deltas carry the updated current bucket.
type Delta struct {
	Key         string      `json:"key"`
	Granularity Granularity `json:"granularity"`
	Bucket      Bucket      `json:"bucket"`
	Final       bool        `json:"final"`
}

// DeltaSink receives deltas in finalize order per series. The sink must not
// block; fan-out buffering is the push bus's concern.
type DeltaSink func(Delta)

// seriesState is all aggregation state of one series key. Ingestion is
// single-writer (the owning exchange's scheduler goroutine); queries take
// the read lock and copy.
type seriesState struct {
	key      string
	dataType DataType
	metrics  []string

	mu     sync.RWMutex
	lastTS time.Time
	aggs   map[Granularity]*aggregator
}

// Manager owns every series of one market instance.
type Manager struct {
	retention int
	log       zerolog.Logger

	mu     sync.RWMutex
	series map[string]*seriesState
	sinks  []DeltaSink
}

// NewManager creates an empty manager with the given per-granularity
// retention cap.
func NewManager(retention int, log zerolog.Logger) *Manager {
	if retention < 1 {
		retention = 5000
	}
	return &Manager{
		retention: retention,
		log:       log.With().Str("component", "series").Logger(),
		series:    make(map[string]*seriesState),
	}
}

// AddSink registers a delta sink. Wire sinks before ingestion starts.
func (m *Manager) AddSink(sink DeltaSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// CreateSeries declares a series before ingestion. Duplicate keys are
// rejected with SeriesExists.
func (m *Manager) CreateSeries(key string, dataType DataType, metrics []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.series[key]; exists {
		return domain.NewError(domain.CodeSeriesExists, "series %q already declared", key)
	}

	st := &seriesState{
		key:      key,
		dataType: dataType,
		metrics:  metrics,
		aggs:     make(map[Granularity]*aggregator, len(Granularities())),
	}
	for _, g := range Granularities() {
		st.aggs[g] = newAggregator(g, m.retention)
	}
	m.series[key] = st
	m.log.Debug().Str("series", key).Str("type", string(dataType)).Msg("Series created")
	return nil
}

// AddPoint routes one raw point to all eight granularity aggregators of the
// series. Timestamps must be non-decreasing per series; regressions are
// rejected with TimestampRegression.
func (m *Manager) AddPoint(key string, ts time.Time, metrics map[string]float64) error {
	st, err := m.get(key)
	if err != nil {
		return err
	}

	price := metrics[MetricPrice]
	volume := metrics[MetricVolume]

	st.mu.Lock()
	if !st.lastTS.IsZero() && ts.Before(st.lastTS) {
		last := st.lastTS
		st.mu.Unlock()
		return domain.NewError(domain.CodeTimestampRegression,
			"series %q: point at %s is before last point at %s", key, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	st.lastTS = ts

	deltas := make([]Delta, 0, 2*len(Granularities()))
	for _, g := range Granularities() {
		finalized, current := st.aggs[g].add(ts, price, volume)
		if finalized != nil {
			deltas = append(deltas, Delta{Key: key, Granularity: g, Bucket: *finalized, Final: true})
		}
		deltas = append(deltas, Delta{Key: key, Granularity: g, Bucket: current})
	}
	st.mu.Unlock()

	m.emit(deltas)
	return nil
}

// QueryAggregated returns buckets of (key, g) whose window start lies in
// [start, end), ascending, capped at limit (DefaultQueryLimit when <= 0).
// A zero end means unbounded.
func (m *Manager) QueryAggregated(key string, g Granularity, start, end time.Time, limit int) ([]Bucket, error) {
	st, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if end.IsZero() {
		end = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	agg, ok := st.aggs[g]
	if !ok {
		return nil, domain.NewError(domain.CodeValidation, "unknown granularity %q", g)
	}
	return agg.query(start, end, limit), nil
}

// GetLatest returns the most recent bucket of (key, g).
func (m *Manager) GetLatest(key string, g Granularity) (Bucket, error) {
	st, err := m.get(key)
	if err != nil {
		return Bucket{}, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	b, ok := st.aggs[g].latest()
	if !ok {
		return Bucket{}, domain.NewError(domain.CodeSeriesNotFound, "series %q has no data yet", key)
	}
	return b, nil
}

// ClearBefore drops all finalized buckets with window start < t across all
// granularities of the series.
func (m *Manager) ClearBefore(key string, t time.Time) error {
	st, err := m.get(key)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, agg := range st.aggs {
		agg.clearBefore(t)
	}
	return nil
}

// HasSeries reports whether key has been declared.
func (m *Manager) HasSeries(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.series[key]
	return ok
}

// Keys returns all declared series keys, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (m *Manager) get(key string) (*seriesState, error) {
	m.mu.RLock()
	st, ok := m.series[key]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.CodeSeriesNotFound, "series %q not declared", key)
	}
	return st, nil
}

func (m *Manager) emit(deltas []Delta) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, sink := range sinks {
		for _, d := range deltas {
			sink(d)
		}
	}
}
