package series

import "time"

// Bucket is one aggregated OHLCV record for a (series, granularity) window.
// A bucket covers [WindowStart, WindowStart+g); it is immutable once its
// window has passed.
type Bucket struct {
	WindowStart time.Time `json:"windowStart"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	Points      int64     `json:"points"`
}

// aggregator keeps a single mutable current bucket plus finalized history
// for one granularity of one series. Not goroutine-safe; the owning series
// state serializes access.
type aggregator struct {
	gran      Granularity
	retention int
	current   *Bucket
	history   []Bucket
}

func newAggregator(gran Granularity, retention int) *aggregator {
	return &aggregator{gran: gran, retention: retention}
}

// add routes one raw point into the aggregator. It returns the finalized
// bucket if the point rolled the window over, and a copy of the current
// bucket after the update.
func (a *aggregator) add(ts time.Time, price, volume float64) (finalized *Bucket, current Bucket) {
	windowStart := a.gran.Floor(ts)

	if a.current != nil && windowStart.Equal(a.current.WindowStart) {
		b := a.current
		if price > b.High {
			b.High = price
		}
		if price < b.Low {
			b.Low = price
		}
		b.Close = price
		b.Volume += volume
		b.Points++
		return nil, *b
	}

	if a.current != nil {
		done := *a.current
		a.history = append(a.history, done)
		if len(a.history) > a.retention {
			a.history = a.history[len(a.history)-a.retention:]
		}
		finalized = &done
	}

	a.current = &Bucket{
		WindowStart: windowStart,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      volume,
		Points:      1,
	}
	return finalized, *a.current
}

// query returns buckets whose WindowStart lies in [start, end), ascending,
// capped at limit. The current bucket is included when its window start
// falls in range.
func (a *aggregator) query(start, end time.Time, limit int) []Bucket {
	out := make([]Bucket, 0, limit)
	for _, b := range a.history {
		if b.WindowStart.Before(start) || !b.WindowStart.Before(end) {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			return out
		}
	}
	if a.current != nil && !a.current.WindowStart.Before(start) && a.current.WindowStart.Before(end) && len(out) < limit {
		out = append(out, *a.current)
	}
	return out
}

// latest returns the most recent bucket (the current one if open).
func (a *aggregator) latest() (Bucket, bool) {
	if a.current != nil {
		return *a.current, true
	}
	if n := len(a.history); n > 0 {
		return a.history[n-1], true
	}
	return Bucket{}, false
}

// clearBefore drops finalized buckets with WindowStart < t.
func (a *aggregator) clearBefore(t time.Time) {
	cut := 0
	for cut < len(a.history) && a.history[cut].WindowStart.Before(t) {
		cut++
	}
	if cut > 0 {
		a.history = append([]Bucket(nil), a.history[cut:]...)
	}
}
