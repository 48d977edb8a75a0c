// Package series provides the time-series aggregation engine: it ingests
// raw price/volume points per series key and maintains rolling OHLCV buckets
// at eight fixed granularities, answering range queries and emitting update
// deltas as buckets change.
package series

import (
	"time"

	"github.com/quantsim/marketsim/internal/domain"
)

// Granularity is the duration class of one bucket window.
type Granularity string

const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran30m Granularity = "30m"
	Gran1h  Granularity = "1h"
	Gran1d  Granularity = "1d"
	Gran1w  Granularity = "1w"
	Gran1M  Granularity = "1M"
)

// Granularities lists all supported granularities from finest to coarsest.
func Granularities() []Granularity {
	return []Granularity{Gran1m, Gran5m, Gran15m, Gran30m, Gran1h, Gran1d, Gran1w, Gran1M}
}

// ParseGranularity validates a client-supplied granularity string.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	switch g {
	case Gran1m, Gran5m, Gran15m, Gran30m, Gran1h, Gran1d, Gran1w, Gran1M:
		return g, nil
	}
	return "", domain.NewError(domain.CodeValidation, "unknown granularity %q", s)
}

// Floor returns the window start containing t. Minute/hour/day granularities
// truncate on fixed durations; weeks floor to Monday 00:00 UTC and months to
// the first of the month, both calendar-aware.
func (g Granularity) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Gran1m:
		return t.Truncate(time.Minute)
	case Gran5m:
		return t.Truncate(5 * time.Minute)
	case Gran15m:
		return t.Truncate(15 * time.Minute)
	case Gran30m:
		return t.Truncate(30 * time.Minute)
	case Gran1h:
		return t.Truncate(time.Hour)
	case Gran1d:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Gran1w:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weekday() is Sunday-based; shift so Monday opens the window.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Gran1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the window start immediately after windowStart.
func (g Granularity) Next(windowStart time.Time) time.Time {
	switch g {
	case Gran1w:
		return windowStart.AddDate(0, 0, 7)
	case Gran1M:
		return windowStart.AddDate(0, 1, 0)
	case Gran1d:
		return windowStart.AddDate(0, 0, 1)
	default:
		return windowStart.Add(g.duration())
	}
}

func (g Granularity) duration() time.Duration {
	switch g {
	case Gran1m:
		return time.Minute
	case Gran5m:
		return 5 * time.Minute
	case Gran15m:
		return 15 * time.Minute
	case Gran30m:
		return 30 * time.Minute
	case Gran1h:
		return time.Hour
	case Gran1d:
		return 24 * time.Hour
	case Gran1w:
		return 7 * 24 * time.Hour
	case Gran1M:
		return 30 * 24 * time.Hour // nominal; calendar math handles real months
	}
	return 0
}
