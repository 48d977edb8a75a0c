// Package ids provides monotonic integer identities for runtime objects.
package ids

import "sync/atomic"

// Generator hands out monotonically increasing int64 ids starting at 1.
// Ids are unique within a process and never reused.
type Generator struct {
	next atomic.Int64
}

// NewGenerator creates a generator whose first id is 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the next id. Safe for concurrent use.
func (g *Generator) Next() int64 {
	return g.next.Add(1)
}

// Current returns the most recently handed out id (0 if none yet).
func (g *Generator) Current() int64 {
	return g.next.Load()
}

// Reset sets the counter back to zero. Tests only.
func (g *Generator) Reset() {
	g.next.Store(0)
}
