package id

import (
	"sync/atomic"
	"time"
)

// Generator provides unique execution unit identifiers.
type Generator interface {
	NextID() uint64
}

// counterBits is the width of the per-process counter. The remaining high
// bits carry the process start time in milliseconds so identifiers from a
// restarted node do not collide with ones already written to the log.
const counterBits = 20

// SequenceGenerator hands out strictly increasing identifiers.
// Thread-safe via atomic increment.
type SequenceGenerator struct {
	next atomic.Uint64
}

// NewSequenceGenerator creates a generator seeded from the wall clock.
func NewSequenceGenerator() *SequenceGenerator {
	return NewSequenceGeneratorAt(time.Now())
}

// NewSequenceGeneratorAt creates a generator seeded from start.
func NewSequenceGeneratorAt(start time.Time) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.next.Store(uint64(start.UnixMilli()) << counterBits)
	return g
}

// NextID returns the next identifier.
func (g *SequenceGenerator) NextID() uint64 {
	return g.next.Add(1)
}
