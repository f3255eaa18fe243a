package id

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Generator provides unique ids for message keys and subscriptions
type Generator interface {
	NextID() uint64
}

// SequenceGenerator hands out ids from an atomic counter seeded with the start
// time, so ids from successive broker runs do not collide within one store.
type SequenceGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewSequenceGenerator creates a generator whose string ids carry prefix
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	g := &SequenceGenerator{prefix: prefix}
	g.next.Store(uint64(time.Now().UnixMicro()) << 12)
	return g
}

// NewSequenceGeneratorAt starts the counter at start (tests, benchmarks)
func NewSequenceGeneratorAt(prefix string, start uint64) *SequenceGenerator {
	g := &SequenceGenerator{prefix: prefix}
	g.next.Store(start)
	return g
}

// NextID returns the next id. Ids increase strictly.
func (g *SequenceGenerator) NextID() uint64 {
	return g.next.Add(1)
}

// NextString returns the next id formatted as "ID:{prefix}-{hex}".
// Hex digits are zero padded so string order matches numeric order.
func (g *SequenceGenerator) NextString() string {
	return Format(g.prefix, g.NextID())
}

// Format renders an id the way NextString does
func Format(prefix string, n uint64) string {
	hex := strconv.FormatUint(n, 16)
	buf := make([]byte, 0, 4+len(prefix)+17)
	buf = append(buf, "ID:"...)
	buf = append(buf, prefix...)
	buf = append(buf, '-')
	for i := len(hex); i < 16; i++ {
		buf = append(buf, '0')
	}
	buf = append(buf, hex...)
	return string(buf)
}
