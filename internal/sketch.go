package internal

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// countMinSketch tracks approximate per-key frequencies in fixed memory.
// Row hashes derive from one murmur3 128-bit digest via double hashing.
type countMinSketch struct {
	depth  int
	width  int
	counts [][]uint64
}

// newCountMinSketch sizes the sketch for error at most epsilon with
// probability 1-delta.
func newCountMinSketch(epsilon, delta float64) *countMinSketch {
	width := int(math.Ceil(math.E / epsilon))
	depth := int(math.Ceil(math.Log(1 / delta)))
	if depth < 1 {
		depth = 1
	}
	counts := make([][]uint64, depth)
	for i := range counts {
		counts[i] = make([]uint64, width)
	}
	return &countMinSketch{depth: depth, width: width, counts: counts}
}

func (c *countMinSketch) rowIndex(h1, h2 uint64, row int) int {
	return int((h1 + uint64(row)*h2) % uint64(c.width))
}

// Add increments key and returns its new estimate.
func (c *countMinSketch) Add(key []byte) uint64 {
	h1, h2 := murmur3.Sum128(key)
	min := uint64(math.MaxUint64)
	for row := 0; row < c.depth; row++ {
		idx := c.rowIndex(h1, h2, row)
		c.counts[row][idx]++
		if c.counts[row][idx] < min {
			min = c.counts[row][idx]
		}
	}
	return min
}

// Estimate returns the minimum count across rows, an upper bound on truth.
func (c *countMinSketch) Estimate(key []byte) uint64 {
	h1, h2 := murmur3.Sum128(key)
	min := uint64(math.MaxUint64)
	for row := 0; row < c.depth; row++ {
		if v := c.counts[row][c.rowIndex(h1, h2, row)]; v < min {
			min = v
		}
	}
	return min
}

// hyperLogLog estimates distinct-key cardinality with 2^precision registers.
type hyperLogLog struct {
	precision uint8
	registers []uint8
}

func newHyperLogLog(precision uint8) *hyperLogLog {
	if precision < 4 {
		precision = 4
	}
	if precision > 16 {
		precision = 16
	}
	return &hyperLogLog{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}
}

func (h *hyperLogLog) Add(key []byte) {
	x := murmur3.Sum64(key)
	idx := x >> (64 - h.precision)
	rest := x<<h.precision | 1<<(h.precision-1)
	rank := uint8(1)
	for rest&(1<<63) == 0 {
		rank++
		rest <<= 1
	}
	if rank > h.registers[idx] {
		h.registers[idx] = rank
	}
}

// Estimate applies the standard bias correction plus the small-range
// linear-counting fallback.
func (h *hyperLogLog) Estimate() uint64 {
	m := float64(len(h.registers))
	var sum float64
	zeros := 0
	for _, r := range h.registers {
		sum += 1 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}

	alpha := 0.7213 / (1 + 1.079/m)
	estimate := alpha * m * m / sum
	if estimate <= 2.5*m && zeros > 0 {
		estimate = m * math.Log(m/float64(zeros))
	}
	return uint64(estimate + 0.5)
}
