package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CircuitBreaker sheds calls to a failing collaborator. It opens once the
// failure rate over a rolling window crosses a threshold, then admits a
// limited number of probes after a cool-down. The threshold adapts: sustained
// failures pull it down so the breaker trips faster, quiet stretches relax it
// back up.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples    int
	baseThreshold float64
	halfOpenAfter time.Duration
	maxProbes     int

	adaptMin   float64
	adaptMax   float64
	adaptEvery time.Duration
	threshold  float64
	lastAdapt  time.Time

	state    breakerState
	openedAt time.Time
	probes   int
	window   *outcomeRing

	opened metric.Int64Counter
	closed metric.Int64Counter
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// NewCircuitBreakerAdaptive sizes the rolling window as buckets slices of
// windowSize. failureRateOpen seeds the adaptive threshold and bounds its
// range.
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	failureRateOpen = math.Min(math.Max(failureRateOpen, 0), 1)
	cb := &CircuitBreaker{
		minSamples:    minSamples,
		baseThreshold: failureRateOpen,
		halfOpenAfter: halfOpenAfter,
		maxProbes:     maxHalfOpenProbes,
		adaptMin:      math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		adaptMax:      math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		adaptEvery:    5 * time.Second,
		threshold:     failureRateOpen,
		window:        newOutcomeRing(windowSize, buckets),
	}
	meter := otel.Meter("swarm-go")
	cb.opened, _ = meter.Int64Counter("swarm_resilience_circuit_open_total")
	cb.closed, _ = meter.Int64Counter("swarm_resilience_circuit_closed_total")
	return cb
}

// Allow reports whether the next call may proceed. The call that moves an
// open breaker into half-open counts as the first probe.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if time.Since(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = breakerHalfOpen
		c.probes = 1
		return true
	case breakerHalfOpen:
		if c.probes >= c.maxProbes {
			return false
		}
		c.probes++
		return true
	default:
		return true
	}
}

// RecordResult feeds one call outcome back into the breaker. A failed probe
// reopens immediately; once every probe has succeeded the breaker closes.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)
	c.adaptLocked()

	switch c.state {
	case breakerClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.threshold {
			c.openLocked()
		}
	case breakerHalfOpen:
		if !success {
			c.openLocked()
		} else if c.probes >= c.maxProbes {
			c.closeLocked()
		}
	}
}

func (c *CircuitBreaker) adaptLocked() {
	if time.Since(c.lastAdapt) < c.adaptEvery {
		return
	}
	c.lastAdapt = time.Now()
	total, failures := c.window.stats()
	if total == 0 {
		return
	}
	if float64(failures)/float64(total) > c.baseThreshold {
		c.threshold = math.Max(c.adaptMin, c.threshold*0.7)
	} else {
		c.threshold = math.Min(c.adaptMax, c.threshold*1.05)
	}
}

func (c *CircuitBreaker) openLocked() {
	c.state = breakerOpen
	c.openedAt = time.Now()
	c.opened.Add(context.Background(), 1)
}

func (c *CircuitBreaker) closeLocked() {
	c.state = breakerClosed
	c.openedAt = time.Time{}
	c.window.reset()
	c.closed.Add(context.Background(), 1)
}

// outcomeRing counts successes and failures in fixed time slots. Each cell
// remembers the absolute slot it was written in, so a cell reached again on
// a later lap resets before taking new counts and stats never include
// outcomes older than one lap.
type outcomeRing struct {
	slot  time.Duration
	cells []ringCell
	nowFn func() time.Time
}

type ringCell struct {
	index   int64 // absolute slot index of the last write
	success int
	fail    int
}

func newOutcomeRing(window time.Duration, cells int) *outcomeRing {
	if cells <= 0 {
		cells = 1
	}
	return &outcomeRing{
		slot:  window / time.Duration(cells),
		cells: make([]ringCell, cells),
		nowFn: time.Now,
	}
}

func (r *outcomeRing) add(success bool) {
	idx := r.nowFn().UnixNano() / r.slot.Nanoseconds()
	cell := &r.cells[idx%int64(len(r.cells))]
	if cell.index != idx {
		*cell = ringCell{index: idx}
	}
	if success {
		cell.success++
	} else {
		cell.fail++
	}
}

func (r *outcomeRing) stats() (total, failures int) {
	horizon := r.nowFn().UnixNano()/r.slot.Nanoseconds() - int64(len(r.cells))
	for _, cell := range r.cells {
		if cell.index <= horizon {
			continue
		}
		total += cell.success + cell.fail
		failures += cell.fail
	}
	return total, failures
}

func (r *outcomeRing) reset() {
	for i := range r.cells {
		r.cells[i] = ringCell{}
	}
}
