package supervisor

import (
	"math"
	"sync"
	"time"
)

// circuitBreaker is an adaptive per-kind breaker: it opens when the
// rolling failure rate crosses a threshold, and half-opens after a
// cooldown to probe recovery (ground:
// libs/go/core/resilience/circuit_breaker.go, trimmed of its own OTel
// counter calls — the Supervisor emits haos_circuit_breaker_opens_total
// itself so there is one emission point, not two).
type circuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	state          breakerState
	openedAt       time.Time
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func newCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *circuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &circuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
	}
}

// allow reports whether a new assignment to this kind is permitted
// right now, transitioning OPEN -> HALF_OPEN once the cooldown elapses.
func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 0
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// recordResult returns true the instant this call causes a transition
// to OPEN, so the caller can emit exactly one open event.
func (c *circuitBreaker) recordResult(success bool) (openedNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRateOpen {
			c.state = stateOpen
			c.openedAt = time.Now()
			return true
		}
	case stateHalfOpen:
		if !success {
			c.state = stateOpen
			c.openedAt = time.Now()
			return true
		}
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.state = stateClosed
			c.openedAt = time.Time{}
			c.window.reset()
		}
	}
	return false
}

func (c *circuitBreaker) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

type slidingWindow struct {
	interval time.Duration
	data     []bucket
	epoch    []int64 // which time-epoch each bucket slot currently holds
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		epoch:    make([]int64, buckets),
	}
}

func (w *slidingWindow) epochAndIndex(now time.Time) (int64, int) {
	epoch := now.UnixNano() / w.interval.Nanoseconds()
	return epoch, int(epoch) % len(w.data)
}

// add accumulates within the bucket's current epoch; it only resets a
// bucket when it is reused for a new, later epoch (the previous
// version reset on every call, which made counts within one interval
// non-cumulative).
func (w *slidingWindow) add(success bool) {
	epoch, idx := w.epochAndIndex(time.Now())
	if w.epoch[idx] != epoch {
		w.data[idx] = bucket{}
		w.epoch[idx] = epoch
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
		w.epoch[i] = 0
	}
}
