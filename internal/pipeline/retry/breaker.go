package retry

import (
	"sync"
	"time"

	"github.com/lexflow/lexflow/pkg/metrics"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

// Breaker pauses submissions to an external dependency when a
// configurable fraction of recent attempts failed within a sliding
// window. Affected tasks are requeued with an extended delay instead of
// burning retry budget against a known-down dependency.
type Breaker struct {
	mu         sync.Mutex
	dependency string
	threshold  float64
	windowSize int
	cooldown   time.Duration

	state    breakerState
	outcomes []bool
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewBreaker(dependency string, threshold float64, windowSize int, cooldown time.Duration) *Breaker {
	return &Breaker{
		dependency: dependency,
		threshold:  threshold,
		windowSize: windowSize,
		cooldown:   cooldown,
		outcomes:   make([]bool, 0, windowSize),
		now:        time.Now,
	}
}

// Allow reports whether a new attempt against the dependency may
// proceed. When the cooldown elapses an open breaker moves to
// half-open and lets a single probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateHalfOpen:
		// one probe in flight at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.setState(stateHalfOpen)
			b.probing = true
			return true
		}
		return false
	}
	return true
}

// Record feeds one attempt outcome into the window.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.probing = false
		if ok {
			b.outcomes = b.outcomes[:0]
			b.setState(stateClosed)
		} else {
			b.openedAt = b.now()
			b.setState(stateOpen)
		}
		return
	}

	b.outcomes = append(b.outcomes, ok)
	if len(b.outcomes) > b.windowSize {
		b.outcomes = b.outcomes[1:]
	}

	if b.state == stateClosed && len(b.outcomes) >= b.windowSize {
		failures := 0
		for _, outcome := range b.outcomes {
			if !outcome {
				failures++
			}
		}
		if float64(failures)/float64(len(b.outcomes)) >= b.threshold {
			b.openedAt = b.now()
			b.setState(stateOpen)
		}
	}
}

// ExtendedDelay is the requeue delay applied to tasks deferred by an
// open breaker.
func (b *Breaker) ExtendedDelay() time.Duration {
	return b.cooldown
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}

func (b *Breaker) setState(state breakerState) {
	b.state = state
	metrics.SetBreakerState(b.dependency, int(state))
}
