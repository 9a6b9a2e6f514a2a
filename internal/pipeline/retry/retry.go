package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/internal/store/model"
)

// Kind classifies a failure for the retry decision. No component
// retries on its own; everything funnels through the controller.
type Kind int

const (
	// KindTransientInfra covers store and network blips. Retried with
	// exponential backoff within the task's budget.
	KindTransientInfra Kind = iota
	// KindExternalProvider covers permanent provider rejections. Never
	// retried.
	KindExternalProvider
	// KindTimeout is policy driven: retried while budget remains.
	KindTimeout
	// KindConcurrencyConflict means we lost a claim race. Not an error,
	// a no-op.
	KindConcurrencyConflict
	// KindDataIntegrity means a declared prerequisite artifact is
	// missing. Fail fast rather than proceed on incomplete data.
	KindDataIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindTransientInfra:
		return "transient_infra"
	case KindExternalProvider:
		return "external_provider"
	case KindTimeout:
		return "timeout"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindDataIntegrity:
		return "data_integrity"
	}
	return "unknown"
}

// Error attaches a Kind to a cause so classification survives wrapping.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error { return &Error{Kind: KindTransientInfra, Err: err} }
func Permanent(err error) error { return &Error{Kind: KindExternalProvider, Err: err} }
func Timeout(err error) error   { return &Error{Kind: KindTimeout, Err: err} }
func Integrity(err error) error { return &Error{Kind: KindDataIntegrity, Err: err} }

// Classify maps an error to its retry kind. Unknown errors default to
// transient so an unclassified blip still respects the retry budget.
func Classify(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	if errors.Is(err, store.ErrConcurrencyConflict) {
		return KindConcurrencyConflict
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		return KindTransientInfra
	}
	return KindTransientInfra
}

// Controller decides whether a failed task is retried and with what
// delay.
type Controller struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	rng       *rand.Rand
}

func NewController(baseDelay, maxDelay time.Duration) *Controller {
	return &Controller{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry returns whether the task should be re-enqueued and the
// backoff delay before the next attempt. Permanent failures and
// exhausted budgets never retry; the delay grows exponentially with
// the attempt count, capped and jittered.
func (c *Controller) ShouldRetry(task model.Task, kind Kind) (bool, time.Duration) {
	switch kind {
	case KindExternalProvider, KindDataIntegrity:
		return false, 0
	case KindConcurrencyConflict:
		// lost a race, nothing to re-run
		return false, 0
	}

	if task.RetriesExhausted() {
		return false, 0
	}

	return true, c.Backoff(task.RetryCount)
}

// Backoff computes the jittered exponential delay for the given
// attempt number (1-based).
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}

	// +-20% jitter so synchronized failures don't retry in lockstep
	jitter := 0.8 + 0.4*c.rng.Float64()
	return time.Duration(float64(delay) * jitter)
}
