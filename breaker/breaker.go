// Package breaker implements a circuit breaker around unreliable external
// calls. One instance guards one resource; independent resources (discovery,
// per-item scrape) get independent instances with their own thresholds.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pricetrack/pricetrack/clock"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings configures one breaker instance.
type Settings struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is the cool-down before an open circuit lets a probe
	// through.
	ResetTimeout time.Duration

	// HalfOpenSuccessThreshold is the number of consecutive probe successes
	// that closes the circuit again.
	HalfOpenSuccessThreshold int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = time.Minute
	}
	if s.HalfOpenSuccessThreshold <= 0 {
		s.HalfOpenSuccessThreshold = 1
	}
	return s
}

// OpenError is the fail-fast rejection returned while the circuit is open.
// It is an expected, frequent condition; callers should back off for
// Remaining before trying again.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Snapshot is a read-only view of the breaker's counters for logging and
// persistence.
type Snapshot struct {
	Name          string
	State         State
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
}

// Breaker serializes its counter updates internally, so workers may share one
// instance freely. The wrapped operation itself runs outside the lock.
type Breaker struct {
	settings Settings
	clk      clock.Clock

	mu            sync.Mutex
	state         State
	generation    uint64
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

// New builds a breaker with clk as its time source. A nil clk uses the real
// clock.
func New(settings Settings, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		settings: settings.withDefaults(),
		clk:      clk,
	}
}

// Execute runs op under the breaker contract. While the circuit is open it
// returns an *OpenError without invoking op.
func (b *Breaker) Execute(op func() error) error {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}
	opErr := op()
	b.afterCall(gen, opErr == nil)
	return opErr
}

// State reports the current state, moving an expired open circuit to
// half-open first so the report matches what the next Execute would see.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clk.Now().Sub(b.lastFailureAt) >= b.settings.ResetTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.settings.Name,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
	}
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		remaining := b.settings.ResetTimeout - b.clk.Now().Sub(b.lastFailureAt)
		if remaining > 0 {
			return 0, &OpenError{Name: b.settings.Name, Remaining: remaining}
		}
		b.transition(StateHalfOpen)
	}
	return b.generation, nil
}

func (b *Breaker) afterCall(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The circuit changed state while this call was in flight; its outcome
	// belongs to the old generation and must not move the counters.
	if gen != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.lastFailureAt = b.clk.Now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if success {
			b.successCount++
			if b.successCount >= b.settings.HalfOpenSuccessThreshold {
				b.transition(StateClosed)
			}
			return
		}
		b.successCount = 0
		b.lastFailureAt = b.clk.Now()
		b.transition(StateOpen)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++

	switch to {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	}

	attrs := []any{
		slog.String("circuit", b.settings.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if to == StateOpen {
		attrs = append(attrs, slog.Duration("cooldown", b.settings.ResetTimeout))
		slog.Warn("circuit opened", attrs...)
		return
	}
	slog.Info("circuit state change", attrs...)
}
