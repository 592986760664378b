package appylar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker states as reported by State and Stats
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open trial calls that must succeed to close
	Timeout          time.Duration // open period before probing
	OnStateChange    func(from, to string)
}

// DefaultCircuitBreakerConfig returns defaults sized for a client that
// already retries every 30 seconds on its own.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops hammering an unreachable ad service. The state machine
// is gobreaker's; this type adds lifetime totals and a manual reset.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	b := &CircuitBreaker{config: config}
	b.cb = b.newBreaker()
	return b
}

func (b *CircuitBreaker) newBreaker() *gobreaker.CircuitBreaker {
	threshold := uint32(b.config.FailureThreshold)
	if threshold == 0 {
		threshold = 1
	}
	trials := uint32(b.config.SuccessThreshold)
	if trials == 0 {
		trials = 1
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "appylar",
		MaxRequests: trials,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A call abandoned by its caller says nothing about the ad service
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.config.OnStateChange != nil {
				b.config.OnStateChange(from.String(), to.String())
			}
		},
	})
}

func (b *CircuitBreaker) breaker() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// Execute runs fn with circuit breaker protection
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.totalRequests.Add(1)

	_, err := b.breaker().Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.totalRejected.Add(1)
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	case err != nil:
		b.totalFailures.Add(1)
	default:
		b.totalSuccesses.Add(1)
	}
	return err
}

// State returns the current circuit breaker state
func (b *CircuitBreaker) State() string {
	return b.breaker().State().String()
}

// CircuitBreakerStats holds circuit breaker statistics
type CircuitBreakerStats struct {
	State          string `json:"state"`
	TotalRequests  int64  `json:"total_requests"`
	TotalFailures  int64  `json:"total_failures"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalRejected  int64  `json:"total_rejected"`
	Failures       int    `json:"current_failures"`
}

// Stats returns circuit breaker statistics
func (b *CircuitBreaker) Stats() CircuitBreakerStats {
	cb := b.breaker()
	return CircuitBreakerStats{
		State:          cb.State().String(),
		TotalRequests:  b.totalRequests.Load(),
		TotalFailures:  b.totalFailures.Load(),
		TotalSuccesses: b.totalSuccesses.Load(),
		TotalRejected:  b.totalRejected.Load(),
		Failures:       int(cb.Counts().ConsecutiveFailures),
	}
}

// Reset swaps in a fresh closed breaker. Lifetime totals are kept.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.cb.State()
	b.cb = b.newBreaker()
	b.mu.Unlock()

	if from != gobreaker.StateClosed && b.config.OnStateChange != nil {
		b.config.OnStateChange(from.String(), StateClosed)
	}
}
