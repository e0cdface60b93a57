package session

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff constants for broker reconnection.
const (
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the ceiling the base delay is frozen at.
	MaxBackoff = 32 * time.Second

	// BackoffFactor is the factor by which the base delay doubles.
	BackoffFactor = 2

	// BackoffJitter is the upper bound of the random additive jitter.
	BackoffJitter = 500 * time.Millisecond
)

// Backoff tracks the retry delay between failed connection attempts.
//
// The delay starts at zero, jumps to the initial delay on the first
// failure and doubles on each subsequent one until it reaches the
// maximum, where it stays. A successful connection resets the delay
// to zero so the next failure starts the ladder over.
type Backoff struct {
	mu sync.Mutex

	// Current delay (includes the jitter drawn on the last failure)
	current time.Duration

	// Earliest time the next attempt is allowed
	deadline time.Time

	// Configuration
	initial time.Duration
	max     time.Duration
	factor  int
	jitter  time.Duration

	// Attempt counter
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// NewBackoff creates a backoff tracker with default settings.
func NewBackoff() *Backoff {
	return &Backoff{
		initial: InitialBackoff,
		max:     MaxBackoff,
		factor:  BackoffFactor,
		jitter:  BackoffJitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  int
	Jitter  time.Duration
}

// NewBackoffWithConfig creates a backoff tracker with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Factor <= 1 {
		cfg.Factor = BackoffFactor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		initial: cfg.Initial,
		max:     cfg.Max,
		factor:  cfg.Factor,
		jitter:  cfg.Jitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fail records a failed attempt, advances the delay and arms the
// deadline before which Ready reports false. It returns the delay
// that now applies.
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.current < b.initial:
		b.current = b.initial + b.randomJitter()
	case b.current < b.max:
		b.current = b.current*time.Duration(b.factor) + b.randomJitter()
	}

	b.attempts++
	b.deadline = time.Now().Add(b.current)

	return b.current
}

// Reset clears the delay and the deadline.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.deadline = time.Time{}
	b.attempts = 0
}

// Ready reports whether the backoff deadline has passed.
func (b *Backoff) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !time.Now().Before(b.deadline)
}

// Remaining returns the time left until the next attempt is allowed,
// or zero when the deadline has passed.
func (b *Backoff) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := time.Until(b.deadline)
	if r < 0 {
		return 0
	}
	return r
}

// Current returns the delay armed by the last failure.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Deadline returns the earliest time the next attempt is allowed.
func (b *Backoff) Deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// Attempts returns the number of failures since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// randomJitter draws a random duration in [0, jitter).
// Caller must hold b.mu.
func (b *Backoff) randomJitter() time.Duration {
	if b.jitter <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(b.jitter)))
}

// BackoffSequence returns the base delays (without jitter) a session
// walks through on repeated failures, up to the maximum.
func BackoffSequence() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second, // max
	}
}
