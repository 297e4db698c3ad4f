// Package backoff computes retry delays for commands.
//
// A Backoff pairs a retry budget with a Strategy describing how the wait
// between attempts grows. Delays are computed from a 0-indexed attempt
// counter and never exceed the strategy's configured ceiling.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Kind identifies the delay-growth curve of a Strategy.
type Kind string

const (
	// KindNone never waits between attempts.
	KindNone Kind = "none"

	// KindConstant waits the same delay between every attempt.
	KindConstant Kind = "constant"

	// KindLinear grows the delay by a fixed increment per attempt.
	KindLinear Kind = "linear"

	// KindFibonacci follows the Fibonacci sequence in seconds.
	KindFibonacci Kind = "fibonacci"

	// KindExponential doubles the delay in seconds per attempt.
	KindExponential Kind = "exponential"
)

// jitterFloor is the lowest fraction of the base delay a jittered delay may reach.
const jitterFloor = 0.95

// fibonacciSeconds holds the precomputed curve for KindFibonacci.
var fibonacciSeconds = [16]time.Duration{
	0, 1 * time.Second, 1 * time.Second, 2 * time.Second, 3 * time.Second,
	5 * time.Second, 8 * time.Second, 13 * time.Second, 21 * time.Second,
	34 * time.Second, 55 * time.Second, 89 * time.Second, 144 * time.Second,
	233 * time.Second, 377 * time.Second, 610 * time.Second,
}

// exponentialSeconds holds the precomputed curve for KindExponential.
var exponentialSeconds = [11]time.Duration{
	0, 1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
	256 * time.Second, 512 * time.Second,
}

// Strategy describes how the delay between retries grows.
// The zero value is equivalent to None().
type Strategy struct {
	kind      Kind
	delay     time.Duration
	increment time.Duration
	maxDelay  time.Duration
}

// None returns a strategy that never waits.
func None() Strategy {
	return Strategy{kind: KindNone}
}

// Constant returns a strategy that always waits delay.
func Constant(delay time.Duration) Strategy {
	return Strategy{kind: KindConstant, delay: nonNegative(delay)}
}

// Linear returns a strategy waiting increment*attempt, capped at maxDelay.
func Linear(increment, maxDelay time.Duration) Strategy {
	return Strategy{kind: KindLinear, increment: nonNegative(increment), maxDelay: nonNegative(maxDelay)}
}

// Fibonacci returns a strategy following the Fibonacci sequence in seconds, capped at maxDelay.
func Fibonacci(maxDelay time.Duration) Strategy {
	return Strategy{kind: KindFibonacci, maxDelay: nonNegative(maxDelay)}
}

// Exponential returns a strategy doubling in seconds per attempt, capped at maxDelay.
func Exponential(maxDelay time.Duration) Strategy {
	return Strategy{kind: KindExponential, maxDelay: nonNegative(maxDelay)}
}

// Kind returns the strategy's curve.
func (s Strategy) Kind() Kind {
	if s.kind == "" {
		return KindNone
	}
	return s.kind
}

// Ceiling returns the largest delay the strategy can produce.
func (s Strategy) Ceiling() time.Duration {
	switch s.Kind() {
	case KindConstant:
		return s.delay
	case KindLinear, KindFibonacci, KindExponential:
		return s.maxDelay
	default:
		return 0
	}
}

// Delay returns the wait before the retry following the given 0-indexed attempt.
// With jitter the result lies in [0.95*base, base]; it is never negative and
// never above the strategy's ceiling.
func (s Strategy) Delay(attempt int, withJitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := s.base(attempt)
	if !withJitter || base <= 0 {
		return base
	}

	reduction := time.Duration(rand.Float64() * (1 - jitterFloor) * float64(base))
	return base - reduction
}

func (s Strategy) base(attempt int) time.Duration {
	switch s.Kind() {
	case KindConstant:
		return s.delay

	case KindLinear:
		if s.increment == 0 {
			return 0
		}
		// Saturate before the multiplication can overflow.
		if time.Duration(attempt) > s.maxDelay/s.increment {
			return s.maxDelay
		}
		return min(s.increment*time.Duration(attempt), s.maxDelay)

	case KindFibonacci:
		if attempt >= len(fibonacciSeconds) {
			return min(fibonacciSeconds[len(fibonacciSeconds)-1], s.maxDelay)
		}
		return min(fibonacciSeconds[attempt], s.maxDelay)

	case KindExponential:
		if attempt >= len(exponentialSeconds) {
			return min(exponentialSeconds[len(exponentialSeconds)-1], s.maxDelay)
		}
		return min(exponentialSeconds[attempt], s.maxDelay)

	default:
		return 0
	}
}

// String renders the strategy for logs and console output.
func (s Strategy) String() string {
	switch s.Kind() {
	case KindConstant:
		return fmt.Sprintf("constant(%s)", s.delay)
	case KindLinear:
		return fmt.Sprintf("linear(%s, max %s)", s.increment, s.maxDelay)
	case KindFibonacci:
		return fmt.Sprintf("fibonacci(max %s)", s.maxDelay)
	case KindExponential:
		return fmt.Sprintf("exponential(max %s)", s.maxDelay)
	default:
		return "none"
	}
}

// Backoff is a retry policy: how many times to retry and how long to wait.
type Backoff struct {
	// MaxRetries is the number of retries after the first attempt. Never negative.
	MaxRetries int

	// Strategy computes the wait between attempts.
	Strategy Strategy
}

// Never is the policy of commands that must not be retried.
var Never = Backoff{MaxRetries: 0, Strategy: None()}

// Default retries once after a short constant wait.
var Default = Backoff{MaxRetries: 1, Strategy: Constant(time.Second)}

// New builds a Backoff, clamping negative retry counts to zero.
func New(maxRetries int, strategy Strategy) Backoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Backoff{MaxRetries: maxRetries, Strategy: strategy}
}

// Allows reports whether another attempt may follow the given 0-indexed attempt.
func (b Backoff) Allows(attempt int) bool {
	return attempt < b.MaxRetries
}

// Delay is shorthand for b.Strategy.Delay.
func (b Backoff) Delay(attempt int, withJitter bool) time.Duration {
	return b.Strategy.Delay(attempt, withJitter)
}

// String renders the policy for logs.
func (b Backoff) String() string {
	return fmt.Sprintf("%d retries, %s", max(b.MaxRetries, 0), b.Strategy)
}

// Parse builds a strategy from its textual kind, as used in playbook files.
func Parse(kind string, delay, increment, maxDelay time.Duration) (Strategy, error) {
	switch Kind(kind) {
	case "", KindNone:
		return None(), nil
	case KindConstant:
		return Constant(delay), nil
	case KindLinear:
		return Linear(increment, maxDelay), nil
	case KindFibonacci:
		return Fibonacci(maxDelay), nil
	case KindExponential:
		return Exponential(maxDelay), nil
	default:
		return Strategy{}, fmt.Errorf("unknown backoff strategy %q", kind)
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
