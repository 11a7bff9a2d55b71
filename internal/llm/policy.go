package llm

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
	DefaultTimeout     = 30 * time.Second
)

// Policy bounds how hard the client tries before giving up.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration // per attempt
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
		Timeout:     DefaultTimeout,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Backoff maps a zero-based attempt number to the delay before the next try.
type Backoff struct {
	Base   time.Duration
	Jitter func() time.Duration
}

// Delay returns Base*2^attempt plus jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt)))
	if b.Jitter != nil {
		d += b.Jitter()
	}
	return d
}

// uniformJitter returns a random duration in [0, 1s).
func uniformJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(time.Second)))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
