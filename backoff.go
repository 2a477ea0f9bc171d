package flease

import (
	"math"
	"time"
)

// expBackoffConfig defines the parameters for exponential backoff
type expBackoffConfig struct {
	// Initial delay before first retry
	InitialDelay time.Duration
	// Maximum delay between retries
	MaxDelay time.Duration
	// Factor to multiply the delay by after each retry
	Factor float64
	// Jitter: fraction of the current delay used as a
	// window around 0, so competing proposers that
	// collided once are unlikely to collide again.
	Jitter float64
}

func backoffConfigFrom(cfg *Config) expBackoffConfig {
	return expBackoffConfig{
		InitialDelay: cfg.BackoffInitial,
		MaxDelay:     cfg.BackoffMax,
		Factor:       2.0,
		Jitter:       0.5,
	}
}

// expBackoff implements exponential backoff with jitter.
// Each cell owns one; it is only touched by the Stage goroutine.
type expBackoff struct {
	config  expBackoffConfig
	attempt int
}

func newExpBackoff(config expBackoffConfig) *expBackoff {
	return &expBackoff{
		config: config,
	}
}

// next returns the next delay duration
func (b *expBackoff) next() time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Factor, float64(b.attempt))

	f1 := float64(cryptoRandInt64RangePosOrNeg(1e6-1)) / 2e6 // in (-0.5, 0.5)
	jitter := f1 * b.config.Jitter * delay
	delay += jitter

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
		// but still jitter, a little.
		jitter = f1 * b.config.Jitter * delay / 2
		if jitter < 0 {
			jitter = -jitter
		}
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	// keep the exponent from running away
	// once we are pinned at MaxDelay.
	if b.attempt < 62 {
		b.attempt++
	}
	return time.Duration(delay)
}

func (b *expBackoff) reset() {
	b.attempt = 0
}
