package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines retry backoff behavior. Step adds a fixed amount
// per attempt; Multiplier scales geometrically. A zero Multiplier with a
// non-zero Step gives plain linear backoff.
type BackoffConfig struct {
	InitialDelay time.Duration
	Step         time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// LinearBackoff sleeps 0s, 1s, 2s, ... between link I/O attempts.
func LinearBackoff() BackoffConfig {
	return BackoffConfig{Step: time.Second, MaxDelay: 10 * time.Second}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 && cfg.Step <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	n := float64(attempt - 1)
	delay := (float64(cfg.InitialDelay) + float64(cfg.Step)*n) * math.Pow(cfg.Multiplier, n)
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
