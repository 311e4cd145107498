package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenBucket throttles byte consumption across all download workers.
// A rate of 0 means unlimited.
type TokenBucket struct {
	mu     sync.Mutex
	rate   int64 // bytes per second
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a limiter that starts with a full one-second burst.
func NewTokenBucket(bytesPerSecond int64) *TokenBucket {
	return &TokenBucket{
		rate:   bytesPerSecond,
		tokens: float64(bytesPerSecond),
		last:   time.Now(),
	}
}

// Wait blocks until n bytes of budget are available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, n int) error {
	for {
		b.mu.Lock()
		if b.rate <= 0 {
			b.mu.Unlock()
			return nil
		}
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * float64(b.rate)
		if max := float64(b.rate); b.tokens > max {
			b.tokens = max
		}
		b.last = now

		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		wait := time.Duration(deficit / float64(b.rate) * float64(time.Second))
		b.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SetRate changes the limit. 0 disables throttling.
func (b *TokenBucket) SetRate(bytesPerSecond int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = bytesPerSecond
	if b.tokens > float64(bytesPerSecond) {
		b.tokens = float64(bytesPerSecond)
	}
	b.last = time.Now()
}

// Rate returns the current limit in bytes per second.
func (b *TokenBucket) Rate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// ParseRateLimit converts a human rate string such as "500K" or "2.5M" into
// bytes per second. An empty string or "0" means unlimited.
func ParseRateLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'B':
		s = s[:len(s)-1]
	case 'K':
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		multiplier = 1 << 30
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate limit must not be negative: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
