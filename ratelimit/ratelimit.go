// Package ratelimit is the reference RateLimiter implementation, a
// byte-budget token bucket over golang.org/x/time/rate.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket implements pgm.RateLimiter: bytesPerSec tokens are refilled
// per second, up to burst bytes, and Check consumes length tokens without
// ever blocking the caller. A PGM sender must never stall on a missed rate
// budget; a denied Check is treated as "would-block", which the pgm
// sender returns to its caller as ErrRateLimited without retrying.
type TokenBucket struct {
	limiter *rate.Limiter
}

// New creates a token bucket refilling at bytesPerSec bytes/second, able
// to burst up to burst bytes. bytesPerSec <= 0 disables the limiter
// (Check always succeeds), for "rate 0 means unlimited".
func New(bytesPerSec int, burst int) *TokenBucket {
	if bytesPerSec <= 0 {
		return &TokenBucket{}
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Check reports whether length bytes may be sent now, consuming that many
// tokens if so. It never blocks.
func (t *TokenBucket) Check(length int) bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.AllowN(time.Now(), length)
}
