// Package ratelimit provides per-key token-bucket rate limiting for inbound
// commands, with independent buckets for senders and channels.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter maintains one continuous-time token bucket per key. Buckets refill
// at the configured rate up to the burst capacity; no background sweep is
// needed for correctness.
type Limiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	buckets map[string]*entry
}

// New creates a Limiter allowing ratePerMinute requests per minute per key
// with the given burst capacity.
func New(ratePerMinute float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:    rate.Limit(ratePerMinute / 60.0),
		burst:   burst,
		buckets: map[string]*entry{},
	}
}

// Allow consumes one token from the key's bucket, reporting whether the
// request is admitted.
func (l *Limiter) Allow(key string) bool {
	return l.allowAt(time.Now(), key)
}

func (l *Limiter) allowAt(now time.Time, key string) bool {
	return l.get(now, key).AllowN(now, 1)
}

// peekAt reports whether a token is available without consuming it.
func (l *Limiter) peekAt(now time.Time, key string) bool {
	return l.get(now, key).TokensAt(now) >= 1
}

func (l *Limiter) get(now time.Time, key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = e
	}
	e.lastUsed = now
	return e.limiter
}

// Cleanup removes buckets unused past maxAge to bound memory, returning the
// number removed.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, e := range l.buckets {
		if now.Sub(e.lastUsed) > maxAge {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// PairLimiter admits a request only when both the sender bucket and the
// channel bucket have capacity. Neither bucket is drained unless both allow,
// so a saturated channel does not silently burn sender tokens.
type PairLimiter struct {
	mu      sync.Mutex
	sender  *Limiter
	channel *Limiter
}

// NewPair creates sender and channel limiters with the same rate and burst.
func NewPair(ratePerMinute float64, burst int) *PairLimiter {
	return &PairLimiter{
		sender:  New(ratePerMinute, burst),
		channel: New(ratePerMinute, burst),
	}
}

// Allow checks both buckets and consumes from both only when both have
// capacity.
func (p *PairLimiter) Allow(senderKey, channelKey string) bool {
	return p.allowAt(time.Now(), senderKey, channelKey)
}

func (p *PairLimiter) allowAt(now time.Time, senderKey, channelKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sender.peekAt(now, senderKey) || !p.channel.peekAt(now, channelKey) {
		return false
	}
	return p.sender.allowAt(now, senderKey) && p.channel.allowAt(now, channelKey)
}

// Cleanup removes idle buckets from both limiters.
func (p *PairLimiter) Cleanup(maxAge time.Duration) int {
	return p.sender.Cleanup(maxAge) + p.channel.Cleanup(maxAge)
}
