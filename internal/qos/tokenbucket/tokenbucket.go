// Package tokenbucket implements a lock-free token bucket: available
// tokens are CAS-guarded, the refill timestamp is protected
// by a try-lock so contending refills skip rather than block.
package tokenbucket

import (
	"context"
	"sync/atomic"
	"time"
)

// Bucket is a capacity/refill-rate token bucket. Tokens and rate are
// atomics so Consume and SetRefillRate never block each other; the
// timestamp uses a spinlock flag so a contended refill just skips
// (another caller is already refilling).
type Bucket struct {
	capacity   uint64
	refillRate atomic.Uint64 // bytes/sec
	tokens     atomic.Uint64

	refilling    atomic.Bool
	lastRefillNs atomic.Int64
}

// New creates a bucket that starts full.
func New(capacity, refillRate uint64) *Bucket {
	b := &Bucket{capacity: capacity}
	b.refillRate.Store(refillRate)
	b.tokens.Store(capacity)
	b.lastRefillNs.Store(time.Now().UnixNano())
	return b
}

func (b *Bucket) Capacity() uint64 { return b.capacity }

func (b *Bucket) RefillRate() uint64 { return b.refillRate.Load() }

// SetRefillRate replaces the rate atomically; in-flight tokens are
// untouched and the new rate applies to the next refill.
func (b *Bucket) SetRefillRate(rate uint64) {
	b.refillRate.Store(rate)
}

// Available refills, then reports the current token count.
func (b *Bucket) Available() uint64 {
	b.refill()
	return b.tokens.Load()
}

func (b *Bucket) refill() {
	if !b.refilling.CompareAndSwap(false, true) {
		return // someone else is refilling; skip
	}
	defer b.refilling.Store(false)

	now := time.Now().UnixNano()
	last := b.lastRefillNs.Load()
	elapsed := now - last
	if elapsed <= 0 {
		return
	}
	rate := b.refillRate.Load()
	added := uint64(float64(elapsed) / float64(time.Second) * float64(rate))
	if added == 0 {
		return
	}
	b.lastRefillNs.Store(now)

	for {
		cur := b.tokens.Load()
		next := cur + added
		if next > b.capacity || next < cur { // clamp, guard overflow
			next = b.capacity
		}
		if b.tokens.CompareAndSwap(cur, next) {
			return
		}
	}
}

// TryConsume refills, then attempts to atomically subtract amount from
// the token count. On success ok is true. On failure, deficit is the
// number of additional tokens needed.
func (b *Bucket) TryConsume(amount uint64) (ok bool, deficit uint64) {
	b.refill()
	for {
		cur := b.tokens.Load()
		if cur < amount {
			return false, amount - cur
		}
		if b.tokens.CompareAndSwap(cur, cur-amount) {
			return true, 0
		}
	}
}

// Consume blocks, cooperatively, until amount tokens are available or
// ctx is cancelled.
func (b *Bucket) Consume(ctx context.Context, amount uint64) error {
	for {
		ok, deficit := b.TryConsume(amount)
		if ok {
			return nil
		}
		rate := b.refillRate.Load()
		wait := time.Millisecond
		if rate > 0 {
			secs := float64(deficit) / float64(rate)
			if d := time.Duration(secs * float64(time.Second)); d > wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
