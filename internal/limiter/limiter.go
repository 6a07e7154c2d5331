// Package limiter implements the token-bucket rate limiting described in
// spec §4.3/§4.8: one global limiter and one per-download limiter, both
// of which must admit before a chunk write proceeds.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Bucket is a single token-bucket limiter. Capacity equals one second of
// configured rate; refill is continuous.
type Bucket struct {
	lim *rate.Limiter
}

// Unlimited returns a Bucket that never blocks.
func Unlimited() *Bucket {
	return &Bucket{lim: rate.NewLimiter(rate.Inf, 0)}
}

// New returns a Bucket refilling at bytesPerSecond with a one-second burst
// capacity. bytesPerSecond == 0 means unlimited.
func New(bytesPerSecond int) *Bucket {
	if bytesPerSecond <= 0 {
		return Unlimited()
	}
	return &Bucket{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// SetRate adjusts the limiter's rate and burst at runtime (set_speed_limit).
func (b *Bucket) SetRate(bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		b.lim.SetLimit(rate.Inf)
		b.lim.SetBurst(0)
		return
	}
	b.lim.SetLimit(rate.Limit(bytesPerSecond))
	b.lim.SetBurst(bytesPerSecond)
}

// Acquire blocks until n tokens are available or ctx is done.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	for n > 0 {
		take := n
		if burst := b.lim.Burst(); b.lim.Limit() != rate.Inf && burst > 0 && take > burst {
			take = burst
		}
		if err := b.lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Composite gates on two buckets: global, then per-download. Both must
// admit, per spec §4.3 ("Global and per-download limiters compose
// multiplicatively (both must admit)").
type Composite struct {
	Global     *Bucket
	PerResource *Bucket
}

// Acquire requires both the global and the per-resource bucket to admit n
// tokens before returning.
func (c *Composite) Acquire(ctx context.Context, n int) error {
	if c.Global != nil {
		if err := c.Global.Acquire(ctx, n); err != nil {
			return err
		}
	}
	if c.PerResource != nil {
		if err := c.PerResource.Acquire(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
