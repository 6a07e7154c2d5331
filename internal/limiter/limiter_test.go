package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	b := Unlimited()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Acquire(ctx, 1<<30))
}

func TestNewZeroOrNegativeIsUnlimited(t *testing.T) {
	b := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Acquire(ctx, 1<<20))

	b = New(-5)
	require.NoError(t, b.Acquire(ctx, 1<<20))
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	b := New(1) // 1 byte/sec, burst of 1
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Acquire(context.Background(), 1)) // drains the burst
	err := b.Acquire(ctx, 1000)                             // far more than can refill in 20ms
	assert.Error(t, err)
}

func TestSetRateAdjustsLimit(t *testing.T) {
	b := New(10)
	b.SetRate(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Acquire(ctx, 1<<20))
}

func TestCompositeRequiresBothBucketsToAdmit(t *testing.T) {
	c := &Composite{Global: Unlimited(), PerResource: Unlimited()}
	require.NoError(t, c.Acquire(context.Background(), 1024))

	blocked := New(1)
	require.NoError(t, blocked.Acquire(context.Background(), 1)) // drain burst
	c = &Composite{Global: Unlimited(), PerResource: blocked}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Acquire(ctx, 1000))
}
