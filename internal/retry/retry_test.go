package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPBackoffBoundedByMaxRetries(t *testing.T) {
	b := HTTPBackoff(10*time.Millisecond, 100*time.Millisecond, 3)
	attempts := 0
	for {
		d := b.NextBackOff()
		if d < 0 {
			break
		}
		attempts++
		if attempts > 10 {
			t.Fatal("backoff did not terminate within expected attempts")
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestUDPTrackerScheduleDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 15*time.Second, UDPTrackerSchedule(0))
	assert.Equal(t, 30*time.Second, UDPTrackerSchedule(1))
	assert.Equal(t, 60*time.Second, UDPTrackerSchedule(2))

	// must saturate at 3840s (BEP 15) and never exceed it.
	assert.Equal(t, 3840*time.Second, UDPTrackerSchedule(20))
}

func TestJitterStaysWithinBoundsAndNeverNegative(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 200; i++ {
		d := Jitter(base, 0.25)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, base+base/4+time.Millisecond)
	}
	assert.Equal(t, base, Jitter(base, 0))
	assert.Equal(t, base, Jitter(base, -1))
}
