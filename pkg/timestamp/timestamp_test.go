package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripMillisAndNanos(t *testing.T) {
	ref := time.Date(2025, 3, 14, 9, 26, 53, 589_793_238, time.UTC)

	assert.Equal(t, ref.UnixMilli(), ToUnixMs(ref))
	assert.Equal(t, ref.UnixNano(), ToUnixNs(ref))
	assert.True(t, FromUnixNs(ToUnixNs(ref)).Equal(ref))
	assert.Equal(t, ref.Truncate(time.Millisecond).UnixMilli(), FromUnixMs(ToUnixMs(ref)).UnixMilli())
}

func TestZeroValues(t *testing.T) {
	assert.Zero(t, ToUnixMs(time.Time{}))
	assert.Zero(t, ToUnixNs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.True(t, FromUnixNs(0).IsZero())
	assert.Empty(t, Format(0))
	assert.Empty(t, FormatNs(0))
}

func TestManualClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewManualClock(start)

	assert.Equal(t, start, c.Now())
	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.NoError(t, Validate(now.UnixMilli(), now))
	assert.Error(t, Validate(0, now))
	assert.Error(t, Validate(-5, now))
	assert.Error(t, Validate(now.Add(48*time.Hour).UnixMilli(), now))
}

func TestSeconds(t *testing.T) {
	assert.InDelta(t, 1.5, Seconds(int64(1500*time.Millisecond)), 1e-12)
}
