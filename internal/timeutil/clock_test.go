package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	var clock Clock = RealClock{}

	start := clock.Now()
	assert.GreaterOrEqual(t, clock.Since(start), time.Duration(0))

	select {
	case <-clock.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}
}

func TestMockClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)

	assert.Equal(t, base, clock.Now())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, clock.Since(base))

	got := <-clock.After(time.Minute)
	assert.Equal(t, base.Add(5*time.Second+time.Minute), got)
	assert.Equal(t, []time.Duration{time.Minute}, clock.Sleeps())

	clock.Set(base)
	assert.Equal(t, base, clock.Now())
}

func TestSleep(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	assert.NoError(t, Sleep(context.Background(), clock, 100*time.Millisecond))
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, RealClock{}, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, clock, 0), context.Canceled)
}
