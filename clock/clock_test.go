package clock

import (
	"testing"
	"time"
)

func TestVirtualClock_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(1500 * time.Millisecond)
	if got := c.Now().Sub(start); got != 1500*time.Millisecond {
		t.Errorf("elapsed = %v, want 1.5s", got)
	}
}

func TestVirtualClock_Set(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	target := start.Add(time.Hour)
	c.Set(target)
	if !c.Now().Equal(target) {
		t.Errorf("Now() = %v, want %v", c.Now(), target)
	}
}

func TestVirtualClock_PanicsOnRewind(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		fn   func(c *VirtualClock)
	}{
		{"负数推进", func(c *VirtualClock) { c.Advance(-time.Second) }},
		{"回拨时间", func(c *VirtualClock) { c.Set(start.Add(-time.Second)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("期望panic")
				}
			}()
			tt.fn(NewVirtualClock(start))
		})
	}
}

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	got := NewRealClock().Now()
	if got.Before(before) {
		t.Errorf("RealClock.Now() = %v, before %v", got, before)
	}
}
