package util

import (
	"testing"
	"time"
)

func TestRandomDuration_Bounds(t *testing.T) {
	min, max := 1800*time.Millisecond, 2500*time.Millisecond
	for i := 0; i < 1000; i++ {
		d := RandomDuration(min, max)
		if d < min || d > max {
			t.Fatalf("RandomDuration out of range: %v", d)
		}
	}
}

func TestRandomDuration_Degenerate(t *testing.T) {
	if got := RandomDuration(time.Second, time.Second); got != time.Second {
		t.Errorf("expected min for equal bounds, got %v", got)
	}
	if got := RandomDuration(2*time.Second, time.Second); got != 2*time.Second {
		t.Errorf("expected min for inverted bounds, got %v", got)
	}
}
