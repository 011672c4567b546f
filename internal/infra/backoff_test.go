package infra

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.retry); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoff_CustomBounds(t *testing.T) {
	if got := Backoff(2, 10*time.Millisecond, 25*time.Millisecond); got != 25*time.Millisecond {
		t.Errorf("expected cap at 25ms, got %v", got)
	}
	if got := Backoff(1, 10*time.Millisecond, 25*time.Millisecond); got != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", got)
	}
	// max below base collapses to base
	if got := Backoff(4, 10*time.Millisecond, time.Millisecond); got != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %v", got)
	}
}
