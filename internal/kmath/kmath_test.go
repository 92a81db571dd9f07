package kmath

import "testing"

func TestMax(t *testing.T) {
	if got := Max(1, 2); got != 2 {
		t.Errorf("Max(1, 2) = %d, want 2", got)
	}
	if got := Max(5, 2); got != 5 {
		t.Errorf("Max(5, 2) = %d, want 5", got)
	}
}

func TestMin(t *testing.T) {
	if got := Min(1, 2); got != 1 {
		t.Errorf("Min(1, 2) = %d, want 1", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 10); got != 5 {
		t.Errorf("Clamp(5, 0, 10) = %d, want 5", got)
	}
	if got := Clamp(-1, 0, 10); got != 0 {
		t.Errorf("Clamp(-1, 0, 10) = %d, want 0", got)
	}
	if got := Clamp(11, 0, 10); got != 10 {
		t.Errorf("Clamp(11, 0, 10) = %d, want 10", got)
	}
	if got := Clamp(5, 10, 0); got != 5 {
		t.Errorf("Clamp with swapped bounds = %d, want 5", got)
	}
}
