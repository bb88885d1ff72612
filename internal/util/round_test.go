package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{name: "basic rounding down", x: 0.1234, tick: 0.01, expected: 0.12},
		{name: "tie rounds away from zero", x: 0.125, tick: 0.01, expected: 0.13},
		{name: "larger tick size", x: 0.27, tick: 0.05, expected: 0.25},
		{name: "exact multiple", x: 0.25, tick: 0.05, expected: 0.25},
		{name: "zero tick passes through", x: 0.1234, tick: 0, expected: 0.1234},
		{name: "negative tick passes through", x: 0.1234, tick: -0.01, expected: 0.1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	tests := []struct {
		x        float64
		expected float64
	}{
		{0.061, 0.06},
		{0.0599999, 0.06},
		{0.065, 0.07},
		{1.0, 1.0},
		{0.1 - 0.04, 0.06}, // float residue from subtraction
	}

	for _, tt := range tests {
		if got := Round2(tt.x); math.Abs(got-tt.expected) > 1e-10 {
			t.Errorf("Round2(%v) = %v, expected %v", tt.x, got, tt.expected)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 1, 10); got != 5 {
		t.Errorf("Clamp inside range = %v", got)
	}
	if got := Clamp(0.001, 0.01, 10); got != 0.01 {
		t.Errorf("Clamp below lo = %v", got)
	}
	if got := Clamp(50, 0.01, 10); got != 10 {
		t.Errorf("Clamp above hi = %v", got)
	}
}
