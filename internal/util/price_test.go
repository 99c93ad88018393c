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
		{"penny tick rounds down", 185.3724, 0.01, 185.37},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"negative rounds toward zero", -1.2345, 0.01, -1.23},
		{"nickel tick", 420.27, 0.05, 420.25},
		{"exact multiple unchanged", 1.25, 0.05, 1.25},
		{"spx five dollar grid", 6412.40, 5.0, 6410.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(tt.x, tt.tick)
			if math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestFloorToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"exact multiple", 1.30, 0.05, 1.30},
		{"just below boundary stays below", 1.2999999999999, 0.05, 1.25},
		{"just above boundary floors to it", 1.2500000000001, 0.05, 1.25},
		{"basic floor", 1.237, 0.01, 1.23},
		{"negative floors away from zero", -1.237, 0.01, -1.24},
		{"negative exact multiple", -1.25, 0.05, -1.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToTick(tt.x, tt.tick)
			if math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("FloorToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestCeilToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"exact multiple", 1.30, 0.05, 1.30},
		{"just above boundary ceils up", 1.2500000000001, 0.05, 1.30},
		{"just below boundary ceils to it", 1.2999999999999, 0.05, 1.30},
		{"basic ceil", 1.231, 0.01, 1.24},
		{"negative ceils toward zero", -1.231, 0.01, -1.23},
		{"negative exact multiple", -1.25, 0.05, -1.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CeilToTick(tt.x, tt.tick)
			if math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("CeilToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestTickRoundingEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		in := 1.2345
		if got := RoundToTick(in, 0); got != in {
			t.Errorf("RoundToTick(%v, 0) = %v", in, got)
		}
		if got := FloorToTick(in, 0); got != in {
			t.Errorf("FloorToTick(%v, 0) = %v", in, got)
		}
		if got := CeilToTick(in, 0); got != in {
			t.Errorf("CeilToTick(%v, 0) = %v", in, got)
		}
	})

	t.Run("NaN passes through", func(t *testing.T) {
		if got := RoundToTick(math.NaN(), 0.01); !math.IsNaN(got) {
			t.Errorf("RoundToTick(NaN, 0.01) = %v", got)
		}
		if got := FloorToTick(math.NaN(), 0.01); !math.IsNaN(got) {
			t.Errorf("FloorToTick(NaN, 0.01) = %v", got)
		}
		if got := CeilToTick(math.NaN(), 0.01); !math.IsNaN(got) {
			t.Errorf("CeilToTick(NaN, 0.01) = %v", got)
		}
	})

	t.Run("infinities pass through", func(t *testing.T) {
		if got := RoundToTick(math.Inf(1), 0.01); !math.IsInf(got, 1) {
			t.Errorf("RoundToTick(+Inf, 0.01) = %v", got)
		}
		if got := CeilToTick(math.Inf(-1), 0.01); !math.IsInf(got, -1) {
			t.Errorf("CeilToTick(-Inf, 0.01) = %v", got)
		}
	})

	t.Run("negative tick uses absolute value", func(t *testing.T) {
		got := RoundToTick(1.235, -0.01)
		if math.Abs(got-1.24) > 1e-10 {
			t.Errorf("RoundToTick(1.235, -0.01) = %v, expected 1.24", got)
		}
	})
}
