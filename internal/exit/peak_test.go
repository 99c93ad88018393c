package exit

import (
	"math"
	"testing"
	"time"
)

func TestPeakWindowWeightedRef(t *testing.T) {
	w := newPeakWindow(45 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	if _, ok := w.Ref(base); ok {
		t.Fatal("empty window produced a reference")
	}

	w.Observe(base, 100)
	w.Observe(base.Add(time.Minute), 102)

	ref, ok := w.Ref(base.Add(2 * time.Minute))
	if !ok || math.Abs(ref-101) > 1e-9 {
		t.Fatalf("ref = %.4f ok=%v, want 101", ref, ok)
	}
}

func TestPeakWindowSpikeDoesNotOwnRef(t *testing.T) {
	w := newPeakWindow(45 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		w.Observe(base.Add(time.Duration(i)*time.Minute), 100)
	}
	w.Observe(base.Add(30*time.Minute), 130) // one bad print

	ref, _ := w.Ref(base.Add(31 * time.Minute))
	if ref > 102 {
		t.Fatalf("one spike moved the reference to %.2f", ref)
	}
}

func TestPeakWindowRampRefLagsBelowHigh(t *testing.T) {
	w := newPeakWindow(45 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	// A steady one-way ramp: the reference is the mean of where the
	// position traded, not the best print.
	for i := 0; i < 10; i++ {
		w.Observe(base.Add(time.Duration(i)*time.Minute), 100+float64(i))
	}

	ref, ok := w.Ref(base.Add(10 * time.Minute))
	if !ok || math.Abs(ref-104.5) > 1e-9 {
		t.Fatalf("ref = %.4f ok=%v, want 104.5", ref, ok)
	}
	if ref >= 109 {
		t.Fatalf("ref = %.4f, must sit below the 109 high", ref)
	}
}

func TestPeakWindowEvictsOldMarks(t *testing.T) {
	w := newPeakWindow(45 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	w.Observe(base, 90)
	w.Observe(base.Add(44*time.Minute), 100)

	// The old mark still covers the window's left edge, clipped to it.
	ref, _ := w.Ref(base.Add(46 * time.Minute))
	want := (90.0*43*60 + 100.0*2*60) / (45 * 60)
	if math.Abs(ref-want) > 1e-9 {
		t.Fatalf("ref = %.6f, want %.6f", ref, want)
	}

	// Far past the span only the latest mark still carries weight.
	ref, _ = w.Ref(base.Add(2 * time.Hour))
	if math.Abs(ref-100) > 1e-9 {
		t.Fatalf("ref = %.4f, want 100", ref)
	}
}

func TestPeakWindowRejectsBadMarks(t *testing.T) {
	w := newPeakWindow(45 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	w.Observe(base, 100)
	w.Observe(base.Add(-time.Minute), 50) // out of order
	w.Observe(base, 50)                   // duplicate timestamp
	w.Observe(base.Add(time.Minute), -3)  // nonsense price

	ref, ok := w.Ref(base.Add(time.Minute))
	if !ok || math.Abs(ref-100) > 1e-9 {
		t.Fatalf("ref = %.4f, want 100", ref)
	}
}

func TestPeakWindowEvictionBounds(t *testing.T) {
	w := newPeakWindow(10 * time.Minute)
	base := time.Date(2026, 1, 6, 15, 0, 0, 0, time.UTC)

	for i := 0; i < 600; i++ {
		w.Observe(base.Add(time.Duration(i)*30*time.Second), 100+float64(i%5))
	}
	if len(w.samples) > 22 {
		t.Fatalf("window kept %d samples for a 10m span at 30s cadence", len(w.samples))
	}
}
