package exit

import "time"

// peakSample is one monitor-tick mark.
type peakSample struct {
	ts    time.Time
	price float64
}

// peakWindow holds the marks behind the gap-risk reference. The reference
// is deliberately the duration-weighted mean of the window, not its high
// water mark: each mark counts for as long as it stayed the latest print,
// so one stray spike cannot own the window the way a plain max would. On a
// sustained one-way move the reference therefore lags below the window's
// best print, which keeps the gap trigger keyed to where the position
// actually traded rather than its single best tick.
type peakWindow struct {
	span    time.Duration
	samples []peakSample
}

func newPeakWindow(span time.Duration) *peakWindow {
	return &peakWindow{span: span}
}

// Observe appends a mark and evicts samples whose hold time now lies fully
// outside the window.
func (w *peakWindow) Observe(ts time.Time, price float64) {
	if price <= 0 {
		return
	}
	if n := len(w.samples); n > 0 && !ts.After(w.samples[n-1].ts) {
		return
	}
	w.samples = append(w.samples, peakSample{ts: ts, price: price})
	w.evict(ts)
}

func (w *peakWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	// A sample holds until the next one arrives, so the last sample at or
	// before the cutoff still covers the window's left edge.
	i := 0
	for i+1 < len(w.samples) && !w.samples[i+1].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Ref returns the duration-weighted reference price as of now, false until
// at least one mark exists.
func (w *peakWindow) Ref(now time.Time) (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	cutoff := now.Add(-w.span)
	var weighted float64
	var total time.Duration
	for i, s := range w.samples {
		start := s.ts
		if start.Before(cutoff) {
			start = cutoff
		}
		end := now
		if i+1 < len(w.samples) {
			end = w.samples[i+1].ts
		}
		if !end.After(start) {
			continue
		}
		hold := end.Sub(start)
		weighted += s.price * hold.Seconds()
		total += hold
	}
	if total <= 0 {
		// Every mark shares the newest timestamp; fall back to the latest.
		return w.samples[len(w.samples)-1].price, true
	}
	return weighted / total.Seconds(), true
}
