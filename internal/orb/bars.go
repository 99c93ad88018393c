// Package orb captures the opening range and emits the day's breakout
// signals. The broker has no intraday candle endpoint, so bars are built
// here from the polled quote stream: each quote's last trade extends the
// current one-minute bucket and the cumulative day volume is differenced
// into per-bar volume.
package orb

import (
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

// BarInterval is the native resolution of the built series. One minute
// keeps the indicator warm-up (35 bars) comfortably inside the stretch
// between the open and the first signal window at open+45m.
const BarInterval = time.Minute

// BarBuilder folds a polled quote stream into fixed-interval bars for one
// symbol. Not safe for concurrent use; the signal engine serializes access.
type BarBuilder struct {
	interval time.Duration
	done     []models.Candle
	cur      *models.Candle
	cumVol   int64 // last cumulative day volume seen

	dayHigh   float64
	dayLow    float64
	dayHighAt time.Time
	dayLowAt  time.Time
}

// NewBarBuilder returns a builder bucketing quotes at the given interval.
func NewBarBuilder(interval time.Duration) *BarBuilder {
	if interval <= 0 {
		interval = BarInterval
	}
	return &BarBuilder{interval: interval}
}

// Observe folds one quote into the series. Quotes older than the current
// bucket are dropped; the poll loop occasionally returns a stale snapshot
// after a transport retry.
func (b *BarBuilder) Observe(q models.Quote) {
	if q.Last <= 0 || q.Timestamp.IsZero() {
		return
	}
	b.observeExtremes(q)

	bucket := q.Timestamp.Truncate(b.interval)
	if b.cur != nil && bucket.Before(b.cur.Start) {
		return
	}
	if b.cur == nil || bucket.After(b.cur.Start) {
		if b.cur != nil {
			b.done = append(b.done, *b.cur)
		}
		b.cur = &models.Candle{
			Start: bucket,
			End:   bucket.Add(b.interval),
			Open:  q.Last,
			High:  q.Last,
			Low:   q.Last,
		}
	}
	if q.Last > b.cur.High {
		b.cur.High = q.Last
	}
	if q.Last < b.cur.Low {
		b.cur.Low = q.Last
	}
	b.cur.Close = q.Last

	// Day volume is cumulative; the difference since the previous quote
	// belongs to the current bar. A negative delta means the feed reset.
	if q.Volume > 0 {
		if delta := q.Volume - b.cumVol; delta > 0 {
			b.cur.Volume += delta
		}
		if q.Volume > b.cumVol {
			b.cumVol = q.Volume
		}
	}
}

// observeExtremes tracks the session high and low. The quote's own day
// high/low fields catch moves between polls; the last trade covers feeds
// that omit them.
func (b *BarBuilder) observeExtremes(q models.Quote) {
	high, low := q.Last, q.Last
	if q.High > 0 && q.High > high {
		high = q.High
	}
	if q.Low > 0 && q.Low < low {
		low = q.Low
	}
	if b.dayHigh == 0 || high > b.dayHigh {
		b.dayHigh = high
		b.dayHighAt = q.Timestamp
	}
	if b.dayLow == 0 || low < b.dayLow {
		b.dayLow = low
		b.dayLowAt = q.Timestamp
	}
}

// Bars returns the completed bars as of now. The in-progress bucket is
// included once the clock has passed its end, so evaluation at a bar
// boundary sees the bar that just closed even if no newer quote has
// arrived yet.
func (b *BarBuilder) Bars(now time.Time) []models.Candle {
	out := make([]models.Candle, len(b.done), len(b.done)+1)
	copy(out, b.done)
	if b.cur != nil && !now.Before(b.cur.End) {
		out = append(out, *b.cur)
	}
	return out
}

// LastBar returns the most recently completed bar as of now.
func (b *BarBuilder) LastBar(now time.Time) (models.Candle, bool) {
	bars := b.Bars(now)
	if len(bars) == 0 {
		return models.Candle{}, false
	}
	return bars[len(bars)-1], true
}

// Aggregate merges the completed bars inside [start, end) into one candle
// and reports how many source bars it covers. ok is false when the window
// holds no bars.
func (b *BarBuilder) Aggregate(start, end, now time.Time) (c models.Candle, covered int, ok bool) {
	for _, bar := range b.Bars(now) {
		if bar.Start.Before(start) || bar.End.After(end) {
			continue
		}
		if covered == 0 {
			c = bar
		} else {
			if bar.High > c.High {
				c.High = bar.High
			}
			if bar.Low < c.Low {
				c.Low = bar.Low
			}
			c.Close = bar.Close
			c.End = bar.End
			c.Volume += bar.Volume
		}
		covered++
	}
	return c, covered, covered > 0
}

// DayLow returns the session low and when it was observed.
func (b *BarBuilder) DayLow() (float64, time.Time) { return b.dayLow, b.dayLowAt }

// DayHigh returns the session high and when it was observed.
func (b *BarBuilder) DayHigh() (float64, time.Time) { return b.dayHigh, b.dayHighAt }

// Resample downsamples a bar series to a coarser interval, merging bars by
// truncated start time. Input must be ordered oldest-first. Partial
// trailing buckets are included; callers that need only closed buckets
// should drop the last element.
func Resample(bars []models.Candle, interval time.Duration) []models.Candle {
	if interval <= 0 || len(bars) == 0 {
		return nil
	}
	var out []models.Candle
	for _, bar := range bars {
		bucket := bar.Start.Truncate(interval)
		if len(out) == 0 || !out[len(out)-1].Start.Equal(bucket) {
			merged := bar
			merged.Start = bucket
			merged.End = bucket.Add(interval)
			out = append(out, merged)
			continue
		}
		cur := &out[len(out)-1]
		if bar.High > cur.High {
			cur.High = bar.High
		}
		if bar.Low < cur.Low {
			cur.Low = bar.Low
		}
		cur.Close = bar.Close
		cur.Volume += bar.Volume
	}
	return out
}
