package orb

import (
	"fmt"
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

// OpeningRange is the capture window measured from the session open.
const OpeningRange = 15 * time.Minute

// captureGrace bounds how stale the first post-window quote may be and
// still describe the opening range through its day high/low fields. Past
// it, those fields have absorbed post-range price action.
const captureGrace = 90 * time.Second

// minOpeningBars is the fewest one-minute bars accepted when falling back
// to the built series. A couple of missed polls is tolerable; an engine
// started mid-range is not.
const minOpeningBars = 13

// capture builds the opening range once the window has closed. The quote
// path is preferred: a timely quote's day high/low are exchange-true,
// while built bars undersample extremes between polls.
func capture(ticker, tradingDate string, open time.Time, q models.Quote, bars *BarBuilder) (*models.ORBData, error) {
	windowEnd := open.Add(OpeningRange)
	if q.Timestamp.Before(windowEnd) {
		return nil, fmt.Errorf("orb %s: window still open until %s", ticker, windowEnd.Format("15:04:05"))
	}

	if !q.Timestamp.After(windowEnd.Add(captureGrace)) && q.High > 0 && q.Low > 0 {
		bar := models.Candle{
			Start:  open,
			End:    windowEnd,
			Open:   q.Open,
			High:   q.High,
			Low:    q.Low,
			Close:  q.Last,
			Volume: q.Volume,
		}
		if bar.Open <= 0 {
			bar.Open = q.Last
		}
		return models.NewORBData(ticker, tradingDate, bar)
	}

	agg, covered, ok := bars.Aggregate(open, windowEnd, q.Timestamp)
	if !ok || covered < minOpeningBars {
		return nil, fmt.Errorf("orb %s: only %d/%d opening bars observed", ticker, covered, int(OpeningRange/BarInterval))
	}
	return models.NewORBData(ticker, tradingDate, agg)
}
