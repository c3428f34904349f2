package tracker

import (
	"math"
	"time"
)

// SessionMinutes returns the session length rounded to whole minutes.
// A leave earlier than the join yields 0 and skewed=true.
func SessionMinutes(join, leave time.Time) (minutes int, skewed bool) {
	d := leave.Sub(join)
	if d < 0 {
		return 0, true
	}
	return int(math.Round(d.Minutes())), false
}
