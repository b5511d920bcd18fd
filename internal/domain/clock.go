package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// CalendarDay returns the month and day of c's current time in loc. A nil
// loc means local time.
func CalendarDay(c clockwork.Clock, loc *time.Location) (month, day int) {
	now := c.Now()
	if loc != nil {
		now = now.In(loc)
	}
	return int(now.Month()), now.Day()
}

// DateKey formats c's current date in loc as YYYY-MM-DD.
func DateKey(c clockwork.Clock, loc *time.Location) string {
	now := c.Now()
	if loc != nil {
		now = now.In(loc)
	}
	return now.Format(time.DateOnly)
}
