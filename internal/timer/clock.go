package timer

import "time"

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
