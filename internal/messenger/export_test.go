package messenger

import "time"

// SetClock replaces the dedupe clock in tests.
func (d *Dedupe) SetClock(now func() time.Time) { d.now = now }
