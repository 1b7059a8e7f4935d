// Package exposure computes the rolling window and aggregate amount of a
// provider's recent authorizations.
package exposure

import "time"

// StartDateByAuthExpireDays returns the earliest instant, in now's location,
// whose authorizations still count toward a provider's credit exposure.
//
// The boundary is UTC midnight of the day authExpireDays-1 days before now
// in UTC. In Mountain time that lands on 17:00 or 18:00 local, so a local
// "now" before that hour reaches back one day less than authExpireDays.
func StartDateByAuthExpireDays(authExpireDays int, now time.Time) time.Time {
	u := now.UTC().AddDate(0, 0, -(authExpireDays - 1))
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start.In(now.Location())
}
