// Package retention reclaims storage from delivered archives and expired
// periods.
//
// Reclaim removes the files of one delivered job. SweepExpiredPeriods
// removes everything tagged with the period lagPeriods before the one being
// packaged, so data of the current period is never touched. Failures are
// collected per path and never stop the remaining deletions.
package retention
