// Package scheduler is the periodic trigger facility.
//
// Each named schedule is a cron expression or a fixed interval (see
// ParseSchedule). A trigger is skipped while the previous run of the same
// schedule is still in flight, each run gets its own timeout, and repeated
// failures are logged at most once per errLogEvery per schedule.
package scheduler
