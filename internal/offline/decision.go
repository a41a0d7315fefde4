package offline

import "time"

// Due reports whether a device without any notification history must be
// notified: some threshold has been crossed since it went offline.
func Due(jobStart, offlineSince time.Time, thresholds Thresholds) (bool, error) {
	now, err := LastPassedThreshold(offlineSince, jobStart, thresholds)
	if err != nil {
		return false, err
	}
	return now.Present(), nil
}

// DueSince is Due for a device that was notified at lastNotified.
//
// A notification older than offlineSince belongs to a previous offline episode
// and is ignored. Otherwise a new notification is due only when the device has
// reached a different tier than the one already passed at lastNotified.
func DueSince(jobStart, offlineSince, lastNotified time.Time, thresholds Thresholds) (bool, error) {
	now, err := LastPassedThreshold(offlineSince, jobStart, thresholds)
	if err != nil || !now.Present() {
		return false, err
	}
	if lastNotified.Before(offlineSince) {
		return true, nil
	}
	// Notified at the very instant the device went offline: nothing was crossed
	// then. An empty range here is a same-instant record, not an error.
	if lastNotified.Equal(offlineSince) {
		return true, nil
	}
	then, err := LastPassedThreshold(offlineSince, lastNotified, thresholds)
	if err != nil {
		return false, err
	}
	return then != now, nil
}
