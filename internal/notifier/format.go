package notifier

import (
	"fmt"
	"time"

	"github.com/hako/durafmt"
)

// HumanDuration renders d with its two most significant units ("2 hours 5 minutes").
func HumanDuration(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	return durafmt.Parse(d.Round(time.Second)).LimitFirstN(2).String()
}

// FormatOffline builds the default notification text.
func FormatOffline(m Message) string {
	if m.OfflineSince.IsZero() {
		return fmt.Sprintf("Device %s is offline.", m.Device)
	}
	return fmt.Sprintf("Device %s has been offline for %s (since %s).",
		m.Device, HumanDuration(m.OfflineFor), m.OfflineSince.UTC().Format(time.RFC3339))
}
