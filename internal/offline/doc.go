// Package offline decides when a "device is offline" notification is due.
//
// A Job tracks currently offline devices in a Registry and, on every tick,
// computes per device which escalation threshold was most recently crossed.
// A notification fires at most once per threshold tier per offline episode:
// a new disconnect instant invalidates older notification history.
//
// Scheduling the tick, delivering notifications and persisting delivery
// history are left to collaborators (see DeviceService and
// PushNotificationService).
package offline
