// Package httpapi exposes the offline job over HTTP: connectivity event
// intake, manual ticks, threshold reconfiguration and status.
package httpapi
