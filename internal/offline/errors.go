package offline

import "errors"

var (
	// ErrInvalidConfiguration: threshold list empty, non-positive or not strictly increasing.
	ErrInvalidConfiguration = errors.New("invalid threshold configuration")
	// ErrInvalidTimeRange: current is not strictly after start.
	ErrInvalidTimeRange = errors.New("invalid time range")
	// ErrMissingConfiguration: Run was called before any thresholds were set.
	ErrMissingConfiguration = errors.New("thresholds not configured")
	// ErrNilCollaborator: a required collaborator was not provided to New.
	ErrNilCollaborator = errors.New("device service and push notification service are required")
)
