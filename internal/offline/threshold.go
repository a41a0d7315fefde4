package offline

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds is an ordered list of escalation points, earliest first.
// A valid list is non-empty and strictly increasing with every entry > 0.
type Thresholds []time.Duration

// Validate reports ErrInvalidConfiguration for lists the calculator must not see.
func (t Thresholds) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: at least one threshold is required", ErrInvalidConfiguration)
	}
	for i, d := range t {
		if d <= 0 {
			return fmt.Errorf("%w: thresholds[%d] = %s must be > 0", ErrInvalidConfiguration, i, d)
		}
		if i > 0 && d <= t[i-1] {
			return fmt.Errorf("%w: thresholds[%d] = %s must be greater than %s", ErrInvalidConfiguration, i, d, t[i-1])
		}
	}
	return nil
}

func (t Thresholds) String() string {
	parts := make([]string, len(t))
	for i, d := range t {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// clone detaches the list from the caller's backing array.
func (t Thresholds) clone() Thresholds {
	return append(Thresholds(nil), t...)
}

// ParseThresholds parses Go duration strings ("1h", "6h", "24h") and validates the result.
func ParseThresholds(raw []string) (Thresholds, error) {
	out := make(Thresholds, 0, len(raw))
	for i, s := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: thresholds[%d]: %v", ErrInvalidConfiguration, i, err)
		}
		out = append(out, d)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Crossed is the result of LastPassedThreshold: either no threshold has been
// passed yet, or the tier at Index (with its Threshold) is the latest one passed.
type Crossed struct {
	Threshold time.Duration
	Index     int
	present   bool
}

// NotCrossed is the "no threshold passed yet" result.
var NotCrossed = Crossed{Index: -1}

func crossedAt(t Thresholds, i int) Crossed {
	return Crossed{Threshold: t[i], Index: i, present: true}
}

func (c Crossed) Present() bool { return c.present }

func (c Crossed) String() string {
	if !c.present {
		return "none"
	}
	return fmt.Sprintf("tier %d (%s)", c.Index, c.Threshold)
}

// LastPassedThreshold returns the threshold most recently crossed when
// current-start has elapsed. An elapsed time equal to a threshold has not yet
// passed it.
func LastPassedThreshold(start, current time.Time, thresholds Thresholds) (Crossed, error) {
	if !current.After(start) {
		return NotCrossed, fmt.Errorf("%w: current %s must be after start %s",
			ErrInvalidTimeRange, current.Format(time.RFC3339Nano), start.Format(time.RFC3339Nano))
	}
	if len(thresholds) == 0 {
		return NotCrossed, fmt.Errorf("%w: at least one threshold is required", ErrInvalidConfiguration)
	}

	elapsed := current.Sub(start)
	if elapsed <= thresholds[0] {
		return NotCrossed, nil
	}
	for i := 1; i < len(thresholds); i++ {
		if elapsed <= thresholds[i] {
			return crossedAt(thresholds, i-1), nil
		}
	}
	return crossedAt(thresholds, len(thresholds)-1), nil
}
