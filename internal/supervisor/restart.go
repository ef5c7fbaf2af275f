// SPDX-License-Identifier: MIT

package supervisor

import "time"

// RestartMode selects what happens after a worker crash.
type RestartMode string

const (
	// RestartNever leaves the worker in Crashed.
	RestartNever RestartMode = "never"
	// RestartUpTo restarts at most Max times per supervisor run.
	RestartUpTo RestartMode = "up-to"
	// RestartAlways restarts unconditionally.
	RestartAlways RestartMode = "always"
)

const (
	defaultBackoff    = 100 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// RestartPolicy configures crash handling for one worker.
type RestartPolicy struct {
	Mode       RestartMode
	Max        int           // used by RestartUpTo
	Backoff    time.Duration // initial delay, doubled per attempt
	MaxBackoff time.Duration // delay ceiling
}

// allow reports whether restart attempt n (1-based) may proceed.
func (p RestartPolicy) allow(attempt int) bool {
	switch p.Mode {
	case RestartAlways:
		return true
	case RestartUpTo:
		return attempt <= p.Max
	default:
		return false
	}
}

// delay computes the exponential backoff before attempt n (1-based).
func (p RestartPolicy) delay(attempt int) time.Duration {
	base := p.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	ceil := p.MaxBackoff
	if ceil <= 0 {
		ceil = defaultMaxBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}
