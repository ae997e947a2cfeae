package corosync

import (
	"time"

	"github.com/mercadocoro/corofiber/internal/logger"
)

// TimeMeasure is a scoped stopwatch. Start it, do work, then call Stop
// to emit a structured log line with the elapsed duration — used by
// RPC call-latency recording.
type TimeMeasure struct {
	label string
	begin time.Time
}

// StartMeasure begins timing a named operation.
func StartMeasure(label string) *TimeMeasure {
	return &TimeMeasure{label: label, begin: time.Now()}
}

// Reset restarts the stopwatch from now.
func (m *TimeMeasure) Reset() { m.begin = time.Now() }

// Elapsed returns the duration since the stopwatch was started or
// last reset.
func (m *TimeMeasure) Elapsed() time.Duration { return time.Since(m.begin) }

// Stop logs the elapsed duration at debug level and returns it.
func (m *TimeMeasure) Stop() time.Duration {
	d := m.Elapsed()
	logger.WithComponent("timemeasure").Debug().
		Str("label", m.label).
		Dur("elapsed", d).
		Msg("operation completed")
	return d
}
