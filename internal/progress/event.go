// Package progress defines the events emitted while a run advances, plus
// the sinks that consume them. The engine is single-threaded, so events are
// delivered synchronously in emission order.
package progress

import (
	"time"

	"github.com/hexpair/foolvault/internal/archive"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StagePassStart Stage = "PASS_START"
	StageSettled   Stage = "NUM_SETTLED"
	StageHeartbeat Stage = "HEARTBEAT"
	StageFetch     Stage = "FETCH"
	StageRateWait  Stage = "RATE_WAIT"
	StageRetry     Stage = "RETRY"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Event captures a single milestone of archiver progress.
type Event struct {
	// RunID uniquely identifies one builder or scanner run.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Source scopes the event to a mirror where applicable.
	Source string
	// Num is the post number for per-number milestones.
	Num int64
	// Window is the run's target range, set on run-level events.
	Window archive.Window
	// Done and Total track window completion for heartbeats.
	Done  int64
	Total int64
	// Rate is the recent settle rate in posts per second.
	Rate float64
	// ETA estimates the remaining run time at the current rate.
	ETA time.Duration
	// StatusClass groups HTTP response codes on fetch events.
	StatusClass StatusClass
	// Dur carries fetch or wait latency.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Sink consumes events. Sinks must tolerate every stage, including ones
// added later.
type Sink interface {
	Consume(evt Event) error
	Close() error
}
