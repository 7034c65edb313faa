package progress

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexpair/foolvault/internal/archive"
)

// heartbeatEvery controls how often a settle emits a rate/ETA heartbeat.
const heartbeatEvery = 50

// Tracker turns run milestones into Events and hands them to its sinks
// synchronously. It also satisfies the fetch layer's Observer so transport
// measurements flow through the same pipeline.
type Tracker struct {
	runID  uuid.UUID
	sinks  []Sink
	clock  archive.Clock
	logger *zap.Logger

	started time.Time
	window  archive.Window
	done    int64
}

// NewTracker constructs a Tracker for one run.
func NewTracker(clock archive.Clock, logger *zap.Logger, sinks ...Sink) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		runID:  uuid.New(),
		sinks:  sinks,
		clock:  clock,
		logger: logger,
	}
}

// RunID returns the run identifier attached to every event.
func (t *Tracker) RunID() uuid.UUID { return t.runID }

func (t *Tracker) emit(evt Event) {
	evt.RunID = t.runID
	evt.TS = t.clock.Now()
	for _, s := range t.sinks {
		if err := s.Consume(evt); err != nil {
			t.logger.Warn("progress sink failed", zap.String("stage", string(evt.Stage)), zap.Error(err))
		}
	}
}

// RunStarted records the window the run will cover.
func (t *Tracker) RunStarted(window archive.Window) {
	t.started = t.clock.Now()
	t.window = window
	t.done = 0
	t.emit(Event{Stage: StageRunStart, Window: window, Total: window.Count()})
}

// PassStarted marks a per-source fallback pass beginning.
func (t *Tracker) PassStarted(src string, missing int) {
	t.emit(Event{Stage: StagePassStart, Source: src, Done: t.done, Total: t.window.Count(), Num: int64(missing)})
}

// NumberSettled marks one window number reaching its final record for the
// run. Every heartbeatEvery settles a rate/ETA heartbeat is emitted.
func (t *Tracker) NumberSettled(num int64, src string) {
	t.done++
	t.emit(Event{Stage: StageSettled, Source: src, Num: num, Done: t.done, Total: t.window.Count()})
	if t.done%heartbeatEvery != 0 {
		return
	}
	elapsed := t.clock.Now().Sub(t.started)
	if elapsed <= 0 {
		return
	}
	rate := float64(t.done) / elapsed.Seconds()
	var eta time.Duration
	if remaining := t.window.Count() - t.done; remaining > 0 && rate > 0 {
		eta = time.Duration(float64(remaining)/rate) * time.Second
	}
	t.emit(Event{Stage: StageHeartbeat, Done: t.done, Total: t.window.Count(), Rate: rate, ETA: eta})
}

// RunDone marks the run committing its chunk.
func (t *Tracker) RunDone(emitted, carried int) {
	t.emit(Event{Stage: StageRunDone, Done: int64(emitted), Num: int64(carried), Window: t.window, Dur: t.clock.Now().Sub(t.started)})
}

// RunFailed marks the run aborting before any state mutation.
func (t *Tracker) RunFailed(err error) {
	t.emit(Event{Stage: StageRunError, Note: err.Error(), Window: t.window})
}

// Close closes every sink.
func (t *Tracker) Close() {
	for _, s := range t.sinks {
		if err := s.Close(); err != nil {
			t.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// ObserveRequest implements source.Observer.
func (t *Tracker) ObserveRequest(src string, status int, dur time.Duration) {
	t.emit(Event{Stage: StageFetch, Source: src, StatusClass: ClassifyStatus(status), Dur: dur})
}

// ObserveRateLimitWait implements source.Observer.
func (t *Tracker) ObserveRateLimitWait(src string, dur time.Duration) {
	t.emit(Event{Stage: StageRateWait, Source: src, Dur: dur})
}

// ObserveRetry implements source.Observer.
func (t *Tracker) ObserveRetry(src string) {
	t.emit(Event{Stage: StageRetry, Source: src})
}
