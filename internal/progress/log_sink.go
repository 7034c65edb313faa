package progress

import (
	"go.uber.org/zap"
)

// LogSink emits structured logs for the progress stream. Run-level
// milestones and heartbeats log at Info; per-number and fetch noise stays at
// Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(evt Event) error {
	switch evt.Stage {
	case StageRunStart:
		s.logger.Info("run started",
			zap.Int64("window_start", evt.Window.Start),
			zap.Int64("window_end", evt.Window.End),
			zap.Int64("total", evt.Total))
	case StagePassStart:
		s.logger.Info("fallback pass started",
			zap.String("source", evt.Source),
			zap.Int64("missing", evt.Num))
	case StageHeartbeat:
		s.logger.Info("window progress",
			zap.Int64("done", evt.Done),
			zap.Int64("total", evt.Total),
			zap.Float64("posts_per_sec", evt.Rate),
			zap.Duration("eta", evt.ETA))
	case StageRunDone:
		s.logger.Info("run committed",
			zap.Int64("emitted", evt.Done),
			zap.Int64("carried", evt.Num),
			zap.Duration("took", evt.Dur))
	case StageRunError:
		s.logger.Error("run aborted", zap.String("error", evt.Note))
	case StageSettled:
		s.logger.Debug("number settled",
			zap.Int64("num", evt.Num),
			zap.String("source", evt.Source))
	case StageFetch:
		s.logger.Debug("fetch",
			zap.String("source", evt.Source),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("dur", evt.Dur))
	case StageRateWait:
		s.logger.Debug("spacing wait",
			zap.String("source", evt.Source),
			zap.Duration("dur", evt.Dur))
	case StageRetry:
		s.logger.Debug("retry scheduled", zap.String("source", evt.Source))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close() error { return nil }
