package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// LogSink mirrors history events into the structured log. Fetch and retry
// events are logged at debug level to keep info output readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Kind {
		case progress.KindFetch, progress.KindRetry, progress.KindCheckpoint, progress.KindItemWritten:
			level = zapcore.DebugLevel
		case progress.KindStageFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "history")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("stage", evt.Stage),
			zap.String("scope", evt.Scope),
		}
		if evt.Entity != "" {
			fields = append(fields, zap.String("entity", evt.Entity))
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.Int("attempt", evt.Attempt),
				zap.Int("status", evt.StatusCode),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
