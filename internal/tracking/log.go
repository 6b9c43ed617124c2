package tracking

import (
	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// LogSink writes events to a logger. Per-entity events are logged at debug level.
type LogSink struct {
	logger stasis.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger stasis.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(e Event) {
	args := []any{"event", e.Name}
	if e.Operation != uuid.Nil {
		args = append(args, "operation", e.Operation, "kind", e.Kind)
	}
	if e.Definition != nil {
		args = append(args, "definition", *e.Definition)
	}
	if e.Path != "" {
		args = append(args, "path", e.Path)
	}
	if e.Name == EventEntityPartProcessed {
		args = append(args, "part", e.Part)
	}
	if e.Detail != "" {
		args = append(args, "detail", e.Detail)
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	}

	switch e.Name {
	case EventFailureEncountered, EventServerUnreachable:
		s.logger.Warn("operation event", args...)
	case EventStarted, EventCompleted, EventMetadataPushed, EventServerReachable:
		s.logger.Info("operation event", args...)
	case EventSpecificationProcessed:
		if e.Err != nil {
			s.logger.Warn("operation event", args...)
		} else {
			s.logger.Debug("operation event", args...)
		}
	default:
		s.logger.Debug("operation event", args...)
	}
}
