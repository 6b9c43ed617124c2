package tracking

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/rules"
	"github.com/sndnv/stasis-sub004/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.Name
	}
	return names
}

type logEntry struct {
	level string
	args  []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(level string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, args: args})
}

func (l *recordingLogger) Debug(_ string, args ...any) { l.log("debug", args) }
func (l *recordingLogger) Info(_ string, args ...any)  { l.log("info", args) }
func (l *recordingLogger) Warn(_ string, args ...any)  { l.log("warn", args) }
func (l *recordingLogger) Error(_ string, args ...any) { l.log("error", args) }

func TestBackupTracker(t *testing.T) {
	sink := &recordingSink{}
	clock := testutil.FixedClock()
	tracker := NewBackupTracker(sink, clock)
	operation, definition := uuid.New(), uuid.New()

	tracker.Started(operation, definition)
	tracker.EntityDiscovered(operation, "/a")
	tracker.SpecificationProcessed(operation, []rules.UnmatchedRule{{Err: rules.ErrNoMatches}, {Err: rules.ErrNoMatches}})
	tracker.EntityPartProcessed(operation, "/a", 2)
	tracker.FailureEncountered(operation, "/a", errors.New("boom"))
	tracker.Completed(operation)

	want := []string{
		EventStarted, EventEntityDiscovered,
		EventSpecificationProcessed, EventSpecificationProcessed,
		EventEntityPartProcessed, EventFailureEncountered, EventCompleted,
	}
	if got := sink.names(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	for _, e := range sink.events {
		if e.Operation != operation || e.Kind != KindBackup || !e.Time.Equal(clock.Now()) {
			t.Errorf("event = %+v", e)
		}
	}
	if started := sink.events[0]; started.Definition == nil || *started.Definition != definition {
		t.Errorf("started definition = %v, want %v", started.Definition, definition)
	}
	if part := sink.events[4]; part.Part != 2 || part.Path != "/a" {
		t.Errorf("part event = %+v", part)
	}
}

func TestRecoveryTracker(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewRecoveryTracker(sink, testutil.FixedClock())
	operation := uuid.New()

	tests := []struct {
		metadata, content bool
		want              string
	}{
		{true, true, "metadata and content changed"},
		{true, false, "metadata changed"},
		{false, true, "content changed"},
		{false, false, ""},
	}
	for _, tt := range tests {
		tracker.EntityExamined(operation, "/a", tt.metadata, tt.content)
	}

	for i, tt := range tests {
		e := sink.events[i]
		if e.Detail != tt.want || e.Kind != KindRecovery {
			t.Errorf("EntityExamined(%v, %v) detail = %q, want %q", tt.metadata, tt.content, e.Detail, tt.want)
		}
	}
}

func TestMulti(t *testing.T) {
	first, second := &recordingSink{}, &recordingSink{}
	tracker := NewServerTracker(Multi{first, second}, testutil.FixedClock())

	tracker.ServerReachable("api")
	tracker.ServerUnreachable("api", errors.New("timeout"))

	for _, sink := range []*recordingSink{first, second} {
		if got := sink.names(); len(got) != 2 || got[0] != EventServerReachable || got[1] != EventServerUnreachable {
			t.Errorf("events = %v", got)
		}
	}
}

func TestLogSink(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		level string
	}{
		{"entity events are debug", Event{Operation: uuid.New(), Name: EventEntityProcessed, Path: "/a"}, "debug"},
		{"started is info", Event{Operation: uuid.New(), Name: EventStarted}, "info"},
		{"failures are warnings", Event{Operation: uuid.New(), Name: EventFailureEncountered, Err: errors.New("boom")}, "warn"},
		{"unmatched rules are warnings", Event{Operation: uuid.New(), Name: EventSpecificationProcessed, Err: rules.ErrNoMatches}, "warn"},
		{"unreachable servers are warnings", Event{Name: EventServerUnreachable, Path: "api"}, "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &recordingLogger{}
			NewLogSink(logger).Record(tt.event)
			if len(logger.entries) != 1 || logger.entries[0].level != tt.level {
				t.Errorf("logged %+v, want one %s entry", logger.entries, tt.level)
			}
		})
	}
}
