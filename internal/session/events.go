package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

type EventKind string

const (
	EventStarted    EventKind = "session.started"
	EventUpdate     EventKind = "transcript.update"
	EventBackend    EventKind = "backend.change"
	EventDiagnostic EventKind = "session.diagnostic"
	EventEnded      EventKind = "session.ended"
)

// Event is delivered to every sink in emission order. Exactly one of the
// pointer fields is set, matching Kind; EventStarted carries none.
type Event struct {
	SessionID  string
	Kind       EventKind
	At         time.Time
	Update     *transcript.Update
	Backend    *inference.BackendEvent
	Diagnostic *Diagnostic
	Outcome    *Outcome
}

// Sink consumes session events. Handle runs on the session's dispatch
// goroutine; a slow sink delays later events but never the capture stage.
type Sink interface {
	Handle(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Handle(ctx context.Context, evt Event) error { return f(ctx, evt) }

func (s *Session) emit(evt Event) {
	evt.SessionID = s.id
	if evt.At.IsZero() {
		evt.At = s.clock().UTC()
	}
	s.events <- evt
}

func (s *Session) dispatch(ctx context.Context) {
	defer close(s.dispatchDone)
	for evt := range s.events {
		for _, sink := range s.deps.Sinks {
			if err := sink.Handle(ctx, evt); err != nil {
				s.log.Warn("session sink failed",
					slog.String("event", string(evt.Kind)),
					slog.String("error", err.Error()))
			}
		}
	}
}
