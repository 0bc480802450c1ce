package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// BusSink publishes the transcript feed and lifecycle on NATS.
type BusSink struct {
	client *bus.Client
	nodeID string
}

func NewBusSink(client *bus.Client, nodeID string) *BusSink {
	return &BusSink{client: client, nodeID: nodeID}
}

func (b *BusSink) Handle(_ context.Context, evt Event) error {
	switch evt.Kind {
	case EventUpdate:
		msg := updateMessage(evt.SessionID, *evt.Update, evt)
		if err := b.client.PublishJSON(protocol.SubjectTranscriptUpdate, msg); err != nil {
			return err
		}
		if evt.Update.Op == transcript.Commit {
			return b.client.PublishJSON(protocol.SubjectTranscriptCommitted, msg)
		}
		return nil
	case EventBackend:
		return b.client.PublishJSON(protocol.SubjectBackendChange, backendMessage(evt.SessionID, *evt.Backend))
	case EventDiagnostic:
		msg := protocol.SessionStatus{
			SessionID: evt.SessionID,
			NodeID:    b.nodeID,
			Status:    Running.String(),
			Stage:     string(evt.Diagnostic.Stage),
			Error:     evt.Diagnostic.Error,
			Timestamp: evt.At,
		}
		subject := protocol.SubjectSessionStatus
		if evt.Diagnostic.Stage == StageRecorder {
			subject = protocol.SubjectRecordingDiagnostics
		}
		return b.client.PublishJSON(subject, msg)
	case EventStarted:
		return b.client.PublishJSON(protocol.SubjectSessionStatus, protocol.SessionStatus{
			SessionID: evt.SessionID,
			NodeID:    b.nodeID,
			Status:    Running.String(),
			Timestamp: evt.At,
		})
	case EventEnded:
		return b.client.PublishJSON(protocol.SubjectSessionStatus, statusMessage(b.nodeID, *evt.Outcome, evt))
	}
	return nil
}

// StoreSink writes the session timeline to the event store.
type StoreSink struct {
	store  *eventstore.Store
	nodeID string

	mu    sync.Mutex
	begun map[string]bool
}

func NewStoreSink(store *eventstore.Store, nodeID string) *StoreSink {
	return &StoreSink{store: store, nodeID: nodeID, begun: make(map[string]bool)}
}

// begin creates the session row on the first event of a session; backend
// selection is reported before the session starts running.
func (s *StoreSink) begin(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.begun[sessionID] {
		return nil
	}
	if err := s.store.BeginSession(ctx, sessionID, s.nodeID); err != nil {
		return err
	}
	s.begun[sessionID] = true
	return nil
}

func (s *StoreSink) Handle(ctx context.Context, evt Event) error {
	if err := s.begin(ctx, evt.SessionID); err != nil {
		return err
	}
	var payload any
	switch evt.Kind {
	case EventStarted:
		return nil
	case EventUpdate:
		u := *evt.Update
		if u.Op != transcript.Commit {
			return nil
		}
		return s.store.CommitSegment(ctx, evt.SessionID, eventstore.Segment{
			Index: u.Segment.Index,
			Text:  u.Segment.Text,
			Start: u.Segment.Start,
			End:   u.Segment.End,
		})
	case EventBackend:
		payload = backendMessage(evt.SessionID, *evt.Backend)
	case EventDiagnostic:
		payload = evt.Diagnostic
	case EventEnded:
		out := *evt.Outcome
		end := eventstore.SessionEnd{Status: out.Status.String()}
		if out.Failure != nil {
			end.Stage = string(out.Failure.Stage)
			end.Error = out.Failure.Err.Error()
		}
		if out.Recording != nil {
			end.RecordingPath = out.Recording.Path
		}
		s.mu.Lock()
		delete(s.begun, evt.SessionID)
		s.mu.Unlock()
		return s.store.EndSession(ctx, evt.SessionID, end)
	default:
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Kind, err)
	}
	return s.store.AppendEvent(ctx, eventstore.Event{
		SessionID: evt.SessionID,
		Type:      string(evt.Kind),
		Payload:   data,
		CreatedAt: evt.At,
	})
}

func updateMessage(sessionID string, u transcript.Update, evt Event) protocol.TranscriptUpdate {
	return protocol.TranscriptUpdate{
		SessionID: sessionID,
		Op:        u.Op.String(),
		Index:     u.Segment.Index,
		Seq:       u.Segment.Seq,
		Status:    u.Segment.Status.String(),
		Text:      u.Segment.Text,
		StartMS:   u.Segment.Start.Milliseconds(),
		EndMS:     u.Segment.End.Milliseconds(),
		Ambiguous: u.Segment.Ambiguous,
		Timestamp: evt.At,
	}
}

func backendInfo(state inference.BackendState) protocol.Backend {
	return protocol.Backend{Name: state.Backend, Tier: state.Tier.String(), Warm: state.Warm}
}

func backendMessage(sessionID string, evt inference.BackendEvent) protocol.BackendChange {
	msg := protocol.BackendChange{
		SessionID: sessionID,
		Kind:      string(evt.Kind),
		To:        backendInfo(evt.To),
		Window:    evt.Seq,
		Timestamp: evt.At.UTC(),
	}
	if evt.Kind != inference.EventSelected {
		from := backendInfo(evt.From)
		msg.From = &from
	}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	return msg
}

func statusMessage(nodeID string, out Outcome, evt Event) protocol.SessionStatus {
	msg := protocol.SessionStatus{
		SessionID: evt.SessionID,
		NodeID:    nodeID,
		Status:    out.Status.String(),
		Timestamp: evt.At,
	}
	if out.Backend.Backend != "" {
		b := backendInfo(out.Backend)
		msg.Backend = &b
	}
	if out.Failure != nil {
		msg.Stage = string(out.Failure.Stage)
		msg.Error = out.Failure.Err.Error()
		var fatal *inference.FatalError
		if errors.As(out.Failure.Err, &fatal) && msg.Backend == nil {
			b := backendInfo(fatal.State)
			msg.Backend = &b
		}
	}
	if out.Recording != nil {
		msg.Recording = &protocol.Recording{
			Path:       out.Recording.Path,
			SampleRate: out.Recording.SampleRate,
			Format:     out.Recording.Format,
			DurationMS: out.Recording.Duration.Milliseconds(),
			Frames:     out.Recording.Frames,
			Gaps:       out.Recording.Gaps,
			Incomplete: out.Recording.Incomplete,
		}
	}
	return msg
}
