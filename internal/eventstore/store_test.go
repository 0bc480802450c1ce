package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionEphemeral})
	ctx := context.Background()
	if err := es.BeginSession(ctx, "s", "node"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "note"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("ephemeral store must keep nothing, got %d events (%v)", len(events), err)
	}
}

func TestSessionTimeline(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionSession})
	ctx := context.Background()

	if err := es.BeginSession(ctx, "session-123", "node-1"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: "backend.change", Payload: []byte(`{"to":"cuda"}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	for i, text := range []string{"the cat", "", "sat on the mat"} {
		seg := Segment{Index: i, Text: text, Start: time.Duration(i) * time.Second, End: time.Duration(i+1) * time.Second}
		if err := es.CommitSegment(ctx, "session-123", seg); err != nil {
			t.Fatalf("commit segment: %v", err)
		}
	}
	if err := es.CommitSegment(ctx, "session-123", Segment{Index: 0, Text: "rewritten"}); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if err := es.EndSession(ctx, "session-123", SessionEnd{Status: "completed", RecordingPath: "/tmp/r.wav"}); err != nil {
		t.Fatalf("end session: %v", err)
	}

	text, err := es.Transcript(ctx, "session-123")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if text != "the cat sat on the mat" {
		t.Fatalf("unexpected transcript %q", text)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || string(events[0].Payload) != `{"to":"cuda"}` {
		t.Fatalf("unexpected events: %+v", events)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != "completed" || sessions[0].RecordingPath != "/tmp/r.wav" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].EndedAt.IsZero() {
		t.Fatal("expected end time")
	}
}

func TestEndUnknownSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionSession})
	if err := es.EndSession(context.Background(), "missing", SessionEnd{Status: "aborted"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: RetentionPersistent, RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "node"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "node"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}
