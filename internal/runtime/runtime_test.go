package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSpeech(t *testing.T, d time.Duration) string {
	t.Helper()
	samples := make([]float32, audio.DurationToSamples(d, audio.PipelineSampleRate))
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(float64(i)/6))
	}
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, samples, audio.PipelineSampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func testConfig(t *testing.T, source string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Capture.Source = "file"
	cfg.Capture.File = source
	cfg.Capture.Realtime = false
	cfg.Recorder.Directory = filepath.Join(dir, "recordings")
	return cfg
}

func storedSessions(t *testing.T, cfg config.Config) []eventstore.SessionRecord {
	t.Helper()
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return sessions
}

func TestRuntimeTranscribesFileOverBus(t *testing.T) {
	cfg := testConfig(t, writeSpeech(t, 3*time.Second))
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	if err := New(cfg, newLogger()).Start(context.Background()); err != nil {
		t.Fatalf("runtime: %v", err)
	}

	sessions := storedSessions(t, cfg)
	if len(sessions) != 1 || sessions[0].Status != "completed" {
		t.Fatalf("expected one completed session, got %+v", sessions)
	}
	latest, err := recorder.Latest(cfg.Recorder.Directory)
	if err != nil || latest != sessions[0].RecordingPath {
		t.Fatalf("recording %q not stored with session (%v)", latest, err)
	}
}

func TestRuntimeRejectsCorruptModel(t *testing.T) {
	cfg := testConfig(t, writeSpeech(t, time.Second))
	model := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(model, nil, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	cfg.Inference.ModelPath = model

	err := New(cfg, newLogger()).Start(context.Background())
	if !errors.Is(err, inference.ErrModelCorrupt) {
		t.Fatalf("expected corrupt model error, got %v", err)
	}
	sessions := storedSessions(t, cfg)
	if len(sessions) != 1 || sessions[0].Status != "aborted" || sessions[0].Stage != "model" {
		t.Fatalf("expected aborted session in store, got %+v", sessions)
	}
}

func TestRuntimeServesLiveTranscriptAndDrainsOnCancel(t *testing.T) {
	cfg := testConfig(t, writeSpeech(t, 10*time.Second))
	cfg.Capture.Realtime = true
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	base := "http://" + rt.Addr()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/sessions"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+rt.Addr()+"/transcript/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil || first.Snapshot.Status != "running" {
		t.Fatalf("unexpected first message %+v", first)
	}
	var update streamMessage
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "update" || update.Update == nil {
		t.Fatalf("unexpected update %+v", update)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("graceful stop must not fail: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}

	sessions := storedSessions(t, cfg)
	if len(sessions) != 1 || sessions[0].Status != "completed" {
		t.Fatalf("expected completed session after drain, got %+v", sessions)
	}
}

func TestHandlersBeforeSessionStarts(t *testing.T) {
	cfg := testConfig(t, writeSpeech(t, time.Second))
	rt := New(cfg, newLogger())
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	rt.store = store
	sess, err := rt.newSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	rt.session = sess

	srv := httptest.NewServer(rt.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("runtime must not be ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/transcript")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	var view transcriptView
	err = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if view.SessionID != sess.ID() || view.Status != "idle" || len(view.Segments) != 0 || view.Backend != nil {
		t.Fatalf("unexpected transcript view %+v", view)
	}

	resp, err = http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "[]\n" {
		t.Fatalf("expected empty session list, got %q", body)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
