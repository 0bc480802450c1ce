package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

const wsWriteTimeout = 5 * time.Second

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	mux.HandleFunc("GET /transcript", r.handleTranscript)
	mux.HandleFunc("GET /transcript/ws", r.handleTranscriptStream)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", r.handleSession)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type transcriptView struct {
	SessionID string               `json:"session_id"`
	Status    string               `json:"status"`
	Backend   *protocol.Backend    `json:"backend,omitempty"`
	Text      string               `json:"text"`
	Segments  []transcript.Segment `json:"segments"`
}

func (r *Runtime) snapshot() transcriptView {
	s := r.session
	snap := s.Transcript()
	view := transcriptView{
		SessionID: s.ID(),
		Status:    s.Status().String(),
		Text:      snap.Text(),
		Segments:  snap.Segments,
	}
	if view.Segments == nil {
		view.Segments = []transcript.Segment{}
	}
	if b := s.Backend(); b.Backend != "" {
		view.Backend = &protocol.Backend{Name: b.Backend, Tier: b.Tier.String(), Warm: b.Warm}
	}
	return view
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, r.snapshot())
}

// streamMessage is one websocket frame: the snapshot first, then updates.
type streamMessage struct {
	Type     string             `json:"type"`
	Snapshot *transcriptView    `json:"snapshot,omitempty"`
	Update   *transcript.Update `json:"update,omitempty"`
}

// handleTranscriptStream sends the current transcript, then every update
// until the session ends or the client goes away. Updates may repeat
// segments already in the snapshot; clients key them by index.
func (r *Runtime) handleTranscriptStream(w http.ResponseWriter, req *http.Request) {
	if r.session == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	feed := r.session.Subscribe()
	defer r.session.Unsubscribe(feed)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	view := r.snapshot()
	if err := writeFrame(conn, streamMessage{Type: "snapshot", Snapshot: &view}); err != nil {
		return
	}
	for {
		select {
		case u, ok := <-feed:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeFrame(conn, streamMessage{Type: "update", Update: &u}); err != nil {
				r.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-gone:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionDetail struct {
	ID         string         `json:"id"`
	Transcript string         `json:"transcript"`
	Events     []sessionEvent `json:"events"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	text, err := r.store.Transcript(req.Context(), id)
	if err != nil {
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, 0)
	if err != nil {
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	detail := sessionDetail{ID: id, Transcript: text, Events: []sessionEvent{}}
	for _, e := range events {
		detail.Events = append(detail.Events, sessionEvent{Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
