package protocol

import "time"

// AudioFrame is PCM audio streamed from an edge device into a bus capture
// source. PCM is little-endian signed 16-bit, interleaved when Channels > 1.
type AudioFrame struct {
	StreamID   string `json:"stream_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscriptUpdate is one entry of the live append/replace/commit feed.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id"`
	Op        string    `json:"op"`
	Index     int       `json:"index"`
	Seq       uint64    `json:"seq"`
	Status    string    `json:"status"`
	Text      string    `json:"text"`
	StartMS   int64     `json:"start_ms"`
	EndMS     int64     `json:"end_ms"`
	Ambiguous bool      `json:"ambiguous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend describes the active inference backend.
type Backend struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
	Warm bool   `json:"warm"`
}

// BackendChange reports selection, degradation and warm-up of the backend.
type BackendChange struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	From      *Backend  `json:"from,omitempty"`
	To        Backend   `json:"to"`
	Window    uint64    `json:"window"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recording references a finalized recording artifact.
type Recording struct {
	Path       string `json:"path"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	DurationMS int64  `json:"duration_ms"`
	Frames     int    `json:"frames"`
	Gaps       int    `json:"gaps"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

// SessionStatus is published on every lifecycle transition and diagnostic.
type SessionStatus struct {
	SessionID string     `json:"session_id"`
	NodeID    string     `json:"node_id,omitempty"`
	Status    string     `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	Backend   *Backend   `json:"backend,omitempty"`
	Error     string     `json:"error,omitempty"`
	Recording *Recording `json:"recording,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix     = "audio.frame"
	SubjectTranscriptUpdate     = "scribe.transcript.update"
	SubjectTranscriptCommitted  = "scribe.transcript.committed"
	SubjectSessionStatus        = "scribe.session.status"
	SubjectBackendChange        = "scribe.backend"
	SubjectRecordingDiagnostics = "scribe.recording"

	// StreamTranscripts retains committed segments and lifecycle messages
	// for late consumers.
	StreamTranscripts = "SCRIBE"
)

// AudioFrameSubject is the subject a device publishes stream frames on.
func AudioFrameSubject(streamID string) string {
	return SubjectAudioFramePrefix + "." + streamID
}
