// Package session runs one live transcription session: capture, gating,
// windowing, inference and stabilization as goroutines joined by bounded
// channels, with the recorder tapping the captured frames.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrAlreadyStarted = errors.New("session already started")

type Status int

const (
	Idle Status = iota
	Running
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{Idle, Running, Completed, Aborted} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Terminal reports whether the session has ended.
func (s Status) Terminal() bool { return s == Completed || s == Aborted }

type Stage string

const (
	StageModel     Stage = "model"
	StageCapture   Stage = "capture"
	StageGate      Stage = "vad"
	StageInference Stage = "inference"
	StageRecorder  Stage = "recorder"
	StageSession   Stage = "session"
)

// Failure explains why a session was aborted.
type Failure struct {
	Stage   Stage
	Backend inference.BackendState
	Err     error
}

func (f *Failure) Error() string {
	if f.Backend.Backend == "" {
		return fmt.Sprintf("%s: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("%s (backend %s): %v", f.Stage, f.Backend.Backend, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Diagnostic is a recoverable fault reported without ending the session.
type Diagnostic struct {
	Stage Stage     `json:"stage"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Outcome is the terminal state of a session.
type Outcome struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
	Failure     *Failure               `json:"-"`
	Transcript  transcript.Snapshot    `json:"transcript"`
	Recording   *recorder.Artifact     `json:"recording,omitempty"`
	Backend     inference.BackendState `json:"backend"`
	Diagnostics []Diagnostic           `json:"diagnostics,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     time.Time              `json:"ended_at"`
}

// Deps are the boundaries a session is assembled from. OpenRecorder and
// NewDetector are optional.
type Deps struct {
	Runtime      inference.Runtime
	OpenSource   func(ctx context.Context) (capture.Source, error)
	OpenRecorder func(id string) (*recorder.Recorder, error)
	NewDetector  func() (vad.Detector, error)
	Sinks        []Sink
}

// Session owns the lifecycle Idle -> Running -> Completed | Aborted.
type Session struct {
	id         string
	cfg        config.Config
	deps       Deps
	log        *slog.Logger
	schedCfg   scheduler.Config
	strictness vad.Strictness
	stab       *transcript.Stabilizer
	clock      func() time.Time

	mu            sync.Mutex
	status        Status
	started       bool
	stopRequested bool
	failure       *Failure
	engine        *inference.Engine
	subs          []chan transcript.Update
	diagnostics   []Diagnostic
	outcome       Outcome
	startedAt     time.Time
	parent        context.Context
	cancel        context.CancelFunc
	stopInput     context.CancelFunc

	failOnce     sync.Once
	events       chan Event
	dispatchDone chan struct{}
	done         chan struct{}

	commits  metric.Int64Counter
	outcomes metric.Int64Counter
}

func New(cfg config.Config, deps Deps, log *slog.Logger) (*Session, error) {
	if deps.Runtime == nil {
		return nil, errors.New("session: inference runtime is required")
	}
	if deps.OpenSource == nil {
		return nil, errors.New("session: audio source is required")
	}
	schedCfg, err := scheduler.FromConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	strictness, err := vad.ParseStrictness(cfg.VAD.Strictness)
	if err != nil {
		return nil, err
	}
	if deps.NewDetector == nil {
		vadCfg := cfg.VAD
		deps.NewDetector = func() (vad.Detector, error) { return vad.NewDetector(vadCfg) }
	}

	id := uuid.NewString()
	s := &Session{
		id:           id,
		cfg:          cfg,
		deps:         deps,
		log:          log.With(slog.String("component", "session"), slog.String("session_id", id)),
		schedCfg:     schedCfg,
		strictness:   strictness,
		stab:         transcript.New(transcript.FromConfig(cfg.Stabilizer, schedCfg.Overlap())),
		clock:        time.Now,
		events:       make(chan Event, 256),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/session")
	commits, err := meter.Int64Counter("loqa.session.commits", metric.WithDescription("Transcript segments committed"))
	if err != nil {
		return err
	}
	outcomes, err := meter.Int64Counter("loqa.session.outcomes", metric.WithDescription("Sessions ended by status"))
	if err != nil {
		return err
	}
	s.commits = commits
	s.outcomes = outcomes
	return nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transcript returns the current transcript, including provisional text.
func (s *Session) Transcript() transcript.Snapshot { return s.stab.Snapshot() }

// Backend returns the active backend; the zero value before selection.
func (s *Session) Backend() inference.BackendState {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return inference.BackendState{}
	}
	return engine.State()
}

// Subscribe returns a feed of transcript updates. The channel is closed when
// the session ends. A subscriber that falls more than its buffer behind
// misses updates and should resynchronize from Transcript.
func (s *Session) Subscribe() <-chan transcript.Update {
	ch := make(chan transcript.Update, 256)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Unsubscribe detaches and closes a feed returned by Subscribe.
func (s *Session) Unsubscribe(feed <-chan transcript.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.subs {
		if ch == feed {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its outcome.
func (s *Session) Wait() Outcome {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Stop ends input and lets in-flight and remaining audio drain before the
// transcript is force-committed.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	stop := s.stopInput
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Start validates the model, selects a backend and launches the pipeline.
// Failures before audio flows abort the session and are returned as
// *Failure; no source or recorder exists when the model is rejected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.clock()
	s.parent = ctx
	s.mu.Unlock()

	go s.dispatch(context.WithoutCancel(ctx))

	model, err := inference.LoadModel(s.cfg.Inference.ModelPath, s.cfg.Inference.ModelSHA256)
	if err != nil {
		return s.abortEarly(StageModel, err, nil)
	}
	engine := inference.NewEngine(s.deps.Runtime, model, inference.ChainFromConfig(s.cfg.Inference), s.log)
	engine.OnEvent(s.onBackendEvent)
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
	if _, err := engine.Select(ctx); err != nil {
		return s.abortEarly(StageInference, err, nil)
	}

	detector, err := s.deps.NewDetector()
	if err != nil {
		return s.abortEarly(StageGate, err, nil)
	}
	gate := vad.NewGate(detector, s.strictness)

	var rec *recorder.Recorder
	if s.deps.OpenRecorder != nil {
		rec, err = s.deps.OpenRecorder(s.id)
		if err != nil {
			s.diagnose(StageRecorder, err)
			rec = nil
		}
	}

	src, err := s.deps.OpenSource(ctx)
	if err != nil {
		closeDetector(detector, s.log)
		return s.abortEarly(StageCapture, err, rec)
	}

	p := &pipeline{
		session:  s,
		source:   src,
		recorder: rec,
		detector: detector,
		gate:     gate,
		worker:   inference.NewWorker(engine),
	}
	p.run(ctx)
	return nil
}

func (s *Session) abortEarly(stage Stage, err error, rec *recorder.Recorder) error {
	s.fail(stage, err)
	s.mu.Lock()
	f := s.failure
	s.mu.Unlock()
	s.conclude(rec)
	return f
}

// fail records the first fatal error and cancels the pipeline.
func (s *Session) fail(stage Stage, err error) {
	s.failOnce.Do(func() {
		f := &Failure{Stage: stage, Backend: s.Backend(), Err: err}
		var fatal *inference.FatalError
		if errors.As(err, &fatal) {
			f.Backend = fatal.State
		}
		s.mu.Lock()
		s.failure = f
		cancel := s.cancel
		s.mu.Unlock()
		s.log.Error("session failed",
			slog.String("stage", string(stage)),
			slog.String("backend", f.Backend.Backend),
			slog.String("error", err.Error()))
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure != nil
}

// diagnose records a recoverable fault.
func (s *Session) diagnose(stage Stage, err error) {
	d := Diagnostic{Stage: stage, Error: err.Error(), At: s.clock().UTC()}
	s.mu.Lock()
	s.diagnostics = append(s.diagnostics, d)
	s.mu.Unlock()
	s.log.Warn("session diagnostic", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	s.emit(Event{Kind: EventDiagnostic, Diagnostic: &d})
}

func (s *Session) onBackendEvent(evt inference.BackendEvent) {
	s.emit(Event{Kind: EventBackend, Backend: &evt})
}

// deliver fans stabilizer updates out to subscribers and sinks.
func (s *Session) deliver(ctx context.Context, updates []transcript.Update) {
	if len(updates) == 0 {
		return
	}
	for _, u := range updates {
		if u.Op == transcript.Commit && s.commits != nil {
			s.commits.Add(ctx, 1)
		}
		s.fanOut(u)
		s.emit(Event{Kind: EventUpdate, Update: &u})
	}
}

// fanOut sends under the lock so Unsubscribe never closes a feed mid-send.
func (s *Session) fanOut(u transcript.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			s.log.Warn("subscriber lagging, update dropped", slog.Int("segment", u.Segment.Index))
		}
	}
}

// drainRecorderErrors reports failures the recorder raised after the watcher
// stopped.
func drainRecorderErrors(rec *recorder.Recorder, diagnose func(Stage, error)) {
	for {
		select {
		case err := <-rec.Errors():
			diagnose(StageRecorder, err)
		default:
			return
		}
	}
}

// conclude finalizes the recorder, settles the terminal status and releases
// subscribers. It runs exactly once per started session.
func (s *Session) conclude(rec *recorder.Recorder) {
	var art *recorder.Artifact
	if rec != nil {
		a, err := rec.Finalize()
		drainRecorderErrors(rec, s.diagnose)
		if err != nil {
			s.diagnose(StageRecorder, err)
		}
		art = &a
	}

	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	if !s.failed() && parent != nil && parent.Err() != nil {
		s.fail(StageSession, parent.Err())
	}

	s.mu.Lock()
	status := Completed
	if s.failure != nil {
		status = Aborted
	}
	s.status = status
	s.outcome = Outcome{
		ID:          s.id,
		Status:      status,
		Failure:     s.failure,
		Transcript:  s.stab.Snapshot(),
		Recording:   art,
		Diagnostics: append([]Diagnostic(nil), s.diagnostics...),
		StartedAt:   s.startedAt,
		EndedAt:     s.clock(),
	}
	if s.engine != nil {
		s.outcome.Backend = s.engine.State()
	}
	outcome := s.outcome
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if s.outcomes != nil {
		s.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status.String())))
	}
	s.log.Info("session ended",
		slog.String("status", status.String()),
		slog.Int("segments", len(outcome.Transcript.Segments)))

	s.emit(Event{Kind: EventEnded, Outcome: &outcome})
	close(s.events)
	<-s.dispatchDone
	for _, ch := range subs {
		close(ch)
	}
	close(s.done)
}

func (s *Session) setRunning(cancel, stopInput context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.stopInput = stopInput
	s.status = Running
	stop := s.stopRequested
	s.mu.Unlock()
	if stop {
		stopInput()
	}
}

func closeDetector(d vad.Detector, log *slog.Logger) {
	closer, ok := d.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn("failed to close vad detector", slog.String("error", err.Error()))
	}
}
