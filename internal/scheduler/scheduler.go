package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

type Mode int

const (
	// Continuous favours latency: small windows as soon as speech is heard.
	Continuous Mode = iota
	// Buffered favours accuracy: larger windows at a fixed target length.
	Buffered
)

func (m Mode) String() string {
	if m == Buffered {
		return "buffered"
	}
	return "continuous"
}

type State int

const (
	Accumulating State = iota
	ReadyContinuous
	ReadyBuffered
	Dispatched
)

func (s State) String() string {
	switch s {
	case ReadyContinuous:
		return "ready_continuous"
	case ReadyBuffered:
		return "ready_buffered"
	case Dispatched:
		return "dispatched"
	default:
		return "accumulating"
	}
}

const (
	ShortBuffer = 3000 * time.Millisecond
	LongBuffer  = 6000 * time.Millisecond
)

type Config struct {
	Mode              Mode
	SampleRate        int
	MinSpeech         time.Duration
	ContinuousOverlap time.Duration
	BufferTarget      time.Duration
	BufferedOverlap   time.Duration
	SilenceFlush      time.Duration
	MaxWindow         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:              Continuous,
		SampleRate:        audio.PipelineSampleRate,
		MinSpeech:         time.Second,
		ContinuousOverlap: time.Second,
		BufferTarget:      ShortBuffer,
		BufferedOverlap:   500 * time.Millisecond,
		SilenceFlush:      3 * time.Second,
		MaxWindow:         30 * time.Second,
	}
}

// FromConfig converts the scheduler config section.
func FromConfig(c config.SchedulerConfig) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(c.Mode) {
	case "continuous":
		cfg.Mode = Continuous
	case "buffered":
		cfg.Mode = Buffered
	default:
		return cfg, fmt.Errorf("unknown scheduler mode %q", c.Mode)
	}
	switch strings.ToLower(c.Buffer) {
	case "short":
		cfg.BufferTarget = ShortBuffer
	case "long":
		cfg.BufferTarget = LongBuffer
	default:
		return cfg, fmt.Errorf("unknown buffer size %q", c.Buffer)
	}
	cfg.MinSpeech = config.Millis(c.MinSpeechMS)
	cfg.ContinuousOverlap = config.Millis(c.ContinuousOverlapMS)
	cfg.BufferedOverlap = config.Millis(c.BufferedOverlapMS)
	cfg.SilenceFlush = config.Millis(c.SilenceFlushMS)
	cfg.MaxWindow = config.Millis(c.MaxWindowMS)
	return cfg, nil
}

// Overlap is the look-back applied in the configured mode.
func (c Config) Overlap() time.Duration {
	if c.Mode == Buffered {
		return c.BufferedOverlap
	}
	return c.ContinuousOverlap
}

type entry struct {
	frame  audio.Frame
	tag    vad.Tag
	offset int64
}

// Scheduler decides when accumulated audio becomes a window. Readiness is
// computed from sample counts only, so identical input always produces
// identical windows. Only one window is dispatched at a time; windows that
// become ready meanwhile queue in order. Not safe for concurrent use.
type Scheduler struct {
	cfg Config

	minSpeech    int
	bufferTarget int
	overlap      int
	silenceFlush int
	maxWindow    int

	pending         []entry
	pendingSamples  int
	speechSamples   int
	silenceRun      int
	lookback        []entry
	lookbackSamples int
	total           int64

	queue    []Window
	inFlight *Window
	nextSeq  uint64
	finished bool
}

func New(cfg Config) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.PipelineSampleRate
	}
	rate := cfg.SampleRate
	s := &Scheduler{
		cfg:          cfg,
		minSpeech:    audio.DurationToSamples(cfg.MinSpeech, rate),
		bufferTarget: audio.DurationToSamples(cfg.BufferTarget, rate),
		overlap:      audio.DurationToSamples(cfg.Overlap(), rate),
		silenceFlush: audio.DurationToSamples(cfg.SilenceFlush, rate),
		maxWindow:    audio.DurationToSamples(cfg.MaxWindow, rate),
	}
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Push adds a tagged frame. Frames pushed after Finish are ignored.
func (s *Scheduler) Push(tf TaggedFrame) {
	if s.finished {
		return
	}
	n := len(tf.Frame.Samples)
	s.pending = append(s.pending, entry{frame: tf.Frame, tag: tf.Tag, offset: s.total})
	s.total += int64(n)
	s.pendingSamples += n
	if tf.Tag == vad.Speech {
		s.speechSamples += n
		s.silenceRun = 0
	} else {
		s.silenceRun += n
	}
	if s.ready() {
		s.cut(s.kind())
	}
}

func (s *Scheduler) ready() bool {
	if s.pendingSamples == 0 {
		return false
	}
	if s.maxWindow > 0 && s.lookbackSamples+s.pendingSamples >= s.maxWindow {
		return true
	}
	if s.silenceFlush > 0 && s.silenceRun >= s.silenceFlush {
		return true
	}
	switch s.cfg.Mode {
	case Buffered:
		return s.pendingSamples >= s.bufferTarget && s.speechSamples > 0
	default:
		return s.speechSamples >= s.minSpeech
	}
}

func (s *Scheduler) kind() Kind {
	if s.nextSeq == 0 {
		return Leading
	}
	return Overlap
}

func (s *Scheduler) cut(kind Kind) {
	entries := make([]entry, 0, len(s.lookback)+len(s.pending))
	entries = append(entries, s.lookback...)
	entries = append(entries, s.pending...)

	frames := make([]audio.Frame, len(entries))
	for i, e := range entries {
		frames[i] = e.frame
	}
	last := entries[len(entries)-1]
	w := Window{
		Seq:            s.nextSeq,
		Kind:           kind,
		SampleRate:     s.cfg.SampleRate,
		StartSample:    entries[0].offset,
		EndSample:      last.offset + int64(len(last.frame.Samples)),
		OverlapSamples: s.lookbackSamples,
		Speech:         s.speechSamples > 0,
		Frames:         frames,
	}
	s.nextSeq++
	s.queue = append(s.queue, w)

	s.lookback, s.lookbackSamples = tailWithin(entries, s.overlap)
	s.pending = nil
	s.pendingSamples = 0
	s.speechSamples = 0
	s.silenceRun = 0
}

// tailWithin keeps the newest whole frames whose total fits in limit samples.
func tailWithin(entries []entry, limit int) ([]entry, int) {
	if limit <= 0 {
		return nil, 0
	}
	total := 0
	start := len(entries)
	for start > 0 {
		n := len(entries[start-1].frame.Samples)
		if total+n > limit {
			break
		}
		total += n
		start--
	}
	return append([]entry(nil), entries[start:]...), total
}

// Dispatch hands out the oldest ready window unless one is already in flight.
func (s *Scheduler) Dispatch() (Window, bool) {
	if s.inFlight != nil || len(s.queue) == 0 {
		return Window{}, false
	}
	w := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = &w
	return w, true
}

// Complete releases the dispatched window.
func (s *Scheduler) Complete() {
	s.inFlight = nil
}

// Finish marks the end of input. Remaining audio becomes a Final window;
// it reports whether one was queued.
func (s *Scheduler) Finish() bool {
	if s.finished {
		return false
	}
	s.finished = true
	if s.pendingSamples == 0 {
		return false
	}
	s.cut(Final)
	return true
}

func (s *Scheduler) State() State {
	switch {
	case s.inFlight != nil:
		return Dispatched
	case len(s.queue) > 0 && s.cfg.Mode == Buffered:
		return ReadyBuffered
	case len(s.queue) > 0:
		return ReadyContinuous
	default:
		return Accumulating
	}
}

// InFlight returns the dispatched window, if any.
func (s *Scheduler) InFlight() (Window, bool) {
	if s.inFlight == nil {
		return Window{}, false
	}
	return *s.inFlight, true
}

// Queued is the number of ready windows waiting behind the dispatched one.
func (s *Scheduler) Queued() int { return len(s.queue) }

// Idle reports that nothing is queued or in flight.
func (s *Scheduler) Idle() bool {
	return s.inFlight == nil && len(s.queue) == 0
}

// Pending is the duration of audio not yet assigned to a window.
func (s *Scheduler) Pending() time.Duration {
	return audio.SamplesToDuration(s.pendingSamples, s.cfg.SampleRate)
}
