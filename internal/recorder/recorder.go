// Package recorder persists every captured frame to a WAV file alongside the
// live pipeline so the session can be transcribed again offline.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const fileSuffix = ".wav"

// RecordingError reports a failed write. It never stops the live pipeline.
type RecordingError struct {
	Op   string
	Path string
	Err  error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// Artifact describes a finalized recording.
type Artifact struct {
	Path       string        `json:"path"`
	SampleRate int           `json:"sample_rate"`
	Format     string        `json:"format"`
	Duration   time.Duration `json:"duration"`
	Frames     int           `json:"frames"`
	FirstSeq   uint64        `json:"first_seq"`
	LastSeq    uint64        `json:"last_seq"`
	Gaps       int           `json:"gaps"`
	Incomplete bool          `json:"incomplete"`
}

type Options struct {
	Directory     string
	Name          string
	SampleRate    int
	Format        audio.SampleFormat
	FlushInterval time.Duration
	Keep          int
}

// OptionsFromConfig assumes cfg passed validation; an unknown format records
// float.
func OptionsFromConfig(cfg config.RecorderConfig, name string) Options {
	format, _ := audio.ParseSampleFormat(cfg.Format)
	return Options{
		Directory:     cfg.Directory,
		Name:          name,
		SampleRate:    audio.PipelineSampleRate,
		Format:        format,
		FlushInterval: config.Millis(cfg.FlushIntervalMS),
		Keep:          cfg.KeepRecordings,
	}
}

// Recorder accepts frames without blocking and writes them on its own
// goroutine.
type Recorder struct {
	opts Options
	path string
	file *os.File
	wav  *audio.WAVWriter
	log  *slog.Logger

	mu      sync.Mutex
	queue   []audio.Frame
	closing bool
	notify  chan struct{}
	done    chan struct{}
	errs    chan error

	// owned by the writer goroutine
	frames  int
	samples int
	first   uint64
	last    uint64
	gaps    int
	failed  bool
}

func Open(opts Options, log *slog.Logger) (*Recorder, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.PipelineSampleRate
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Name == "" {
		opts.Name = time.Now().UTC().Format("20060102T150405")
	}
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, &RecordingError{Op: "create", Path: opts.Directory, Err: err}
	}
	path := filepath.Join(opts.Directory, "recording-"+opts.Name+fileSuffix)
	file, err := os.Create(path)
	if err != nil {
		return nil, &RecordingError{Op: "create", Path: path, Err: err}
	}

	r := &Recorder{
		opts:   opts,
		path:   path,
		file:   file,
		wav:    audio.NewWAVWriter(file, opts.SampleRate, opts.Format),
		log:    log.With(slog.String("component", "recorder")),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		errs:   make(chan error, 16),
	}
	go r.run()
	r.log.Info("recording started",
		slog.String("path", path),
		slog.String("format", opts.Format.String()))
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// Append queues a frame. It never blocks; frames appended after Finalize
// are ignored.
func (r *Recorder) Append(f audio.Frame) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, f)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Errors reports write failures. Unread errors beyond the buffer are dropped.
func (r *Recorder) Errors() <-chan error { return r.errs }

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.notify:
			if r.drain() {
				return
			}
		case <-ticker.C:
			if r.drain() {
				return
			}
			r.sync()
		}
	}
}

// drain writes queued frames and reports whether the recorder is closing.
func (r *Recorder) drain() bool {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	closing := r.closing
	r.mu.Unlock()

	for _, f := range batch {
		r.write(f)
	}
	return closing
}

func (r *Recorder) write(f audio.Frame) {
	if r.frames == 0 {
		r.first = f.Seq
	} else if f.Seq != r.last+1 {
		r.gaps++
		r.log.Warn("recording gap",
			slog.Uint64("expected", r.last+1),
			slog.Uint64("got", f.Seq))
	}
	r.last = f.Seq
	r.frames++
	if r.failed {
		return
	}
	if err := r.wav.Write(f.Samples); err != nil {
		r.fail(&RecordingError{Op: "write", Path: r.path, Err: err})
		return
	}
	r.samples += len(f.Samples)
}

func (r *Recorder) sync() {
	if r.failed {
		return
	}
	if err := r.file.Sync(); err != nil {
		r.fail(&RecordingError{Op: "flush", Path: r.path, Err: err})
	}
}

func (r *Recorder) fail(err *RecordingError) {
	r.failed = true
	r.log.Error("recording failed", slog.String("error", err.Error()))
	select {
	case r.errs <- err:
	default:
	}
}

// Finalize writes any queued frames, patches the WAV header, closes the file
// and prunes older recordings. The artifact is returned even when the
// recording is incomplete.
func (r *Recorder) Finalize() (Artifact, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		<-r.done
		return r.artifact(), errors.New("recording already finalized")
	}
	r.closing = true
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	<-r.done

	var errs []error
	if err := r.wav.Close(); err != nil && !r.failed {
		errs = append(errs, &RecordingError{Op: "finalize", Path: r.path, Err: err})
		r.failed = true
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, &RecordingError{Op: "close", Path: r.path, Err: err})
	}
	art := r.artifact()
	if r.failed && len(errs) == 0 {
		errs = append(errs, &RecordingError{Op: "write", Path: r.path, Err: errors.New("recording incomplete")})
	}
	if r.opts.Keep > 0 {
		if err := Prune(r.opts.Directory, r.opts.Keep); err != nil {
			r.log.Warn("failed to prune recordings", slog.String("error", err.Error()))
		}
	}
	r.log.Info("recording finalized",
		slog.String("path", art.Path),
		slog.Duration("duration", art.Duration),
		slog.Int("frames", art.Frames),
		slog.Int("gaps", art.Gaps))
	return art, errors.Join(errs...)
}

func (r *Recorder) artifact() Artifact {
	return Artifact{
		Path:       r.path,
		SampleRate: r.opts.SampleRate,
		Format:     r.opts.Format.String(),
		Duration:   audio.SamplesToDuration(r.samples, r.opts.SampleRate),
		Frames:     r.frames,
		FirstSeq:   r.first,
		LastSeq:    r.last,
		Gaps:       r.gaps,
		Incomplete: r.failed,
	}
}

// Prune keeps the newest keep recordings in dir.
func Prune(dir string, keep int) error {
	files, err := list(dir)
	if err != nil {
		return err
	}
	var errs []error
	for i := keep; i < len(files); i++ {
		if err := os.Remove(files[i].path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Latest returns the path of the newest recording in dir.
func Latest(dir string) (string, error) {
	files, err := list(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no recordings in %s", dir)
	}
	return files[0].path, nil
}

type recording struct {
	path    string
	modTime time.Time
}

// list returns recordings newest first.
func list(dir string) ([]recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recordings dir: %w", err)
	}
	var out []recording
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "recording-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, recording{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].modTime.Equal(out[j].modTime) {
			return out[i].path > out[j].path
		}
		return out[i].modTime.After(out[j].modTime)
	})
	return out, nil
}
