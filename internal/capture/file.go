package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var errSourceClosed = errors.New("source closed")

// FileSource replays a decoded recording as a frame stream.
type FileSource struct {
	samples []float32
	size    int
	opts    Options

	mu      sync.Mutex
	pos     int
	seq     uint64
	started time.Time
	closed  bool
}

// OpenFile decodes a WAV file, downmixes it to mono and resamples it to the
// pipeline rate.
func OpenFile(path string, opts Options) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}
	defer f.Close()

	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		return nil, &DeviceError{Op: "decode", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return NewFileSource(samples, rate, opts), nil
}

// NewFileSource wraps already decoded mono samples recorded at rate.
func NewFileSource(samples []float32, rate int, opts Options) *FileSource {
	resampled := audio.Resample(samples, rate, audio.PipelineSampleRate)
	size := audio.DurationToSamples(opts.frameDuration(), audio.PipelineSampleRate)
	if size <= 0 {
		size = 1
	}
	return &FileSource{samples: resampled, size: size, opts: opts}
}

// Duration is the total playback length of the file.
func (s *FileSource) Duration() time.Duration {
	return audio.SamplesToDuration(len(s.samples), audio.PipelineSampleRate)
}

func (s *FileSource) Next(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.Frame{}, &DeviceError{Op: "read", Err: errSourceClosed}
	}
	if s.pos >= len(s.samples) {
		s.mu.Unlock()
		return audio.Frame{}, io.EOF
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	end := s.pos + s.size
	if end > len(s.samples) {
		end = len(s.samples)
	}
	chunk := append([]float32(nil), s.samples[s.pos:end]...)
	offset := audio.SamplesToDuration(s.pos, audio.PipelineSampleRate)
	due := s.started.Add(offset)
	frame := audio.Frame{
		Seq:        s.seq,
		SampleRate: audio.PipelineSampleRate,
		Samples:    chunk,
		Captured:   due,
	}
	s.pos = end
	s.seq++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	if s.opts.Realtime {
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return audio.Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return frame, nil
}

// Rewind restarts playback from the first frame with numbering reset.
func (s *FileSource) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.seq = 0
	s.started = time.Time{}
	s.closed = false
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
