package capture

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Framer slices arbitrary sample chunks into fixed-size frames with gapless
// sequence numbers starting at zero.
type Framer struct {
	rate    int
	size    int
	pending []float32
	seq     uint64
	now     func() time.Time
}

func NewFramer(rate int, frameDuration time.Duration) *Framer {
	size := audio.DurationToSamples(frameDuration, rate)
	if size <= 0 {
		size = 1
	}
	return &Framer{rate: rate, size: size, now: time.Now}
}

// FrameSize is the number of samples per full frame.
func (f *Framer) FrameSize() int { return f.size }

// Push buffers samples and returns every full frame now available.
func (f *Framer) Push(samples []float32) []audio.Frame {
	f.pending = append(f.pending, samples...)
	var frames []audio.Frame
	for len(f.pending) >= f.size {
		chunk := make([]float32, f.size)
		copy(chunk, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		frames = append(frames, f.emit(chunk))
	}
	return frames
}

// Flush emits the buffered remainder as a short frame.
func (f *Framer) Flush() (audio.Frame, bool) {
	if len(f.pending) == 0 {
		return audio.Frame{}, false
	}
	chunk := append([]float32(nil), f.pending...)
	f.pending = f.pending[:0]
	return f.emit(chunk), true
}

// Reset drops buffered samples and restarts numbering.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.seq = 0
}

func (f *Framer) emit(samples []float32) audio.Frame {
	frame := audio.Frame{
		Seq:        f.seq,
		SampleRate: f.rate,
		Samples:    samples,
		Captured:   f.now(),
	}
	f.seq++
	return frame
}
