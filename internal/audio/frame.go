// Package audio holds the PCM primitives shared by the capture, gating,
// recording and inference stages.
package audio

import "time"

// PipelineSampleRate is the rate every stage after capture operates on.
const PipelineSampleRate = 16000

// Frame is a fixed-duration slice of mono PCM captured from a source.
// Frames are immutable once produced; stages that need to alter samples work
// on a copy.
type Frame struct {
	Seq        uint64
	SampleRate int
	Samples    []float32
	Captured   time.Time
}

// Duration reports the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesToDuration(len(f.Samples), f.SampleRate)
}

// WithSamples returns a copy of the frame carrying different samples.
func (f Frame) WithSamples(samples []float32) Frame {
	f.Samples = samples
	return f
}

// SamplesToDuration converts a sample count at rate into a duration.
func SamplesToDuration(n int, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d into a sample count at rate.
func DurationToSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// Concat joins the samples of frames in order.
func Concat(frames []Frame) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f.Samples)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}
