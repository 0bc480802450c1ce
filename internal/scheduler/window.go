// Package scheduler groups tagged frames into overlapping inference windows.
package scheduler

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// TaggedFrame is a frame with its resolved activity tag.
type TaggedFrame struct {
	Frame audio.Frame
	Tag   vad.Tag
}

type Kind int

const (
	// Leading is the first window of a session and carries no look-back.
	Leading Kind = iota
	// Overlap windows repeat the tail of the previous window.
	Overlap
	// Final holds whatever audio remained when input ended.
	Final
)

func (k Kind) String() string {
	switch k {
	case Leading:
		return "leading"
	case Overlap:
		return "overlap"
	default:
		return "final"
	}
}

// Window is a contiguous span of audio handed to inference once.
// Sample offsets are absolute within the session; EndSample is exclusive.
type Window struct {
	Seq            uint64
	Kind           Kind
	SampleRate     int
	StartSample    int64
	EndSample      int64
	OverlapSamples int
	Speech         bool
	Frames         []audio.Frame
}

// Samples concatenates the window's frames.
func (w Window) Samples() []float32 { return audio.Concat(w.Frames) }

func (w Window) Start() time.Duration { return w.offset(w.StartSample) }

func (w Window) End() time.Duration { return w.offset(w.EndSample) }

// Overlap is the look-back duration shared with the previous window.
func (w Window) Overlap() time.Duration {
	return audio.SamplesToDuration(w.OverlapSamples, w.SampleRate)
}

// NewAudioStart is where audio not covered by any earlier window begins.
func (w Window) NewAudioStart() time.Duration {
	return w.offset(w.StartSample + int64(w.OverlapSamples))
}

func (w Window) offset(sample int64) time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(sample * int64(time.Second) / int64(w.SampleRate))
}
