// Package capture produces fixed-duration PCM frames from a microphone or a
// pre-recorded file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

var (
	// ErrDevice marks every failure of the underlying capture device.
	ErrDevice = errors.New("audio device failure")
	// ErrUnderrun reports frames lost between the device and the pipeline.
	ErrUnderrun = errors.New("audio capture underrun")
)

// DeviceError wraps a device failure with the operation that hit it.
// errors.Is(err, ErrDevice) holds for every DeviceError.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	return []error{ErrDevice, e.Err}
}

// Source yields frames in capture order. Next returns io.EOF when a finite
// source is exhausted and a *DeviceError when the device is lost.
type Source interface {
	Next(ctx context.Context) (audio.Frame, error)
	Close() error
}

// Options configures any source.
type Options struct {
	FrameDuration time.Duration
	// Realtime paces finite sources so they deliver frames at wall-clock speed.
	Realtime bool
	// DeviceRate is the rate requested from a live device before resampling.
	DeviceRate int
	Device     string
}

func (o Options) frameDuration() time.Duration {
	if o.FrameDuration <= 0 {
		return 20 * time.Millisecond
	}
	return o.FrameDuration
}

// SequenceMonitor verifies that frames arrive strictly increasing and gapless.
type SequenceMonitor struct {
	next    uint64
	started bool
}

// Observe checks f against the previously observed frame.
func (m *SequenceMonitor) Observe(f audio.Frame) error {
	if m.started && f.Seq != m.next {
		return &DeviceError{
			Op:  "sequence",
			Err: fmt.Errorf("%w: expected frame %d, got %d", ErrUnderrun, m.next, f.Seq),
		}
	}
	m.started = true
	m.next = f.Seq + 1
	return nil
}
