//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// MicSource captures mono audio from a PortAudio input device.
type MicSource struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	framer *Framer

	mu      sync.Mutex
	pending []audio.Frame
	closed  bool
}

// OpenMic opens the named input device, or the default one when opts.Device
// is empty, and starts streaming.
func OpenMic(opts Options) (*MicSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Op: "initialize", Err: err}
	}
	rate := opts.DeviceRate
	if rate <= 0 {
		rate = audio.PipelineSampleRate
	}
	buf := make([]float32, audio.DurationToSamples(opts.frameDuration(), rate))

	stream, err := openStream(opts.Device, rate, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		portaudio.Terminate()
		return nil, &DeviceError{Op: "start", Err: err}
	}
	return &MicSource{
		stream: stream,
		buf:    buf,
		rate:   rate,
		framer: NewFramer(audio.PipelineSampleRate, opts.frameDuration()),
	}, nil
}

func openStream(device string, rate int, buf []float32) (*portaudio.Stream, error) {
	if device == "" {
		return portaudio.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, info := range devices {
		if info.Name != device || info.MaxInputChannels < 1 {
			continue
		}
		params := portaudio.LowLatencyParameters(info, nil)
		params.Input.Channels = 1
		params.SampleRate = float64(rate)
		params.FramesPerBuffer = len(buf)
		return portaudio.OpenStream(params, buf)
	}
	return nil, fmt.Errorf("input device %q not found", device)
}

func (m *MicSource) Next(ctx context.Context) (audio.Frame, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return audio.Frame{}, &DeviceError{Op: "read", Err: errSourceClosed}
		}
		if len(m.pending) > 0 {
			frame := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			return frame, nil
		}
		m.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return audio.Frame{}, err
		}
		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				return audio.Frame{}, &DeviceError{Op: "read", Err: fmt.Errorf("%w: %v", ErrUnderrun, err)}
			}
			return audio.Frame{}, &DeviceError{Op: "read", Err: err}
		}
		samples := audio.Resample(m.buf, m.rate, audio.PipelineSampleRate)
		frames := m.framer.Push(samples)
		m.mu.Lock()
		m.pending = append(m.pending, frames...)
		m.mu.Unlock()
	}
}

func (m *MicSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := errors.Join(m.stream.Stop(), m.stream.Close())
	portaudio.Terminate()
	return err
}
