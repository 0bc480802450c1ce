package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives audio that an edge device publishes on the bus. A
// message marked final ends the stream; a skipped device sequence number or
// a full queue is reported as an underrun.
type BusSource struct {
	sub    *nats.Subscription
	framer *Framer
	frames chan audio.Frame
	done   chan struct{}

	mu       sync.Mutex
	err      error
	expected int
	started  bool
}

func SubscribeBus(client *bus.Client, streamID string, opts Options, queue int) (*BusSource, error) {
	if queue <= 0 {
		queue = 64
	}
	s := &BusSource{
		framer: NewFramer(audio.PipelineSampleRate, opts.frameDuration()),
		frames: make(chan audio.Frame, queue),
		done:   make(chan struct{}),
	}
	sub, err := client.Conn().Subscribe(protocol.AudioFrameSubject(streamID), s.handle)
	if err != nil {
		return nil, &DeviceError{Op: "subscribe", Err: err}
	}
	if err := client.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, &DeviceError{Op: "subscribe", Err: err}
	}
	s.sub = sub
	return s, nil
}

func (s *BusSource) handle(msg *nats.Msg) {
	var in protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.finish(&DeviceError{Op: "decode", Err: err})
		return
	}

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if s.started && in.Sequence != s.expected {
		s.mu.Unlock()
		s.finish(&DeviceError{
			Op:  "sequence",
			Err: fmt.Errorf("%w: expected device frame %d, got %d", ErrUnderrun, s.expected, in.Sequence),
		})
		return
	}
	s.started = true
	s.expected = in.Sequence + 1
	s.mu.Unlock()

	samples, err := audio.PCM16ToFloat(in.PCM)
	if err != nil {
		s.finish(&DeviceError{Op: "decode", Err: err})
		return
	}
	if in.Channels > 1 {
		samples = audio.Downmix(samples, in.Channels)
	}
	rate := in.SampleRate
	if rate <= 0 {
		rate = audio.PipelineSampleRate
	}
	frames := s.framer.Push(audio.Resample(samples, rate, audio.PipelineSampleRate))
	if in.Final {
		if last, ok := s.framer.Flush(); ok {
			frames = append(frames, last)
		}
	}
	for _, f := range frames {
		select {
		case s.frames <- f:
		default:
			s.finish(&DeviceError{Op: "read", Err: fmt.Errorf("%w: frame queue full", ErrUnderrun)})
			return
		}
	}
	if in.Final {
		s.finish(io.EOF)
	}
}

func (s *BusSource) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}

// Next returns queued frames before reporting the end of the stream.
func (s *BusSource) Next(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return audio.Frame{}, s.err
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (s *BusSource) Close() error {
	err := s.sub.Unsubscribe()
	s.finish(&DeviceError{Op: "read", Err: errSourceClosed})
	if err != nil && err != nats.ErrConnectionClosed {
		return err
	}
	return nil
}
