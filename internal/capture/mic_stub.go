//go:build !portaudio

package capture

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// MicSource is unavailable in builds without the portaudio tag.
type MicSource struct{}

func OpenMic(Options) (*MicSource, error) {
	return nil, &DeviceError{Op: "open", Err: errors.New("microphone capture requires the portaudio build tag")}
}

func (m *MicSource) Next(context.Context) (audio.Frame, error) {
	return audio.Frame{}, &DeviceError{Op: "read", Err: errSourceClosed}
}

func (m *MicSource) Close() error { return nil }
