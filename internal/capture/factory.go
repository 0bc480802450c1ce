package capture

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// OptionsFromConfig maps the capture section onto source options.
func OptionsFromConfig(cfg config.CaptureConfig) Options {
	return Options{
		FrameDuration: config.Millis(cfg.FrameDurationMS),
		Realtime:      cfg.Realtime,
		DeviceRate:    cfg.DeviceRate,
		Device:        cfg.Device,
	}
}

// Open creates the source named by cfg.Source. client is only used by the
// bus source and may be nil otherwise.
func Open(cfg config.CaptureConfig, client *bus.Client) (Source, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Source {
	case "microphone":
		mic, err := OpenMic(opts)
		if err != nil {
			return nil, err
		}
		return mic, nil
	case "file":
		file, err := OpenFile(cfg.File, opts)
		if err != nil {
			return nil, err
		}
		return file, nil
	case "bus":
		if client == nil {
			return nil, &DeviceError{Op: "open", Err: errors.New("bus source requires a bus connection")}
		}
		src, err := SubscribeBus(client, cfg.Stream, opts, cfg.QueueFrames)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, &DeviceError{Op: "open", Err: fmt.Errorf("unknown source %q", cfg.Source)}
	}
}
