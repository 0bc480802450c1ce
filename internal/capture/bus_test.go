package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "capture-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishFrame(t *testing.T, client *bus.Client, seq int, samples int, final bool) {
	t.Helper()
	msg := protocol.AudioFrame{
		StreamID:   "kitchen",
		Sequence:   seq,
		SampleRate: 8000,
		Channels:   1,
		PCM:        audio.FloatToPCM16(make([]float32, samples)),
		Final:      final,
	}
	if err := client.PublishJSON(protocol.AudioFrameSubject("kitchen"), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestBusSourceFramesDeviceAudio(t *testing.T) {
	client := startBus(t)
	src, err := SubscribeBus(client, "kitchen", Options{}, 64)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer src.Close()

	// 8 kHz input: 160 device samples per 20ms frame after resampling.
	publishFrame(t, client, 0, 160, false)
	publishFrame(t, client, 1, 160, false)
	publishFrame(t, client, 2, 80, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []audio.Frame
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		frames = append(frames, f)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[2].Samples) != 160 {
		t.Fatalf("expected short final frame of 160 samples, got %d", len(frames[2].Samples))
	}
	var mon SequenceMonitor
	for _, f := range frames {
		if err := mon.Observe(f); err != nil {
			t.Fatalf("frames must be gapless: %v", err)
		}
	}
}

func TestBusSourceReportsDeviceGap(t *testing.T) {
	client := startBus(t)
	src, err := SubscribeBus(client, "kitchen", Options{}, 64)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer src.Close()

	publishFrame(t, client, 0, 160, false)
	publishFrame(t, client, 5, 160, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := src.Next(ctx); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	_, err = src.Next(ctx)
	if !errors.Is(err, ErrUnderrun) || !errors.Is(err, ErrDevice) {
		t.Fatalf("expected underrun device error, got %v", err)
	}
}
