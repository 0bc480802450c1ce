// Package offline re-transcribes a finalized recording in a single pass,
// without the latency constraints of the live session.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// Result is the outcome of an offline pass.
type Result struct {
	Path       string              `json:"path"`
	Transcript transcript.Snapshot `json:"transcript"`
	Backend    string              `json:"backend"`
	Duration   time.Duration       `json:"duration"`
	// Trimmed is the audio removed at the edges by the activity gate.
	Trimmed time.Duration `json:"trimmed"`
}

// Transcriber runs whole recordings through the inference engine.
type Transcriber struct {
	cfg         config.Config
	runtime     inference.Runtime
	newDetector func() (vad.Detector, error)
	log         *slog.Logger
}

func New(cfg config.Config, runtime inference.Runtime, log *slog.Logger) (*Transcriber, error) {
	if runtime == nil {
		return nil, errors.New("offline transcriber requires a runtime")
	}
	return &Transcriber{
		cfg:         cfg,
		runtime:     runtime,
		newDetector: func() (vad.Detector, error) { return vad.NewDetector(cfg.VAD) },
		log:         log.With(slog.String("component", "offline")),
	}, nil
}

// Transcribe re-runs inference over a recording produced by a live session.
func (t *Transcriber) Transcribe(ctx context.Context, art recorder.Artifact) (Result, error) {
	if art.Incomplete || art.Gaps > 0 {
		t.log.Warn("recording is not contiguous",
			slog.String("path", art.Path),
			slog.Int("gaps", art.Gaps),
			slog.Bool("incomplete", art.Incomplete))
	}
	return t.TranscribeFile(ctx, art.Path)
}

// TranscribeFile decodes a WAV file, optionally trims leading and trailing
// silence and infers the remainder as one final window.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (Result, error) {
	res := Result{Path: path}

	frames, err := readFrames(ctx, path)
	if err != nil {
		return res, err
	}
	res.Duration = audio.SamplesToDuration(len(audio.Concat(frames)), audio.PipelineSampleRate)

	first, last := 0, len(frames)
	if t.cfg.VAD.UseOffline {
		first, last, err = t.speechBounds(frames)
		if err != nil {
			return res, err
		}
	}
	kept := frames[first:last]
	res.Trimmed = res.Duration - audio.SamplesToDuration(len(audio.Concat(kept)), audio.PipelineSampleRate)
	if len(kept) == 0 {
		t.log.Info("no speech in recording", slog.String("path", path))
		return res, nil
	}

	model, err := inference.LoadModel(t.cfg.Inference.ModelPath, t.cfg.Inference.ModelSHA256)
	if err != nil {
		return res, err
	}
	engine := inference.NewEngine(t.runtime, model, inference.ChainFromConfig(t.cfg.Inference), t.log)
	if _, err := engine.Select(ctx); err != nil {
		return res, err
	}

	var start int64
	for _, f := range frames[:first] {
		start += int64(len(f.Samples))
	}
	window := scheduler.Window{
		Kind:        scheduler.Final,
		SampleRate:  audio.PipelineSampleRate,
		StartSample: start,
		EndSample:   start + int64(len(audio.Concat(kept))),
		Speech:      true,
		Frames:      kept,
	}
	began := time.Now()
	out, err := engine.Infer(ctx, window)
	if err != nil {
		return res, err
	}

	stab := transcript.New(transcript.FromConfig(t.cfg.Stabilizer, 0))
	stab.Apply(out)
	stab.Finalize()
	res.Transcript = stab.Snapshot()
	res.Backend = out.Backend.Backend

	t.log.Info("offline transcription finished",
		slog.String("path", path),
		slog.String("backend", res.Backend),
		slog.Duration("audio", res.Duration),
		slog.Duration("trimmed", res.Trimmed),
		slog.Duration("elapsed", time.Since(began)))
	return res, nil
}

// speechBounds returns the frame range from the first to the last block the
// gate tagged as speech.
func (t *Transcriber) speechBounds(frames []audio.Frame) (int, int, error) {
	strictness, err := vad.ParseStrictness(t.cfg.VAD.Strictness)
	if err != nil {
		return 0, 0, err
	}
	detector, err := t.newDetector()
	if err != nil {
		return 0, 0, fmt.Errorf("offline vad: %w", err)
	}
	if closer, ok := detector.(io.Closer); ok {
		defer closer.Close()
	}
	gate := vad.NewGate(detector, strictness)

	blockSize := audio.DurationToSamples(config.Millis(t.cfg.VAD.WindowMS), audio.PipelineSampleRate)
	first, last := -1, 0
	for i := 0; i < len(frames); {
		j, samples := i, 0
		for j < len(frames) && (samples < blockSize || j == i) {
			samples += len(frames[j].Samples)
			j++
		}
		tag, err := gate.Classify(frames[i:j])
		if err != nil {
			t.log.Warn("offline vad failed", slog.String("error", err.Error()))
		}
		if tag == vad.Speech {
			if first < 0 {
				first = i
			}
			last = j
		}
		i = j
	}
	if first < 0 {
		return 0, 0, nil
	}
	return first, last, nil
}

func readFrames(ctx context.Context, path string) ([]audio.Frame, error) {
	src, err := capture.OpenFile(path, capture.Options{})
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var frames []audio.Frame
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
}
