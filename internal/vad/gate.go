package vad

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Tag labels a stretch of audio.
type Tag int

const (
	Silence Tag = iota
	Speech
	Uncertain
)

func (t Tag) String() string {
	switch t {
	case Speech:
		return "speech"
	case Silence:
		return "silence"
	default:
		return "uncertain"
	}
}

// Strictness trades missed speech against hallucinated text on noise.
type Strictness int

const (
	// Flexible keeps borderline audio, favouring recall.
	Flexible Strictness = iota
	// Strict drops borderline audio, favouring precision.
	Strict
)

func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flexible":
		return Flexible, nil
	case "strict":
		return Strict, nil
	default:
		return Flexible, fmt.Errorf("unknown vad strictness %q", s)
	}
}

func (s Strictness) String() string {
	if s == Strict {
		return "strict"
	}
	return "flexible"
}

// Thresholds holds the per-frame probability cut and the voiced-proportion
// band for a strictness level.
type Thresholds struct {
	Probability float32
	Speech      float64
	Silence     float64
	Uncertain   Tag
}

func (s Strictness) Thresholds() Thresholds {
	if s == Strict {
		return Thresholds{Probability: 0.65, Speech: 0.8, Silence: 0.4, Uncertain: Silence}
	}
	return Thresholds{Probability: 0.15, Speech: 0.5, Silence: 0.2, Uncertain: Speech}
}

// Resolve turns Uncertain into Speech or Silence.
func (s Strictness) Resolve(t Tag) Tag {
	if t == Uncertain {
		return s.Thresholds().Uncertain
	}
	return t
}

// Decision is the outcome of gating one block of frames.
type Decision struct {
	Raw        Tag
	Tag        Tag
	Proportion float64
}

// Gate classifies blocks of frames. It is not safe for concurrent use.
type Gate struct {
	detector   Detector
	strictness Strictness
	windows    metric.Int64Counter
}

func NewGate(detector Detector, strictness Strictness) *Gate {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/vad")
	counter, err := meter.Int64Counter("loqa.vad.windows", metric.WithDescription("Gated audio blocks by tag"))
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("vad").Int64Counter("loqa.vad.windows")
	}
	return &Gate{detector: detector, strictness: strictness, windows: counter}
}

func (g *Gate) Strictness() Strictness { return g.strictness }

// Evaluate scores each frame and compares the voiced proportion to the
// strictness band. On a detector error the block is reported Uncertain and
// resolved by strictness alongside the error.
func (g *Gate) Evaluate(frames []audio.Frame) (Decision, error) {
	th := g.strictness.Thresholds()
	if len(frames) == 0 {
		return Decision{Raw: Silence, Tag: Silence}, nil
	}
	voiced := 0
	for _, f := range frames {
		p, err := g.detector.Probability(f.Samples, f.SampleRate)
		if err != nil {
			d := Decision{Raw: Uncertain, Tag: th.Uncertain}
			g.record(d)
			return d, fmt.Errorf("vad probability: %w", err)
		}
		if p >= th.Probability {
			voiced++
		}
	}
	proportion := float64(voiced) / float64(len(frames))
	raw := Uncertain
	switch {
	case proportion >= th.Speech:
		raw = Speech
	case proportion < th.Silence:
		raw = Silence
	}
	d := Decision{Raw: raw, Tag: g.strictness.Resolve(raw), Proportion: proportion}
	g.record(d)
	return d, nil
}

// Classify returns the resolved tag only; it never returns Uncertain.
func (g *Gate) Classify(frames []audio.Frame) (Tag, error) {
	d, err := g.Evaluate(frames)
	return d.Tag, err
}

// Reset clears detector state between sessions.
func (g *Gate) Reset() {
	g.detector.Reset()
}

func (g *Gate) record(d Decision) {
	g.windows.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("raw", d.Raw.String()),
		attribute.String("tag", d.Tag.String()),
	))
}
