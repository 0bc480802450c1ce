package vad

import (
	"errors"
	"math"
	"os/exec"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type scriptedDetector struct {
	probs []float32
	next  int
	err   error
}

func (d *scriptedDetector) Probability([]float32, int) (float32, error) {
	if d.err != nil {
		return 0, d.err
	}
	p := d.probs[d.next%len(d.probs)]
	d.next++
	return p, nil
}

func (d *scriptedDetector) Reset() { d.next = 0 }

func frames(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = audio.Frame{Seq: uint64(i), SampleRate: 16000, Samples: make([]float32, 320)}
	}
	return out
}

func TestGateBands(t *testing.T) {
	cases := []struct {
		name       string
		strictness Strictness
		probs      []float32
		raw        Tag
		tag        Tag
	}{
		{"flexible speech", Flexible, []float32{0.2, 0.2, 0.0, 0.9}, Speech, Speech},
		{"flexible uncertain resolves to speech", Flexible, []float32{0.2, 0.0, 0.0, 0.0}, Uncertain, Speech},
		{"flexible silence", Flexible, []float32{0.1, 0.1, 0.1, 0.1}, Silence, Silence},
		{"strict speech", Strict, []float32{0.9, 0.9, 0.9, 0.9, 0.1}, Speech, Speech},
		{"strict uncertain resolves to silence", Strict, []float32{0.9, 0.9, 0.1, 0.1}, Uncertain, Silence},
		{"strict borderline probability is silence", Strict, []float32{0.5, 0.5, 0.5, 0.5}, Silence, Silence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewGate(&scriptedDetector{probs: tc.probs}, tc.strictness)
			d, err := gate.Evaluate(frames(len(tc.probs)))
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if d.Raw != tc.raw || d.Tag != tc.tag {
				t.Fatalf("expected raw=%s tag=%s, got raw=%s tag=%s (p=%.2f)", tc.raw, tc.tag, d.Raw, d.Tag, d.Proportion)
			}
		})
	}
}

func TestGateDetectorErrorResolves(t *testing.T) {
	gate := NewGate(&scriptedDetector{err: errors.New("boom")}, Strict)
	tag, err := gate.Classify(frames(3))
	if err == nil {
		t.Fatal("expected detector error")
	}
	if tag != Silence {
		t.Fatalf("expected strict fallback to silence, got %s", tag)
	}
}

func TestEnergyDetector(t *testing.T) {
	d := NewEnergyDetector(-60, -20)
	silent, _ := d.Probability(make([]float32, 320), 16000)
	if silent != 0 {
		t.Fatalf("expected zero probability for silence, got %f", silent)
	}
	loud := make([]float32, 320)
	for i := range loud {
		loud[i] = float32(0.5 * math.Sin(float64(i)/5))
	}
	p, _ := d.Probability(loud, 16000)
	if p < 0.99 {
		t.Fatalf("expected saturated probability, got %f", p)
	}
	if _, err := NewEnergyDetector(-20, -20).Probability(loud, 16000); err == nil {
		t.Fatal("expected error on empty range")
	}
}

func TestParseStrictness(t *testing.T) {
	if s, err := ParseStrictness("Strict"); err != nil || s != Strict {
		t.Fatalf("expected strict, got %v %v", s, err)
	}
	if _, err := ParseStrictness("medium"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestModelDetectorProtocol(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	d, err := NewModelDetector(`sh -c 'while read -r line; do echo "{\"probability\": 0.75}"; done'`)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Close()

	p, err := d.Probability([]float32{0.1, 0.2}, 16000)
	if err != nil {
		t.Fatalf("probability: %v", err)
	}
	if p != 0.75 {
		t.Fatalf("expected 0.75, got %f", p)
	}
	d.Reset()
	if _, err := d.Probability(nil, 16000); err != nil {
		t.Fatalf("probability after reset: %v", err)
	}
}
