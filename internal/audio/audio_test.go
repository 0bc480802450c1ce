package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func sine(n, rate int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := sine(PipelineSampleRate/2, PipelineSampleRate, 440, 0.5)
	if err := WriteWAV(f, samples, PipelineSampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()
	decoded, rate, err := ReadWAV(rf)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if rate != PipelineSampleRate {
		t.Fatalf("expected rate %d, got %d", PipelineSampleRate, rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if math.Abs(float64(decoded[i]-samples[i])) > 1e-3 {
			t.Fatalf("sample %d differs: %f vs %f", i, decoded[i], samples[i])
		}
	}
}

func readWAVFile(t *testing.T, path string) ([]float32, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	samples, rate, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return samples, rate
}

func TestWAVFloatRoundTripIsExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "float.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := sine(PipelineSampleRate/4, PipelineSampleRate, 440, 0.5)
	samples = append(samples, 1.5, -1.25, 1e-7)
	if err := WriteWAVFormat(f, samples, PipelineSampleRate, Float32); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	decoded, rate := readWAVFile(t, path)
	if rate != PipelineSampleRate || len(decoded) != len(samples) {
		t.Fatalf("unexpected wav: rate=%d samples=%d", rate, len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d differs: %g vs %g", i, decoded[i], samples[i])
		}
	}
}

func TestReadWAVUnsigned8Bit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u8.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, 8000, 8, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           []int{128, 192, 64, 128},
		SourceBitDepth: 8,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	decoded, _ := readWAVFile(t, path)
	want := []float32{0, 0.5, -0.5, 0}
	if len(decoded) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(decoded))
	}
	for i := range want {
		if decoded[i] != want[i] {
			t.Fatalf("sample %d: expected %f, got %f", i, want[i], decoded[i])
		}
	}
}

func TestParseSampleFormat(t *testing.T) {
	cases := map[string]SampleFormat{"f32": Float32, "": Float32, "I16": PCM16}
	for in, want := range cases {
		got, err := ParseSampleFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseSampleFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSampleFormat("mp3"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestResampleLength(t *testing.T) {
	in := sine(48000, 48000, 440, 0.3)
	out := Resample(in, 48000, PipelineSampleRate)
	if len(out) != PipelineSampleRate {
		t.Fatalf("expected %d samples, got %d", PipelineSampleRate, len(out))
	}
	if same := Resample(in, 48000, 48000); len(same) != len(in) {
		t.Fatalf("identity resample changed length")
	}
}

func TestDCBlockRemovesOffset(t *testing.T) {
	in := make([]float32, PipelineSampleRate)
	for i := range in {
		in[i] = 0.4
	}
	out := NewDCBlock(PipelineSampleRate).Process(in)
	tail := out[len(out)-100:]
	for _, v := range tail {
		if math.Abs(float64(v)) > 0.01 {
			t.Fatalf("expected offset removed, got %f", v)
		}
	}
}

func TestGainClamps(t *testing.T) {
	g := NewGain(40)
	if g.DB() != MaxGainDB {
		t.Fatalf("expected gain clamped to %f, got %f", MaxGainDB, g.DB())
	}
	if math.Abs(float64(g.Multiplier())-10) > 1e-4 {
		t.Fatalf("expected multiplier 10, got %f", g.Multiplier())
	}
	out := g.Apply([]float32{0.05, 0.5, -0.5})
	if out[1] != 1 || out[2] != -1 {
		t.Fatalf("expected hard clipping, got %v", out)
	}
	if !NewGain(-3).None() {
		t.Fatalf("negative gain should be a no-op")
	}
}

func TestDurationConversions(t *testing.T) {
	if got := DurationToSamples(time.Second, PipelineSampleRate); got != PipelineSampleRate {
		t.Fatalf("expected %d, got %d", PipelineSampleRate, got)
	}
	if got := SamplesToDuration(320, PipelineSampleRate); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %v", got)
	}
}

func TestRMSDecibels(t *testing.T) {
	if db := RMSDecibels(make([]float32, 100)); db != -120 {
		t.Fatalf("expected floor for silence, got %f", db)
	}
	loud := RMSDecibels(sine(1600, PipelineSampleRate, 440, 1))
	if loud < -4 || loud > -2 {
		t.Fatalf("expected about -3 dBFS for full-scale sine, got %f", loud)
	}
}
