package recorder

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func frame(seq uint64, value float32) audio.Frame {
	samples := make([]float32, 320)
	for i := range samples {
		samples[i] = value
	}
	return audio.Frame{Seq: seq, SampleRate: audio.PipelineSampleRate, Samples: samples}
}

func TestRecorderWritesReadableWAV(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(Options{Directory: dir, Name: "one", FlushInterval: 10 * time.Millisecond}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 50; i++ {
		rec.Append(frame(uint64(i), 0.25))
	}
	art, err := rec.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if art.Frames != 50 || art.Gaps != 0 || art.FirstSeq != 0 || art.LastSeq != 49 {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if art.Duration != time.Second {
		t.Fatalf("expected 1s recording, got %v", art.Duration)
	}

	f, err := os.Open(art.Path)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if rate != audio.PipelineSampleRate || len(samples) != 16000 {
		t.Fatalf("unexpected wav contents: rate=%d samples=%d", rate, len(samples))
	}
	if samples[100] != 0.25 || art.Format != "f32" {
		t.Fatalf("expected exact float samples, got %f (%s)", samples[100], art.Format)
	}
}

func TestRecorderWritesInt16WhenAsked(t *testing.T) {
	rec, err := Open(Options{Directory: t.TempDir(), Name: "pcm", Format: audio.PCM16}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 10; i++ {
		rec.Append(frame(uint64(i), 0.25))
	}
	art, err := rec.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if art.Format != "i16" {
		t.Fatalf("expected i16 artifact, got %q", art.Format)
	}

	f, err := os.Open(art.Path)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if want := int64(44 + 10*320*2); info.Size() != want {
		t.Fatalf("expected %d bytes of 16-bit wav, got %d", want, info.Size())
	}
	samples, _, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(samples) != 3200 || samples[0] < 0.249 || samples[0] > 0.251 {
		t.Fatalf("unexpected samples: n=%d first=%f", len(samples), samples[0])
	}
}

func TestRecorderTracksGaps(t *testing.T) {
	rec, err := Open(Options{Directory: t.TempDir(), Name: "gaps"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec.Append(frame(0, 0))
	rec.Append(frame(1, 0))
	rec.Append(frame(4, 0))
	art, err := rec.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if art.Gaps != 1 || art.LastSeq != 4 {
		t.Fatalf("expected one gap, got %+v", art)
	}
}

func TestRecorderEmptyFinalize(t *testing.T) {
	rec, err := Open(Options{Directory: t.TempDir(), Name: "empty"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	art, err := rec.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if art.Frames != 0 || art.Duration != 0 {
		t.Fatalf("expected empty artifact, got %+v", art)
	}
	if _, err := os.Stat(art.Path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	rec.Append(frame(0, 0))
	if _, err := rec.Finalize(); err == nil {
		t.Fatal("second finalize should report an error")
	}
}

func TestOpenFailsOnUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Open(Options{Directory: filepath.Join(blocker, "sub")}, newLogger())
	var recErr *RecordingError
	if !errors.As(err, &recErr) || recErr.Op != "create" {
		t.Fatalf("expected create error, got %v", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	names := []string{"a", "b", "c", "d"}
	for i, name := range names {
		path := filepath.Join(dir, "recording-"+name+".wav")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Prune(dir, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Fatalf("expected 2 recordings plus unrelated file, got %d entries", len(entries))
	}
	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if filepath.Base(latest) != "recording-d.wav" {
		t.Fatalf("unexpected latest %s", latest)
	}
}
