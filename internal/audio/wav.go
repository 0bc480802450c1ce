package audio

import (
	"fmt"
	"io"
	"math"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavMonoChannel = 1
)

// SampleFormat is the on-disk sample encoding of a WAV file. The zero value
// records IEEE float.
type SampleFormat int

const (
	Float32 SampleFormat = iota
	PCM16
)

func (f SampleFormat) String() string {
	if f == PCM16 {
		return "i16"
	}
	return "f32"
}

// ParseSampleFormat maps "f32" or "i16" onto a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "float32":
		return Float32, nil
	case "i16", "int16", "pcm16":
		return PCM16, nil
	default:
		return Float32, fmt.Errorf("unknown sample format %q", s)
	}
}

func (f SampleFormat) bitDepth() int {
	if f == PCM16 {
		return 16
	}
	return 32
}

func (f SampleFormat) wavFormat() int {
	if f == PCM16 {
		return wavFormatPCM
	}
	return wavFormatFloat
}

// WAVWriter streams mono samples into a WAV container.
type WAVWriter struct {
	enc        *wav.Encoder
	format     SampleFormat
	sampleRate int
	written    int
}

// NewWAVWriter prepares an encoder on w. The header is finalized by Close.
func NewWAVWriter(w io.WriteSeeker, sampleRate int, format SampleFormat) *WAVWriter {
	return &WAVWriter{
		enc:        wav.NewEncoder(w, sampleRate, format.bitDepth(), wavMonoChannel, format.wavFormat()),
		format:     format,
		sampleRate: sampleRate,
	}
}

// Write appends samples to the data chunk.
func (w *WAVWriter) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		if w.format == PCM16 {
			data[i] = int(FloatToInt16(s))
			continue
		}
		// The encoder writes 32-bit values as int32; carry the float bits through.
		data[i] = int(int32(math.Float32bits(s)))
	}
	if err := w.enc.Write(w.buffer(data)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.written += len(samples)
	return nil
}

func (w *WAVWriter) buffer(data []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wavMonoChannel, SampleRate: w.sampleRate},
		Data:           data,
		SourceBitDepth: w.format.bitDepth(),
	}
}

// Samples reports how many samples were written.
func (w *WAVWriter) Samples() int { return w.written }

// Close finalizes the RIFF header sizes. A writer that never received
// samples still produces a valid, empty file.
func (w *WAVWriter) Close() error {
	if w.written == 0 {
		if err := w.enc.Write(w.buffer([]int{})); err != nil {
			return fmt.Errorf("write wav header: %w", err)
		}
	}
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAV encodes samples as a complete mono 16-bit WAV file.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	return WriteWAVFormat(w, samples, sampleRate, PCM16)
}

// WriteWAVFormat encodes samples as a complete mono WAV file in format.
func WriteWAVFormat(w io.WriteSeeker, samples []float32, sampleRate int, format SampleFormat) error {
	ww := NewWAVWriter(w, sampleRate, format)
	if err := ww.Write(samples); err != nil {
		return err
	}
	return ww.Close()
}

// ReadWAV decodes an integer PCM or 32-bit IEEE float WAV stream into mono
// normalized samples at the file's native rate.
func ReadWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, fmt.Errorf("decode wav: missing format")
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = PCM16.bitDepth()
	}
	interleaved := make([]float32, len(buf.Data))
	switch {
	case dec.WavAudioFormat == wavFormatFloat:
		if bitDepth != 32 {
			return nil, 0, fmt.Errorf("decode wav: unsupported %d-bit float", bitDepth)
		}
		for i, v := range buf.Data {
			interleaved[i] = math.Float32frombits(uint32(int32(v)))
		}
	case bitDepth == 8:
		// 8-bit PCM is unsigned around 128.
		for i, v := range buf.Data {
			interleaved[i] = float32(v-128) / 128
		}
	default:
		scale := float32(math.Pow(2, float64(bitDepth-1)))
		for i, v := range buf.Data {
			interleaved[i] = float32(v) / scale
		}
	}
	return Downmix(interleaved, buf.Format.NumChannels), buf.Format.SampleRate, nil
}
