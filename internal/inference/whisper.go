//go:build whisper

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// WhisperRuntime runs windows in-process through whisper.cpp. The backend
// compiled into the library is reported by Backends; any other identifier is
// unavailable.
type WhisperRuntime struct {
	language string
	threads  uint
	backends map[string]bool

	mu     sync.Mutex
	models map[string]whisper.Model
}

func NewWhisperRuntime(cfg config.InferenceConfig, compiled ...string) *WhisperRuntime {
	backends := map[string]bool{CPUBackend: true}
	for _, b := range compiled {
		backends[b] = true
	}
	threads := uint(0)
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}
	return &WhisperRuntime{
		language: cfg.Language,
		threads:  threads,
		backends: backends,
		models:   make(map[string]whisper.Model),
	}
}

func (r *WhisperRuntime) Available(_ context.Context, backend string) error {
	if !r.backends[backend] {
		return fmt.Errorf("%s not compiled into whisper.cpp: %w", backend, ErrBackendUnavailable)
	}
	return nil
}

func (r *WhisperRuntime) Run(ctx context.Context, model Model, pcm []float32, backend string) ([]Token, error) {
	if err := r.Available(ctx, backend); err != nil {
		return nil, err
	}
	m, err := r.load(model)
	if err != nil {
		return nil, err
	}
	wctx, err := m.NewContext()
	if err != nil {
		return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("create context: %w", err)}
	}
	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("set language: %w", err)}
		}
	}
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}
	wctx.SetTokenTimestamps(true)

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("process: %w", err)}
	}

	var tokens []Token
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("next segment: %w", err)}
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		tokens = append(tokens, Token{
			Text:  " " + text,
			Start: seg.Start,
			End:   seg.End,
			Timed: true,
		})
	}
	return tokens, nil
}

func (r *WhisperRuntime) load(model Model) (whisper.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[model.Path]; ok {
		return m, nil
	}
	m, err := whisper.New(model.Path)
	if err != nil {
		return nil, &CorruptModelError{Path: model.Path, Reason: err.Error()}
	}
	r.models[model.Path] = m
	return m, nil
}

// Close releases loaded models.
func (r *WhisperRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for path, m := range r.models {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.models, path)
	}
	return errors.Join(errs...)
}
