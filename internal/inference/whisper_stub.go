//go:build !whisper

package inference

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var errWhisperNotBuilt = errors.New("whisper runtime requires the whisper build tag")

// WhisperRuntime is unavailable without the whisper build tag; every backend
// probes as unavailable.
type WhisperRuntime struct{}

func NewWhisperRuntime(config.InferenceConfig, ...string) *WhisperRuntime {
	return &WhisperRuntime{}
}

func (r *WhisperRuntime) Available(context.Context, string) error {
	return errors.Join(ErrBackendUnavailable, errWhisperNotBuilt)
}

func (r *WhisperRuntime) Run(ctx context.Context, _ Model, _ []float32, backend string) ([]Token, error) {
	return nil, r.Available(ctx, backend)
}

func (r *WhisperRuntime) Close() error { return nil }
