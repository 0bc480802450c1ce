package inference

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewRuntime builds the runtime named in the inference config.
func NewRuntime(cfg config.InferenceConfig) (Runtime, error) {
	switch cfg.Runtime {
	case "", "mock":
		return NewMockRuntime(), nil
	case "exec":
		return NewExecRuntime(cfg)
	case "whisper":
		// whisper.cpp picks its accelerator at build time; both configured
		// tiers map onto it and a runtime failure degrades to CPU.
		return NewWhisperRuntime(cfg, cfg.PreferredBackend, cfg.FallbackBackend), nil
	default:
		return nil, fmt.Errorf("unknown inference runtime %q", cfg.Runtime)
	}
}

// ChainFromConfig returns the configured fallback chain.
func ChainFromConfig(cfg config.InferenceConfig) Chain {
	return Chain{Preferred: cfg.PreferredBackend, Fallback: cfg.FallbackBackend}
}
