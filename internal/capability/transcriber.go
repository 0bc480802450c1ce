package capability

import (
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
)

const (
	// NameTranscribe is advertised once with the backend currently serving.
	NameTranscribe = "stt.transcribe"
	// NameBackend is advertised for every tier of the fallback chain.
	NameBackend = "stt.backend"
)

// Transcriber describes a transcription node: the configured chain and the
// live backend state. A zero state means no backend was selected yet.
func Transcriber(cfg config.InferenceConfig, state inference.BackendState) []Capability {
	chain := inference.ChainFromConfig(cfg)
	caps := []Capability{
		{Name: NameBackend, Tier: inference.Preferred.String(), Attributes: map[string]string{"backend": chain.Preferred}},
		{Name: NameBackend, Tier: inference.Fallback.String(), Attributes: map[string]string{"backend": chain.Fallback}},
		{Name: NameBackend, Tier: inference.CPU.String(), Attributes: map[string]string{"backend": inference.CPUBackend}},
	}
	live := Capability{
		Name: NameTranscribe,
		Attributes: map[string]string{
			"runtime":  cfg.Runtime,
			"language": cfg.Language,
		},
	}
	if state.Backend != "" {
		live.Tier = state.Tier.String()
		live.Attributes["backend"] = state.Backend
		live.Attributes["warm"] = strconv.FormatBool(state.Warm)
	}
	return append(caps, live)
}
