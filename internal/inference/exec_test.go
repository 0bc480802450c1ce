package inference

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func execRuntime(t *testing.T, script string) *ExecRuntime {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt, err := NewExecRuntime(config.InferenceConfig{Command: "sh -c '" + script + "' runner", Language: "en"})
	if err != nil {
		t.Fatalf("new exec runtime: %v", err)
	}
	return rt
}

func TestExecRuntimeParsesTokens(t *testing.T) {
	rt := execRuntime(t, `printf "{\"tokens\":[{\"text\":\" hello\",\"start_ms\":0,\"end_ms\":400,\"confidence\":0.9},{\"text\":\" world\"}]}"`)
	tokens, err := rt.Run(context.Background(), Model{}, make([]float32, 1600), "cpu")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if !tokens[0].Timed || tokens[0].End != 400*time.Millisecond {
		t.Fatalf("expected timed first token, got %+v", tokens[0])
	}
	if tokens[1].Timed {
		t.Fatal("token without times must be untimed")
	}
}

func TestExecRuntimeTextOnly(t *testing.T) {
	rt := execRuntime(t, `printf "{\"text\":\"the cat sat\"}"`)
	tokens, err := rt.Run(context.Background(), Model{}, make([]float32, 1600), "cpu")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Text != "the cat sat" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
}

func TestExecRuntimeClassifiesExitCodes(t *testing.T) {
	unavailable := execRuntime(t, `echo no device >&2; exit 3`)
	_, err := unavailable.Run(context.Background(), Model{}, nil, "cuda")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	corrupt := execRuntime(t, `echo bad magic >&2; exit 4`)
	_, err = corrupt.Run(context.Background(), Model{Path: "m.bin"}, nil, "cuda")
	if !errors.Is(err, ErrModelCorrupt) {
		t.Fatalf("expected corrupt model, got %v", err)
	}

	crash := execRuntime(t, `exit 1`)
	_, err = crash.Run(context.Background(), Model{}, nil, "cuda")
	var rtErr *BackendRuntimeError
	if !errors.As(err, &rtErr) || rtErr.Backend != "cuda" {
		t.Fatalf("expected backend runtime error, got %v", err)
	}
}

func TestNewRuntimeRejectsUnknown(t *testing.T) {
	if _, err := NewRuntime(config.InferenceConfig{Runtime: "onnx"}); err == nil {
		t.Fatal("expected error for unknown runtime")
	}
	rt, err := NewRuntime(config.InferenceConfig{Runtime: "mock"})
	if err != nil {
		t.Fatalf("mock runtime: %v", err)
	}
	if _, ok := rt.(Prober); !ok {
		t.Fatal("mock runtime should support probing")
	}
}
