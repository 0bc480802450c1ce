package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Exit codes the external runner uses to classify failures.
const (
	ExitBackendUnavailable = 3
	ExitModelCorrupt       = 4
)

// ExecRuntime runs an external transcription command per window. The window
// is handed over as a temporary 16-bit WAV file and the command prints JSON.
type ExecRuntime struct {
	cmd      []string
	language string
	threads  int
}

type execToken struct {
	Text       string  `json:"text"`
	StartMS    *int64  `json:"start_ms,omitempty"`
	EndMS      *int64  `json:"end_ms,omitempty"`
	Confidence float32 `json:"confidence"`
}

type execResult struct {
	Text   string      `json:"text"`
	Tokens []execToken `json:"tokens"`
}

func NewExecRuntime(cfg config.InferenceConfig) (*ExecRuntime, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("inference command is empty")
	}
	return &ExecRuntime{cmd: args, language: cfg.Language, threads: cfg.Threads}, nil
}

func (r *ExecRuntime) Run(ctx context.Context, model Model, pcm []float32, backend string) ([]Token, error) {
	file, err := os.CreateTemp("", "loqa_scribe_*.wav")
	if err != nil {
		return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("temp file: %w", err)}
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, audio.PipelineSampleRate); err != nil {
		return nil, &BackendRuntimeError{Backend: backend, Err: err}
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--backend", backend)
	if model.Path != "" {
		args = append(args, "--model", model.Path)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if r.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(r.threads))
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, classifyExit(backend, model, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.tokens(), nil
}

func classifyExit(backend string, model Model, err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case ExitBackendUnavailable:
			return fmt.Errorf("%s: %w: %s", backend, ErrBackendUnavailable, detail)
		case ExitModelCorrupt:
			return &CorruptModelError{Path: model.Path, Reason: detail}
		}
	}
	return &BackendRuntimeError{Backend: backend, Err: fmt.Errorf("%w: %s", err, detail)}
}

func (r execResult) tokens() []Token {
	if len(r.Tokens) == 0 {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			return nil
		}
		return []Token{{Text: text}}
	}
	tokens := make([]Token, 0, len(r.Tokens))
	for _, t := range r.Tokens {
		tok := Token{Text: t.Text, Confidence: t.Confidence}
		if t.StartMS != nil && t.EndMS != nil {
			tok.Start = time.Duration(*t.StartMS) * time.Millisecond
			tok.End = time.Duration(*t.EndMS) * time.Millisecond
			tok.Timed = true
		}
		tokens = append(tokens, tok)
	}
	return tokens
}
