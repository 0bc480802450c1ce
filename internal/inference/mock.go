package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// MockRuntime stands in for a model. By default it emits one token describing
// the audio and nothing for near-silence. Failures can be scripted per
// backend so the fallback chain can be exercised without accelerators.
type MockRuntime struct {
	// Transcribe overrides the default output.
	Transcribe func(pcm []float32) []Token

	mu          sync.Mutex
	failNext    map[string][]error
	failAlways  map[string]error
	unavailable map[string]bool
	calls       []MockCall
}

// MockCall records one Run invocation.
type MockCall struct {
	Backend string
	Samples int
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		failNext:    make(map[string][]error),
		failAlways:  make(map[string]error),
		unavailable: make(map[string]bool),
	}
}

// FailNext makes the next Run on backend return err.
func (m *MockRuntime) FailNext(backend string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[backend] = append(m.failNext[backend], err)
}

// FailAlways makes every Run on backend return err.
func (m *MockRuntime) FailAlways(backend string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways[backend] = err
}

// SetUnavailable makes probing report backend as missing.
func (m *MockRuntime) SetUnavailable(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[backend] = true
}

func (m *MockRuntime) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

func (m *MockRuntime) Available(_ context.Context, backend string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable[backend] {
		return fmt.Errorf("%s: %w", backend, ErrBackendUnavailable)
	}
	return nil
}

func (m *MockRuntime) Run(ctx context.Context, _ Model, pcm []float32, backend string) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Backend: backend, Samples: len(pcm)})
	if m.unavailable[backend] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", backend, ErrBackendUnavailable)
	}
	if queued := m.failNext[backend]; len(queued) > 0 {
		err := queued[0]
		m.failNext[backend] = queued[1:]
		m.mu.Unlock()
		return nil, err
	}
	if err := m.failAlways[backend]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	transcribe := m.Transcribe
	m.mu.Unlock()

	if transcribe != nil {
		return transcribe(pcm), nil
	}
	level := audio.RMSDecibels(pcm)
	if level < -50 {
		return nil, nil
	}
	d := audio.SamplesToDuration(len(pcm), audio.PipelineSampleRate)
	return []Token{{
		Text:  fmt.Sprintf("[speech %.1fs %.0fdBFS]", d.Seconds(), level),
		End:   d,
		Timed: true,
	}}, nil
}
