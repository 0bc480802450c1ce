// Package inference runs speech windows through an external model runtime
// and owns the hardware backend fallback chain.
package inference

import (
	"context"
	"strings"
	"time"
)

// Token is one unit of model output. Times are relative to the start of the
// audio handed to the runtime and only meaningful when Timed is set.
type Token struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Timed      bool
	Confidence float32
}

// Result is the outcome of one window. Seq equals the window's sequence
// number, including when the window was reissued after a fallback.
type Result struct {
	Seq     uint64
	Final   bool
	Start   time.Duration
	End     time.Duration
	Overlap time.Duration
	Tokens  []Token
	Backend BackendState
	Latency time.Duration
}

// Text joins the token texts.
func (r Result) Text() string {
	var b strings.Builder
	for _, t := range r.Tokens {
		b.WriteString(t.Text)
	}
	return strings.TrimSpace(b.String())
}

// Runtime is the boundary to the model. Implementations report failures as
// ErrBackendUnavailable, *BackendRuntimeError or ErrModelCorrupt.
type Runtime interface {
	Run(ctx context.Context, model Model, pcm []float32, backend string) ([]Token, error)
}

// Prober is implemented by runtimes that can check a backend before use.
type Prober interface {
	Available(ctx context.Context, backend string) error
}

type Tier int

const (
	Preferred Tier = iota
	Fallback
	CPU
)

func (t Tier) String() string {
	switch t {
	case Preferred:
		return "preferred"
	case Fallback:
		return "fallback"
	default:
		return "cpu"
	}
}

// BackendState is the active position in the fallback chain.
type BackendState struct {
	Tier    Tier   `json:"-"`
	Backend string `json:"backend"`
	Warm    bool   `json:"warm"`
}

// CPUBackend is the identifier of the last tier.
const CPUBackend = "cpu"

type EventKind string

const (
	EventSelected EventKind = "selected"
	EventDegraded EventKind = "degraded"
	EventWarm     EventKind = "warm"
)

// BackendEvent reports a change of BackendState.
type BackendEvent struct {
	Kind EventKind
	From BackendState
	To   BackendState
	Seq  uint64
	Err  error
	At   time.Time
}
