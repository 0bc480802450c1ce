package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Chain names the backends tried in order. CPU is always last.
type Chain struct {
	Preferred string
	Fallback  string
}

func (c Chain) backend(t Tier) string {
	switch t {
	case Preferred:
		return c.Preferred
	case Fallback:
		return c.Fallback
	default:
		return CPUBackend
	}
}

// Engine executes windows against a runtime and walks the fallback chain on
// hard failures. The chain only ever degrades within a session.
type Engine struct {
	runtime Runtime
	model   Model
	chain   Chain
	log     *slog.Logger
	clock   func() time.Time

	mu        sync.Mutex
	state     BackendState
	selected  bool
	observers []func(BackendEvent)

	tracer       trace.Tracer
	latency      metric.Float64Histogram
	degradations metric.Int64Counter
}

func NewEngine(runtime Runtime, model Model, chain Chain, log *slog.Logger) *Engine {
	e := &Engine{
		runtime: runtime,
		model:   model,
		chain:   chain,
		log:     log.With(slog.String("component", "inference")),
		clock:   time.Now,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-scribe/inference"),
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/inference")
	latency, err := meter.Float64Histogram("loqa.inference.latency",
		metric.WithDescription("Model invocation latency per window"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	degradations, err := meter.Int64Counter("loqa.inference.degradations",
		metric.WithDescription("Backend fallback steps taken"))
	if err != nil {
		return err
	}
	e.latency = latency
	e.degradations = degradations
	return nil
}

// OnEvent registers an observer for backend changes. Observers run
// synchronously on the inference goroutine and must not block.
func (e *Engine) OnEvent(fn func(BackendEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// State returns the current backend state.
func (e *Engine) State() BackendState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Select evaluates the chain from the top and settles on the first available
// backend. Runtimes without a Prober start on the preferred backend.
func (e *Engine) Select(ctx context.Context) (BackendState, error) {
	prober, _ := e.runtime.(Prober)
	var lastErr error
	for tier := Preferred; tier <= CPU; tier++ {
		backend := e.chain.backend(tier)
		if backend == "" {
			continue
		}
		if prober != nil {
			if err := prober.Available(ctx, backend); err != nil {
				e.log.Info("backend unavailable",
					slog.String("backend", backend),
					slog.String("tier", tier.String()),
					slog.String("error", err.Error()))
				lastErr = err
				continue
			}
		}
		state := BackendState{Tier: tier, Backend: backend}
		e.mu.Lock()
		e.state = state
		e.selected = true
		e.mu.Unlock()
		e.log.Info("backend selected", slog.String("backend", backend), slog.String("tier", tier.String()))
		e.emit(BackendEvent{Kind: EventSelected, To: state, At: e.clock()})
		return state, nil
	}
	state := BackendState{Tier: CPU, Backend: CPUBackend}
	return state, &FatalError{State: state, Err: fmt.Errorf("no backend available: %w", lastErr)}
}

// Infer runs one window. A failure on the preferred or fallback tier
// degrades one step and reissues the same window; a failure on the CPU tier
// or a corrupt model is returned as *FatalError.
func (e *Engine) Infer(ctx context.Context, w scheduler.Window) (Result, error) {
	e.mu.Lock()
	selected := e.selected
	e.mu.Unlock()
	if !selected {
		if _, err := e.Select(ctx); err != nil {
			return Result{}, err
		}
	}

	pcm := w.Samples()
	for {
		state := e.State()
		start := e.clock()
		tokens, err := e.run(ctx, w, pcm, state)
		elapsed := e.clock().Sub(start)
		if err == nil {
			state = e.markWarm(w.Seq)
			e.recordLatency(ctx, state, elapsed)
			return Result{
				Seq:     w.Seq,
				Final:   w.Kind == scheduler.Final,
				Start:   w.Start(),
				End:     w.End(),
				Overlap: w.Overlap(),
				Tokens:  tokens,
				Backend: state,
				Latency: elapsed,
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		if errors.Is(err, ErrModelCorrupt) || state.Tier == CPU {
			e.log.Error("inference failed",
				slog.String("backend", state.Backend),
				slog.Uint64("window", w.Seq),
				slog.String("error", err.Error()))
			return Result{}, &FatalError{State: state, Seq: w.Seq, Err: err}
		}
		e.degrade(ctx, w.Seq, err)
	}
}

func (e *Engine) run(ctx context.Context, w scheduler.Window, pcm []float32, state BackendState) ([]Token, error) {
	ctx, span := e.tracer.Start(ctx, "inference.run", trace.WithAttributes(
		attribute.String("backend", state.Backend),
		attribute.String("tier", state.Tier.String()),
		attribute.Int64("window.seq", int64(w.Seq)),
		attribute.String("window.kind", w.Kind.String()),
		attribute.Int("samples", len(pcm)),
	))
	defer span.End()

	tokens, err := e.runtime.Run(ctx, e.model, pcm, state.Backend)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tokens", len(tokens)))
	return tokens, nil
}

func (e *Engine) degrade(ctx context.Context, seq uint64, cause error) {
	e.mu.Lock()
	from := e.state
	next := from.Tier + 1
	for next < CPU && e.chain.backend(next) == "" {
		next++
	}
	to := BackendState{Tier: next, Backend: e.chain.backend(next)}
	e.state = to
	e.mu.Unlock()

	e.log.Warn("backend degraded",
		slog.String("from", from.Backend),
		slog.String("to", to.Backend),
		slog.Uint64("window", seq),
		slog.String("error", cause.Error()))
	if e.degradations != nil {
		e.degradations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from.Backend),
			attribute.String("to", to.Backend),
		))
	}
	e.emit(BackendEvent{Kind: EventDegraded, From: from, To: to, Seq: seq, Err: cause, At: e.clock()})
}

func (e *Engine) markWarm(seq uint64) BackendState {
	e.mu.Lock()
	if e.state.Warm {
		state := e.state
		e.mu.Unlock()
		return state
	}
	from := e.state
	e.state.Warm = true
	to := e.state
	e.mu.Unlock()

	e.emit(BackendEvent{Kind: EventWarm, From: from, To: to, Seq: seq, At: e.clock()})
	return to
}

func (e *Engine) recordLatency(ctx context.Context, state BackendState, d time.Duration) {
	if e.latency == nil {
		return
	}
	e.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("backend", state.Backend),
		attribute.Bool("warm", state.Warm),
	))
}

func (e *Engine) emit(evt BackendEvent) {
	e.mu.Lock()
	observers := append([]func(BackendEvent){}, e.observers...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(evt)
	}
}
