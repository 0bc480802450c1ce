package inference

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/scheduler"
)

var ErrWorkerClosed = errors.New("inference worker closed")

// Response carries the outcome of one submitted window.
type Response struct {
	Window scheduler.Window
	Result Result
	Err    error
}

// Worker owns the blocking model call on a dedicated goroutine. Requests
// and responses travel over channels of capacity one.
type Worker struct {
	engine    *Engine
	requests  chan scheduler.Window
	responses chan Response
	done      chan struct{}
	closeOnce sync.Once
}

func NewWorker(engine *Engine) *Worker {
	return &Worker{
		engine:    engine,
		requests:  make(chan scheduler.Window, 1),
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
	}
}

// Run processes requests until Close is called or ctx ends. The responses
// channel is closed on return.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.responses)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case window := <-w.requests:
			result, err := w.engine.Infer(ctx, window)
			select {
			case w.responses <- Response{Window: window, Result: result, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit queues a window for inference.
func (w *Worker) Submit(ctx context.Context, window scheduler.Window) error {
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}
	select {
	case w.requests <- window:
		return nil
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses delivers results in submission order.
func (w *Worker) Responses() <-chan Response { return w.responses }

// Close stops the worker after the current window.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
