package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/scheduler"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

// pipeline holds the per-run components. Each stage runs on its own
// goroutine and owns the state it touches: the scheduler and gate belong to
// the windowing stage, the stabilizer is only applied from the publishing
// stage.
type pipeline struct {
	session  *Session
	source   capture.Source
	recorder *recorder.Recorder
	detector vad.Detector
	gate     *vad.Gate
	worker   *inference.Worker
}

func (p *pipeline) run(parent context.Context) {
	s := p.session
	runCtx, cancel := context.WithCancel(parent)
	inputCtx, stopInput := context.WithCancel(runCtx)
	s.setRunning(cancel, stopInput)
	s.emit(Event{Kind: EventStarted})
	s.log.Info("session started",
		slog.String("mode", s.schedCfg.Mode.String()),
		slog.String("strictness", s.strictness.String()),
		slog.String("backend", s.Backend().Backend))

	queue := s.cfg.Capture.QueueFrames
	if queue <= 0 {
		queue = 64
	}
	frames := make(chan audio.Frame, queue)
	results := make(chan inference.Result, 4)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		p.worker.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		p.capture(inputCtx, runCtx, frames)
	}()
	go func() {
		defer wg.Done()
		p.window(runCtx, frames, results)
	}()
	go func() {
		defer wg.Done()
		p.publish(runCtx, results)
	}()

	watchDone := make(chan struct{})
	watchStopped := make(chan struct{})
	go p.watchRecorder(watchDone, watchStopped)

	var timer *time.Timer
	if timeout := s.cfg.Session.SessionTimeout(); timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			s.log.Info("session timeout reached", slog.Duration("timeout", timeout))
			s.Stop()
		})
	}

	go func() {
		wg.Wait()
		if timer != nil {
			timer.Stop()
		}
		if err := p.source.Close(); err != nil {
			s.log.Warn("failed to close audio source", slog.String("error", err.Error()))
		}
		closeDetector(p.detector, s.log)
		close(watchDone)
		<-watchStopped
		s.conclude(p.recorder)
		cancel()
	}()
}

// capture reads frames, hands every one to the recorder untouched and
// forwards a conditioned copy to the windowing stage.
func (p *pipeline) capture(inputCtx, runCtx context.Context, out chan<- audio.Frame) {
	s := p.session
	defer close(out)

	var monitor capture.SequenceMonitor
	var dc *audio.DCBlock
	if s.cfg.Capture.DCBlock {
		dc = audio.NewDCBlock(audio.PipelineSampleRate)
	}
	gain := audio.NewGain(s.cfg.Capture.GainDB)

	for {
		frame, err := p.source.Next(inputCtx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Info("audio source exhausted")
			case inputCtx.Err() != nil:
				// stop requested or session aborted
			default:
				s.fail(StageCapture, err)
			}
			return
		}
		if p.recorder != nil {
			p.recorder.Append(frame)
		}
		if err := monitor.Observe(frame); err != nil {
			s.fail(StageCapture, err)
			return
		}

		samples := frame.Samples
		if dc != nil {
			samples = dc.Process(samples)
		}
		samples = gain.Apply(samples)
		select {
		case out <- frame.WithSamples(samples):
		case <-runCtx.Done():
			return
		}
	}
}

// window gates blocks of frames, feeds the scheduler and keeps at most one
// window in flight to the inference worker.
func (p *pipeline) window(ctx context.Context, frames <-chan audio.Frame, out chan<- inference.Result) {
	s := p.session
	defer close(out)
	defer p.worker.Close()

	sched := scheduler.New(s.schedCfg)
	blockSize := audio.DurationToSamples(config.Millis(s.cfg.VAD.WindowMS), audio.PipelineSampleRate)
	var block []audio.Frame
	blockSamples := 0
	gateBlock := func() {
		if len(block) == 0 {
			return
		}
		decision, err := p.gate.Evaluate(block)
		if err != nil {
			s.diagnose(StageGate, err)
		}
		for _, f := range block {
			sched.Push(scheduler.TaggedFrame{Frame: f, Tag: decision.Tag})
		}
		block = nil
		blockSamples = 0
	}

	in := frames
	responses := p.worker.Responses()
	inFlight := false
	for {
		if !inFlight {
			if w, ok := sched.Dispatch(); ok {
				if err := p.worker.Submit(ctx, w); err != nil {
					return
				}
				inFlight = true
			}
		}
		if in == nil && !inFlight && sched.Idle() {
			return
		}

		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				gateBlock()
				sched.Finish()
				continue
			}
			block = append(block, f)
			blockSamples += len(f.Samples)
			if blockSamples >= blockSize {
				gateBlock()
			}
		case resp, ok := <-responses:
			if !ok {
				return
			}
			inFlight = false
			if resp.Err != nil {
				if ctx.Err() == nil {
					s.fail(StageInference, resp.Err)
				}
				return
			}
			sched.Complete()
			select {
			case out <- resp.Result:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// publish applies results in order. A graceful end force-commits the
// transcript; an abort leaves provisional text as it was.
func (p *pipeline) publish(ctx context.Context, results <-chan inference.Result) {
	s := p.session
	for res := range results {
		s.deliver(ctx, s.stab.Apply(res))
	}
	if ctx.Err() != nil || s.failed() {
		return
	}
	s.deliver(ctx, s.stab.Finalize())
}

// watchRecorder surfaces recording failures as diagnostics.
func (p *pipeline) watchRecorder(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	if p.recorder == nil {
		return
	}
	errs := p.recorder.Errors()
	for {
		select {
		case err := <-errs:
			p.session.diagnose(StageRecorder, err)
		case <-done:
			return
		}
	}
}
