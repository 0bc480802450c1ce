// Package runtime wires a live transcription session to the bus, the event
// store, telemetry and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recorder"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

const (
	streamMaxAge      = 24 * time.Hour
	retentionInterval = time.Hour
	shutdownTimeout   = 10 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	telemetry  *telemetry
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	registry   *capability.Registry
	session    *session.Session
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Start runs one live session until ctx is cancelled or the session ends on
// its own. Cancellation drains the session gracefully before shutdown. An
// aborted session is returned as its *session.Failure.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer func() {
		if cerr := r.close(); cerr != nil {
			r.logger.Error("runtime shutdown error", slog.String("error", cerr.Error()))
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startBus(ctx); err != nil {
		return err
	}
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, retentionInterval)
	}()

	sess, err := r.newSession()
	if err != nil {
		return err
	}
	r.session = sess

	if r.bus != nil {
		reg, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, func() []capability.Capability {
			return capability.Transcriber(r.cfg.Inference, sess.Backend())
		}, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = reg
	}

	if err := r.serveHTTP(); err != nil {
		return err
	}

	if err := sess.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.listener.Addr().String()),
		slog.String("session", sess.ID()))

	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping", slog.String("reason", context.Cause(ctx).Error()))
		sess.Stop()
	case <-sess.Done():
	}
	out := sess.Wait()
	r.ready.Store(false)
	if out.Failure != nil {
		return out.Failure
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	subjects := []string{protocol.SubjectTranscriptCommitted, protocol.SubjectSessionStatus}
	if err := client.EnsureStream(protocol.StreamTranscripts, subjects, streamMaxAge); err != nil {
		r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) newSession() (*session.Session, error) {
	rt, err := inference.NewRuntime(r.cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("inference runtime: %w", err)
	}

	deps := session.Deps{
		Runtime: rt,
		OpenSource: func(context.Context) (capture.Source, error) {
			return capture.Open(r.cfg.Capture, r.bus)
		},
		Sinks: []session.Sink{
			session.NewStoreSink(r.store, r.cfg.Node.ID),
			session.SinkFunc(r.announceBackend),
		},
	}
	if r.cfg.Recorder.Enabled {
		deps.OpenRecorder = func(id string) (*recorder.Recorder, error) {
			return recorder.Open(recorder.OptionsFromConfig(r.cfg.Recorder, id), r.logger)
		}
	}
	if r.bus != nil {
		deps.Sinks = append(deps.Sinks, session.NewBusSink(r.bus, r.cfg.Node.ID))
	}
	return session.New(r.cfg, deps, r.logger)
}

// announceBackend re-advertises node capabilities when the backend changes.
func (r *Runtime) announceBackend(_ context.Context, evt session.Event) error {
	if evt.Kind != session.EventBackend || r.registry == nil {
		return nil
	}
	return r.registry.Announce()
}

func (r *Runtime) serveHTTP() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr is the bound HTTP address once Start is serving.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// close releases everything Start acquired, in reverse order. Background
// loops have already seen their context cancelled.
func (r *Runtime) close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
