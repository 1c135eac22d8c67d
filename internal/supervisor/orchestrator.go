package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/termtunnel/termtunnel/internal/log"
	"github.com/termtunnel/termtunnel/internal/pubsub"
)

// Phase is the orchestrator's coarse lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCleaningOrphans
	PhaseStartingAuxiliary
	PhaseStartingPrimary
	PhaseAwaitingHealth
	PhaseStartingTunnel
	PhaseSteady
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCleaningOrphans:
		return "cleaning-orphans"
	case PhaseStartingAuxiliary:
		return "starting-auxiliary"
	case PhaseStartingPrimary:
		return "starting-primary"
	case PhaseAwaitingHealth:
		return "awaiting-health"
	case PhaseStartingTunnel:
		return "starting-tunnel"
	case PhaseSteady:
		return "steady"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// stopGrace bounds the wait for a worker to exit after SIGTERM before it is
// killed outright.
const stopGrace = 5 * time.Second

// Config carries everything the supervisor needs to resolve, launch, and
// gate its workers.
type Config struct {
	Mode         Mode
	ResourceRoot string
	ProjectDir   string
	LogDir       string

	// ExternalPrimary assumes an externally managed primary is already
	// listening; the supervisor health-gates against it but never launches
	// or stops it.
	ExternalPrimary bool

	PrimaryPort      int
	AuxiliaryEnabled bool
	AuxiliaryPort    int

	TunnelBinary       string
	TunnelDomain       string
	TunnelProtocol     string
	TunnelReadyTimeout time.Duration

	HealthAttempts int
	HealthDelay    time.Duration
}

// Supervisor orchestrates the worker set.
type Supervisor struct {
	cfg      Config
	registry Registry
	launcher *Launcher
	prober   *Prober
	endpoint Endpoint
	broker   *pubsub.Broker[StatusEvent]
	sink     Sink
	tracer   trace.Tracer

	// Seams for tests: process-tree kill and pre-start orphan sweep both
	// shell out in production.
	killDescendants func(pid int) error
	cleaner         func()

	mu    sync.Mutex
	phase Phase
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSink sets the observer sink for status and endpoint events.
func WithSink(sink Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithTracer sets the tracer used for orchestration stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Supervisor) { s.tracer = tracer }
}

// WithCommandFactory substitutes the process spawner.
func WithCommandFactory(factory CommandFactory) Option {
	return func(s *Supervisor) { s.launcher = NewLauncher(factory) }
}

// WithKillFunc substitutes the descendant-kill used during worker stop.
func WithKillFunc(kill func(pid int) error) Option {
	return func(s *Supervisor) { s.killDescendants = kill }
}

// WithCleaner substitutes the pre-start orphan sweep.
func WithCleaner(clean func()) Option {
	return func(s *Supervisor) { s.cleaner = clean }
}

// WithProber substitutes the health prober.
func WithProber(p *Prober) Option {
	return func(s *Supervisor) { s.prober = p }
}

// New builds a supervisor for the given config.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:             cfg,
		launcher:        NewLauncher(nil),
		prober:          NewProber(cfg.PrimaryPort),
		broker:          pubsub.NewBroker[StatusEvent](),
		sink:            NopSink{},
		tracer:          noop.NewTracerProvider().Tracer("supervisor"),
		killDescendants: terminateDescendants,
		phase:           PhaseIdle,
	}
	s.cleaner = cfg.cleanOrphans
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	log.Debug(log.CatSuper, "phase", "phase", p.String())
}

// IsLive reports whether the given worker is currently running.
func (s *Supervisor) IsLive(kind WorkerKind) bool {
	return s.registry.IsLive(kind)
}

// EndpointURL returns the tunnel's public URL, or "" before the tunnel
// connects.
func (s *Supervisor) EndpointURL() string {
	return s.endpoint.URL()
}

// Events subscribes to the stream of status events. The subscription ends
// with the context.
func (s *Supervisor) Events(ctx context.Context) <-chan pubsub.Event[StatusEvent] {
	return s.broker.Subscribe(ctx)
}

func (s *Supervisor) publish(ev StatusEvent) {
	s.broker.Publish(pubsub.StatusChanged, ev)
	s.sink.Publish(statusTopic(ev.Kind), ev.Payload())
}

// Initialize runs the full startup sequence: orphan cleanup, auxiliary
// launch, primary launch, health gate, tunnel launch and readiness wait.
//
// A primary spawn failure is fatal. A failed health gate or tunnel is
// reported and skipped: the system keeps running degraded rather than tear
// down a working backend.
func (s *Supervisor) Initialize(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.initialize")
	defer span.End()

	s.setPhase(PhaseCleaningOrphans)
	s.stage(ctx, "supervisor.cleanup", func(context.Context) error {
		s.cleaner()
		return nil
	})

	if s.cfg.AuxiliaryEnabled {
		s.setPhase(PhaseStartingAuxiliary)
		err := s.stage(ctx, "supervisor.start_auxiliary", func(ctx context.Context) error {
			return s.StartWorker(ctx, Auxiliary)
		})
		if err != nil {
			// The backend can fall back to in-process PTY handling.
			log.ErrorErr(log.CatSuper, "auxiliary failed to start", err)
		}
	}

	if !s.cfg.ExternalPrimary {
		s.setPhase(PhaseStartingPrimary)
		err := s.stage(ctx, "supervisor.start_primary", func(ctx context.Context) error {
			return s.StartWorker(ctx, Primary)
		})
		if err != nil {
			span.SetStatus(codes.Error, "primary start failed")
			s.publish(StatusEvent{Kind: Primary, Status: StatusError, Err: err})
			return err
		}
	} else {
		log.Info(log.CatSuper, "external primary mode, skipping launch")
	}

	s.setPhase(PhaseAwaitingHealth)
	healthy := false
	s.stage(ctx, "supervisor.await_health", func(ctx context.Context) error {
		healthy = s.prober.WaitReady(ctx, s.cfg.HealthAttempts, s.cfg.HealthDelay)
		if !healthy {
			return ErrHealthTimeout
		}
		return nil
	})
	if !healthy {
		s.publish(StatusEvent{Kind: Primary, Status: StatusError, Err: ErrHealthTimeout})
		s.publish(StatusEvent{Kind: Tunnel, Status: StatusError, Err: fmt.Errorf("skipped: %w", ErrHealthTimeout)})
		log.Error(log.CatSuper, "primary never became healthy, skipping tunnel")
		s.setPhase(PhaseSteady)
		return nil
	}
	s.publish(StatusEvent{Kind: Primary, Status: StatusRunning})

	s.setPhase(PhaseStartingTunnel)
	err := s.stage(ctx, "supervisor.start_tunnel", func(ctx context.Context) error {
		return s.startTunnel(ctx)
	})
	if err != nil {
		s.publish(StatusEvent{Kind: Tunnel, Status: StatusError, Err: err})
		log.ErrorErr(log.CatSuper, "tunnel failed", err)
	}

	s.setPhase(PhaseSteady)
	return nil
}

// stage wraps one orchestration step in a span.
func (s *Supervisor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// StartWorker launches the primary or auxiliary worker. Starting a live
// worker is a no-op. The tunnel has its own start path because of its
// readiness protocol.
func (s *Supervisor) StartWorker(ctx context.Context, kind WorkerKind) error {
	if kind == Tunnel {
		return s.startTunnel(ctx)
	}
	if s.registry.IsLive(kind) {
		log.Info(log.CatSuper, "worker already running", "worker", kind.String())
		return nil
	}

	var (
		spec LaunchSpec
		err  error
	)
	switch kind {
	case Primary:
		spec, err = s.cfg.primarySpec()
	case Auxiliary:
		spec, err = s.cfg.auxiliarySpec()
	default:
		return fmt.Errorf("unknown worker kind %d", kind)
	}
	if err != nil {
		return err
	}

	s.publish(StatusEvent{Kind: kind, Status: StatusStarting})
	log.Info(log.CatLaunch, "starting worker", "worker", kind.String(), "path", spec.Path)

	handle, stdout, stderr, err := s.launcher.Start(spec)
	if err != nil {
		return err
	}
	go relayOutput(kind, "stdout", stdout)
	go relayOutput(kind, "stderr", stderr)

	if !s.registry.install(kind, handle) {
		// Lost the slot to a concurrent start; dispose of our child.
		s.disposeHandle(handle)
		return nil
	}

	log.Info(log.CatLaunch, "worker started", "worker", kind.String(), "pid", handle.PID)
	if kind != Primary {
		// Primary's running status waits on the health gate.
		s.publish(StatusEvent{Kind: kind, Status: StatusRunning})
	}
	return nil
}

// startTunnel launches the tunnel client and blocks until its public URL
// appears in the log output or the ready timeout elapses. On timeout the
// process is killed and an error returned.
func (s *Supervisor) startTunnel(ctx context.Context) error {
	if s.registry.IsLive(Tunnel) {
		log.Info(log.CatSuper, "tunnel already running")
		return nil
	}

	spec, err := s.cfg.tunnelSpec()
	if err != nil {
		return err
	}

	s.publish(StatusEvent{Kind: Tunnel, Status: StatusStarting})
	log.Info(log.CatLaunch, "starting tunnel", "path", spec.Path)

	handle, stdout, stderr, err := s.launcher.Start(spec)
	if err != nil {
		return err
	}

	watcher := NewLogWatcher(s.cfg.TunnelDomain)
	watcher.OnErrorMark = func(line string) {
		s.publish(StatusEvent{Kind: Tunnel, Status: StatusError, Err: errors.New(line)})
	}
	handle.watcher = watcher
	watcher.Watch(stdout, stderr)

	if !s.registry.install(Tunnel, handle) {
		s.disposeHandle(handle)
		return nil
	}

	url, err := watcher.Wait(s.cfg.TunnelReadyTimeout)
	if err != nil {
		s.StopWorker(Tunnel)
		return err
	}

	s.endpoint.Set(url)
	ev := StatusEvent{Kind: Tunnel, Status: StatusConnected, URL: url}
	s.publish(ev)
	s.broker.Publish(pubsub.EndpointDiscovered, ev)
	s.sink.Publish(TopicEndpointURL, url)
	log.Info(log.CatSuper, "tunnel connected", "url", url)
	return nil
}

// StopWorker tears down one worker: descendants first, then SIGTERM, then
// SIGKILL after the grace period. Stopping a non-live worker is a no-op.
func (s *Supervisor) StopWorker(kind WorkerKind) {
	handle := s.registry.take(kind)
	if handle == nil {
		return
	}

	log.Info(log.CatSuper, "stopping worker", "worker", kind.String(), "pid", handle.PID)
	if handle.watcher != nil && !handle.watcher.Found() {
		log.Warn(log.CatSuper, "tunnel stopped before connecting", "pid", handle.PID)
	}
	s.disposeHandle(handle)

	if kind == Tunnel {
		s.endpoint.clear()
	}
	// Broker-only: the sink's worker-status payload set is closed over
	// starting/running/connected/error.
	s.broker.Publish(pubsub.StatusChanged, StatusEvent{Kind: kind, Status: StatusStopped})
}

func (s *Supervisor) disposeHandle(handle *Handle) {
	if err := s.killDescendants(handle.PID); err != nil {
		log.Debug(log.CatCleanup, "no descendants to kill", "pid", handle.PID)
	}

	if handle.Cmd == nil || handle.Cmd.Process == nil {
		return
	}
	_ = handle.Cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = handle.Cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		log.Warn(log.CatCleanup, "worker ignored SIGTERM, killing", "pid", handle.PID)
		_ = handle.Cmd.Process.Kill()
		<-done
	}
}

func startingPhase(kind WorkerKind) Phase {
	switch kind {
	case Primary:
		return PhaseStartingPrimary
	case Tunnel:
		return PhaseStartingTunnel
	default:
		return PhaseStartingAuxiliary
	}
}

// Restart stops and relaunches a worker without re-running orphan cleanup.
// The worker's starting phase is reported for the duration of the start.
func (s *Supervisor) Restart(ctx context.Context, kind WorkerKind) error {
	s.StopWorker(kind)
	prev := s.Phase()
	s.setPhase(startingPhase(kind))
	err := s.StartWorker(ctx, kind)
	s.setPhase(prev)
	return err
}

// Shutdown stops all workers in dependency order: the tunnel first so the
// public endpoint goes dark before its backend, then the primary, then the
// sidecar. External primaries are left alone.
func (s *Supervisor) Shutdown() {
	s.setPhase(PhaseShuttingDown)
	_, span := s.tracer.Start(context.Background(), "supervisor.shutdown",
		trace.WithAttributes(attribute.Bool("external_primary", s.cfg.ExternalPrimary)))
	defer span.End()

	s.StopWorker(Tunnel)
	if !s.cfg.ExternalPrimary {
		s.StopWorker(Primary)
	}
	s.StopWorker(Auxiliary)

	s.broker.Close()
	s.setPhase(PhaseIdle)
	log.Info(log.CatSuper, "shutdown complete")
}
