package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/loykin/mcpbridge/internal/event"
	"github.com/loykin/mcpbridge/internal/logger"
	"github.com/loykin/mcpbridge/internal/metrics"
	"github.com/loykin/mcpbridge/internal/sched"
	"github.com/loykin/mcpbridge/internal/validate"
	"github.com/loykin/mcpbridge/internal/worker"
)

var (
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrWorkerDisabled = errors.New("worker is disabled")
	ErrShuttingDown   = errors.New("supervisor shutting down")
)

// DefaultStopGrace is how long a graceful termination signal is given to
// take effect before the process group is killed.
const DefaultStopGrace = 5 * time.Second

// record is the supervisor-side mutable state for one registered worker.
//
// Invariants: status == running implies handle != nil; at most one scheduled
// restart timer exists per worker; restartCount never exceeds the policy
// maximum while a timer is pending.
type record struct {
	spec          worker.Spec
	handle        worker.Handle
	status        worker.State
	startTime     time.Time
	lastError     string
	restartCount  int
	lastRestartAt time.Time
	restartTimer  sched.Timer
	waitDone      chan struct{} // closed by the exit handler for the current run
	stopRequested bool
	starting      bool
	stderrCloser  io.Closer
	toolCount     int
	lastActivity  time.Time
}

// Supervisor owns the registry of configured workers, spawns and stops their
// OS processes, and applies the restart-backoff policy on unexpected exits.
type Supervisor struct {
	mu        sync.Mutex
	records   map[string]*record
	policy    Policy
	runner    worker.Runner
	scheduler sched.Scheduler
	bus       *event.Bus
	validator *validate.Validator
	logCfg    logger.Config
	globalEnv []string
	stopGrace time.Duration
	jitter    func() float64
	closed    bool
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

func WithRunner(r worker.Runner) Option          { return func(s *Supervisor) { s.runner = r } }
func WithScheduler(sc sched.Scheduler) Option    { return func(s *Supervisor) { s.scheduler = sc } }
func WithBus(b *event.Bus) Option                { return func(s *Supervisor) { s.bus = b } }
func WithValidator(v *validate.Validator) Option { return func(s *Supervisor) { s.validator = v } }
func WithPolicy(p Policy) Option                 { return func(s *Supervisor) { s.policy = p.Normalize() } }
func WithLogConfig(c logger.Config) Option       { return func(s *Supervisor) { s.logCfg = c } }
func WithGlobalEnv(kvs []string) Option          { return func(s *Supervisor) { s.globalEnv = kvs } }
func WithStopGrace(d time.Duration) Option       { return func(s *Supervisor) { s.stopGrace = d } }

// WithJitter overrides the jitter source; tests pin it for deterministic
// backoff delays.
func WithJitter(fn func() float64) Option { return func(s *Supervisor) { s.jitter = fn } }

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		records:   make(map[string]*record),
		policy:    DefaultPolicy(),
		runner:    worker.OSRunner{},
		scheduler: sched.Real(),
		bus:       event.NewBus(),
		validator: &validate.Validator{},
		stopGrace: DefaultStopGrace,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus returns the event bus this supervisor publishes to.
func (s *Supervisor) Bus() *event.Bus { return s.bus }

// Register adds a worker in stopped state. Registering an already-known id
// is a no-op with a warning, not an error.
func (s *Supervisor) Register(spec worker.Spec) error {
	if spec.ID == "" {
		return errors.New("worker id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[spec.ID]; exists {
		slog.Warn("worker already registered", "worker", spec.ID)
		return nil
	}
	s.records[spec.ID] = &record{spec: spec, status: worker.StateStopped}
	return nil
}

// Start validates and spawns the worker's process. Starting a running
// worker succeeds without spawning a second process.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if rec.status == worker.StateRunning || rec.starting {
		s.mu.Unlock()
		return nil
	}
	if !rec.spec.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerDisabled, id)
	}
	s.cancelRestartTimerLocked(rec)
	rec.starting = true
	spec := rec.spec
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		rec.starting = false
		s.mu.Unlock()
	}()

	if err := s.validator.Check(spec.Command, spec.Args, spec.Env); err != nil {
		s.mu.Lock()
		rec.status = worker.StateError
		rec.lastError = err.Error()
		s.mu.Unlock()
		metrics.IncValidationFailure(id)
		s.bus.Publish(event.Event{Type: event.TypeValidationError, Worker: id, Err: err.Error()})
		return err
	}

	stderr := s.logCfg.StderrWriter(spec.Name)
	var stderrW io.Writer
	if stderr != nil {
		stderrW = stderr
	}
	h, err := s.runner.Spawn(spec, s.mergedEnv(spec), stderrW)
	if err != nil {
		if stderr != nil {
			_ = stderr.Close()
		}
		s.mu.Lock()
		rec.status = worker.StateError
		rec.lastError = err.Error()
		closed := s.closed
		s.mu.Unlock()
		s.bus.Publish(event.Event{Type: event.TypeError, Worker: id, Err: err.Error()})
		if !closed {
			// Spawn failures go through the same classification as exits:
			// a transient fork error retries, a missing binary does not.
			s.decideRestart(id, err.Error(), 0)
		}
		return fmt.Errorf("spawn worker %s: %w", id, err)
	}

	s.mu.Lock()
	rec.handle = h
	rec.status = worker.StateRunning
	rec.startTime = s.scheduler.Now()
	rec.lastError = ""
	rec.stopRequested = false
	rec.waitDone = make(chan struct{})
	rec.stderrCloser = stderr
	pid := h.PID()
	s.mu.Unlock()

	metrics.IncStart(id)
	metrics.SetWorkerUp(id, true)
	slog.Info("worker started", "worker", id, "pid", pid)
	s.bus.Publish(event.Event{Type: event.TypeStart, Worker: id, PID: pid})

	go s.monitor(id, h)
	return nil
}

// monitor is the single exit listener for one process instance; it fires at
// most once per spawn and funnels into the restart decision.
func (s *Supervisor) monitor(id string, h worker.Handle) {
	res := <-h.Done()
	s.onExit(id, h, res)
}

// Stop cancels any scheduled restart and terminates the process: SIGTERM,
// then SIGKILL after the grace period. Stopping a stopped worker succeeds
// immediately.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	s.cancelRestartTimerLocked(rec)
	rec.restartCount = 0
	h := rec.handle
	if h == nil {
		rec.status = worker.StateStopped
		s.mu.Unlock()
		return nil
	}
	rec.stopRequested = true
	wd := rec.waitDone
	s.mu.Unlock()

	if err := h.Terminate(); err != nil {
		slog.Debug("terminate signal failed", "worker", id, "error", err)
	}

	graceFired := make(chan struct{})
	t := s.scheduler.After(s.stopGrace, func() { close(graceFired) })
	select {
	case <-wd:
		t.Stop()
	case <-graceFired:
		slog.Warn("worker did not exit within grace period, killing", "worker", id, "grace", s.stopGrace)
		_ = h.Kill()
		<-wd
	}

	s.mu.Lock()
	rec.status = worker.StateStopped
	rec.stopRequested = false
	rec.restartCount = 0
	s.mu.Unlock()
	return nil
}

// Restart resets the restart budget, then stops and starts the worker. This
// is the explicit, user-triggered path; automatic crash recovery never
// resets the budget before checking it.
func (s *Supervisor) Restart(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	rec.restartCount = 0
	s.mu.Unlock()

	if err := s.Stop(id); err != nil {
		return err
	}
	return s.Start(id)
}

// SetRestartPolicy hot-swaps the policy as a full-object replace. In-flight
// scheduled timers keep their already-computed delay.
func (s *Supervisor) SetRestartPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p.Normalize()
	s.mu.Unlock()
}

// RestartPolicy returns the currently active policy.
func (s *Supervisor) RestartPolicy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Status returns a snapshot for one worker.
func (s *Supervisor) Status(id string) (worker.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return worker.Status{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return s.snapshotLocked(rec), nil
}

// AllStatus returns snapshots for every registered worker.
func (s *Supervisor) AllStatus() []worker.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Status, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, s.snapshotLocked(rec))
	}
	return out
}

func (s *Supervisor) snapshotLocked(rec *record) worker.Status {
	st := worker.Status{
		ID:           rec.spec.ID,
		Name:         rec.spec.Name,
		State:        rec.status,
		StartedAt:    rec.startTime,
		LastError:    rec.lastError,
		RestartCount: rec.restartCount,
		ToolCount:    rec.toolCount,
		LastActivity: rec.lastActivity,
	}
	if rec.status == worker.StateRunning && rec.handle != nil {
		st.PID = rec.handle.PID()
		up := s.scheduler.Now().Sub(rec.startTime)
		st.Uptime = &up
	}
	return st
}

// Shutdown stops every worker and refuses further starts.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			slog.Warn("failed to stop worker during shutdown", "worker", id, "error", err)
		}
	}
}

// Pipes hands the bridge the worker's input/output streams. Fails when the
// worker is not running; no other component may touch these streams.
func (s *Supervisor) Pipes(id string) (io.Writer, io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if rec.status != worker.StateRunning || rec.handle == nil {
		return nil, nil, fmt.Errorf("worker %s is not running", id)
	}
	return rec.handle.Stdin(), rec.handle.Stdout(), nil
}

// TouchActivity records request traffic for external reporting.
func (s *Supervisor) TouchActivity(id string) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.lastActivity = s.scheduler.Now()
	}
	s.mu.Unlock()
}

// SetToolCount records the tool count reported by the worker.
func (s *Supervisor) SetToolCount(id string, n int) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.toolCount = n
	}
	s.mu.Unlock()
}

func (s *Supervisor) cancelRestartTimerLocked(rec *record) {
	if rec.restartTimer != nil {
		rec.restartTimer.Stop()
		rec.restartTimer = nil
	}
}

func (s *Supervisor) mergedEnv(spec worker.Spec) []string {
	overlay := spec.EnvList()
	if len(overlay) == 0 && len(s.globalEnv) == 0 {
		return nil // inherit the parent environment untouched
	}
	env := os.Environ()
	env = append(env, s.globalEnv...)
	env = append(env, overlay...)
	return env
}
