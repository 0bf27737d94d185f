// Package mcpbridge supervises local tool-server subprocesses and bridges
// JSON-RPC 2.0 over their stdio streams. It keeps workers alive under a
// bounded, backed-off restart policy, correlates requests with asynchronous
// responses, and protects the host process from malformed or runaway output.
package mcpbridge

import (
	"context"
	"net/http"

	"github.com/loykin/mcpbridge/internal/bridge"
	"github.com/loykin/mcpbridge/internal/event"
	"github.com/loykin/mcpbridge/internal/history"
	"github.com/loykin/mcpbridge/internal/logger"
	"github.com/loykin/mcpbridge/internal/sched"
	"github.com/loykin/mcpbridge/internal/server"
	"github.com/loykin/mcpbridge/internal/supervisor"
	"github.com/loykin/mcpbridge/internal/validate"
	"github.com/loykin/mcpbridge/internal/worker"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = worker.Spec

type Status = worker.Status

type Policy = supervisor.Policy

type BridgeConfig = bridge.Config

type LogConfig = logger.Config

type Event = event.Event

type Response = bridge.Response

type HistorySink = history.Sink

// Options configures an embedded Manager.
type Options struct {
	Policy          Policy
	Bridge          BridgeConfig
	Log             LogConfig
	GlobalEnv       []string
	AllowedCommands []string
}

// Manager pairs one Supervisor with one Bridge behind a stable public API
// for embedding.
type Manager struct {
	sup *supervisor.Supervisor
	br  *bridge.Bridge
	bus *event.Bus
}

func New() *Manager { return NewWithOptions(Options{Policy: supervisor.DefaultPolicy()}) }

func NewWithOptions(o Options) *Manager {
	bus := event.NewBus()
	sup := supervisor.New(
		supervisor.WithBus(bus),
		supervisor.WithPolicy(o.Policy),
		supervisor.WithLogConfig(o.Log),
		supervisor.WithGlobalEnv(o.GlobalEnv),
		supervisor.WithValidator(&validate.Validator{AllowedCommands: o.AllowedCommands}),
	)
	br := bridge.New(sup, o.Bridge, sched.Real(), bus)
	return &Manager{sup: sup, br: br, bus: bus}
}

func (m *Manager) Register(s Spec) error { return m.sup.Register(s) }

// StartWorker starts the worker's process and attaches the bridge to its
// streams.
func (m *Manager) StartWorker(id string) error {
	if err := m.sup.Start(id); err != nil {
		return err
	}
	return m.br.Attach(id)
}

func (m *Manager) StopWorker(id string) error { return m.sup.Stop(id) }

// RestartWorker resets the restart budget, cycles the process, and
// re-attaches the bridge.
func (m *Manager) RestartWorker(id string) error {
	if err := m.sup.Restart(id); err != nil {
		return err
	}
	return m.br.Attach(id)
}

func (m *Manager) Status(id string) (Status, error) { return m.sup.Status(id) }
func (m *Manager) AllStatus() []Status              { return m.sup.AllStatus() }
func (m *Manager) SetRestartPolicy(p Policy)        { m.sup.SetRestartPolicy(p) }
func (m *Manager) RestartPolicy() Policy            { return m.sup.RestartPolicy() }

// OnEvent subscribes a handler to supervisor and bridge events.
func (m *Manager) OnEvent(h func(Event)) { m.bus.Subscribe(h) }

// AddHistorySinks persists lifecycle events to the given sinks.
func (m *Manager) AddHistorySinks(sinks ...HistorySink) {
	m.bus.Subscribe(history.BusHandler(sinks...))
}

func (m *Manager) SendRequest(ctx context.Context, workerID, method string, params any) (*Response, error) {
	return m.br.SendRequest(ctx, workerID, method, params)
}

func (m *Manager) CallTool(ctx context.Context, workerID, name string, args any) (*Response, error) {
	return m.br.CallTool(ctx, workerID, name, args)
}

func (m *Manager) ListTools(ctx context.Context, workerID string) (*Response, error) {
	return m.br.ListTools(ctx, workerID)
}

// HTTPHandler returns the embeddable API handler for this manager.
func (m *Manager) HTTPHandler(basePath string) http.Handler {
	return server.NewRouter(m.sup, m.br, basePath).Handler()
}

// NewHTTPServer starts the standalone API server.
func (m *Manager) NewHTTPServer(addr, basePath string) *http.Server {
	return server.NewServer(addr, basePath, m.sup, m.br)
}

// Shutdown stops every worker and rejects every pending request.
func (m *Manager) Shutdown() {
	m.sup.Shutdown()
	m.br.Cleanup()
}
