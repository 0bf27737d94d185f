// Package bridge frames worker output into JSON-RPC messages and correlates
// outbound requests with asynchronous responses. It is payload-agnostic
// transport: it never interprets the semantics of any method.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/loykin/mcpbridge/internal/event"
	"github.com/loykin/mcpbridge/internal/metrics"
	"github.com/loykin/mcpbridge/internal/sched"
)

var (
	ErrWorkerNotRunning = errors.New("worker not running")
	ErrBridgeClosed     = errors.New("bridge closed")
	ErrRequestTimeout   = errors.New("request timed out")
)

// DefaultRequestTimeout bounds how long a caller can block on an
// unresponsive worker.
const DefaultRequestTimeout = 30 * time.Second

// Source is the bridge's view of the supervisor: stream access plus the
// bookkeeping callbacks for external reporting.
type Source interface {
	Pipes(id string) (io.Writer, io.Reader, error)
	TouchActivity(id string)
	SetToolCount(id string, n int)
}

// Config tunes per-bridge limits.
type Config struct {
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	MaxBufferSize  int           `json:"max_buffer_size" mapstructure:"max_buffer_size"`
}

func (c Config) normalize() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	return c
}

// Bridge owns the pending-request tables and stream buffers for all attached
// workers.
type Bridge struct {
	mu        sync.Mutex
	cfg       Config
	src       Source
	scheduler sched.Scheduler
	bus       *event.Bus
	conns     map[string]*conn
	closed    bool
}

// conn is the bridge-side state for one attached worker.
type conn struct {
	workerID string
	writeMu  sync.Mutex
	stdin    io.Writer
	buf      *streamBuffer
	pending  map[string]*pendingRequest
}

type pendingRequest struct {
	method    string
	startedAt time.Time
	timer     sched.Timer
	ch        chan outcome
}

type outcome struct {
	resp *Response
	err  error
}

func New(src Source, cfg Config, scheduler sched.Scheduler, bus *event.Bus) *Bridge {
	if scheduler == nil {
		scheduler = sched.Real()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Bridge{
		cfg:       cfg.normalize(),
		src:       src,
		scheduler: scheduler,
		bus:       bus,
		conns:     make(map[string]*conn),
	}
}

// Attach obtains the worker's streams from the supervisor and takes over
// framing of its output. If the worker is not running this logs and returns
// without effect. Re-attaching resets all bridge state for the worker; any
// requests left from the previous run are rejected.
func (b *Bridge) Attach(workerID string) error {
	stdin, stdout, err := b.src.Pipes(workerID)
	if err != nil {
		slog.Warn("bridge attach skipped", "worker", workerID, "error", err)
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	var stale []*pendingRequest
	if old, ok := b.conns[workerID]; ok {
		stale = drainLocked(old)
	}
	c := &conn{
		workerID: workerID,
		stdin:    stdin,
		buf:      newStreamBuffer(b.cfg.MaxBufferSize),
		pending:  make(map[string]*pendingRequest),
	}
	b.conns[workerID] = c
	b.mu.Unlock()

	for _, p := range stale {
		metrics.AddPending(workerID, -1)
		p.ch <- outcome{err: fmt.Errorf("%w: %s was restarted", ErrWorkerNotRunning, workerID)}
	}

	go b.readLoop(c, stdout)
	return nil
}

// SendRequest writes one framed JSON-RPC request and blocks until a matching
// response arrives, the timeout fires, the context is cancelled, or the
// write fails.
func (b *Bridge) SendRequest(ctx context.Context, workerID, method string, params any) (*Response, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	c, ok := b.conns[workerID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotRunning, workerID)
	}
	id := newRequestID()
	p := &pendingRequest{
		method:    method,
		startedAt: b.scheduler.Now(),
		ch:        make(chan outcome, 1),
	}
	c.pending[id] = p
	p.timer = b.scheduler.After(b.cfg.RequestTimeout, func() { b.expire(workerID, id) })
	b.mu.Unlock()
	metrics.AddPending(workerID, 1)

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		b.abandon(workerID, id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, werr := c.stdin.Write(data)
	c.writeMu.Unlock()
	if werr != nil {
		b.abandon(workerID, id)
		return nil, fmt.Errorf("write to worker %s: %w", workerID, werr)
	}

	select {
	case <-ctx.Done():
		b.abandon(workerID, id)
		return nil, ctx.Err()
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		metrics.ObserveRequestDuration(workerID, method, b.scheduler.Now().Sub(p.startedAt).Seconds())
		return out.resp, nil
	}
}

// CallTool invokes a named tool on the worker. A successful round trip
// updates the worker's last-activity timestamp; that is bookkeeping only,
// never retried or validated further.
func (b *Bridge) CallTool(ctx context.Context, workerID, name string, args any) (*Response, error) {
	params := map[string]any{"name": name, "arguments": args}
	resp, err := b.SendRequest(ctx, workerID, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil {
		b.src.TouchActivity(workerID)
	}
	return resp, nil
}

// ListTools asks the worker for its tool inventory and records the reported
// count on the worker's status.
func (b *Bridge) ListTools(ctx context.Context, workerID string) (*Response, error) {
	resp, err := b.SendRequest(ctx, workerID, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error == nil {
		b.src.TouchActivity(workerID)
		if n := gjson.GetBytes(resp.Result, "tools.#"); n.Exists() {
			b.src.SetToolCount(workerID, int(n.Int()))
		}
	}
	return resp, nil
}

// Cleanup rejects every still-pending request across every worker exactly
// once and clears all stream buffers. No caller is left waiting past
// shutdown.
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	type labeled struct {
		workerID string
		p        *pendingRequest
	}
	var rejected []labeled
	for _, c := range b.conns {
		for _, p := range drainLocked(c) {
			rejected = append(rejected, labeled{c.workerID, p})
		}
		c.buf.reset()
	}
	b.conns = make(map[string]*conn)
	b.mu.Unlock()

	for _, r := range rejected {
		metrics.AddPending(r.workerID, -1)
		r.p.ch <- outcome{err: ErrBridgeClosed}
	}
}

// drainLocked removes every pending entry from c and stops its timer. The
// bridge mutex must be held.
func drainLocked(c *conn) []*pendingRequest {
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		p.timer.Stop()
		out = append(out, p)
	}
	return out
}

func (b *Bridge) readLoop(c *conn, r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.consume(c, chunk[:n])
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("worker output stream closed", "worker", c.workerID, "error", err)
			}
			return
		}
	}
}

// consume runs the framing algorithm for one chunk of output bytes.
func (b *Bridge) consume(c *conn, data []byte) {
	b.mu.Lock()
	if b.closed || b.conns[c.workerID] != c {
		// Stale read loop from before a re-attach or cleanup.
		b.mu.Unlock()
		return
	}
	lines, overflowed := c.buf.feed(data)
	b.mu.Unlock()

	if overflowed {
		metrics.IncBufferOverflow(c.workerID)
		slog.Warn("worker output buffer overflow, dropping unterminated data",
			"worker", c.workerID, "cap", b.cfg.MaxBufferSize)
		b.bus.Publish(event.Event{Type: event.TypeBufferOverflow, Worker: c.workerID})
		return
	}
	for _, line := range lines {
		b.handleLine(c, line)
	}
}

// handleLine parses one complete line. Non-JSON lines are incidental
// diagnostic text, never a protocol error: workers may interleave free-form
// logs with protocol messages on the same stream.
func (b *Bridge) handleLine(c *conn, line []byte) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return
	}
	var msg incoming
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "warn") {
			slog.Warn("worker log line", "worker", c.workerID, "line", text)
		} else {
			slog.Debug("worker log line", "worker", c.workerID, "line", text)
		}
		return
	}

	key := idString(msg.ID)
	if key != "" {
		b.mu.Lock()
		p, found := c.pending[key]
		if found {
			delete(c.pending, key)
		}
		b.mu.Unlock()
		if found {
			p.timer.Stop()
			metrics.AddPending(c.workerID, -1)
			p.ch <- outcome{resp: &Response{ID: key, Result: msg.Result, Error: msg.Error}}
			return
		}
	}

	// No matching pending entry: an unsolicited push from the worker.
	b.bus.Publish(event.Event{
		Type:    event.TypeNotification,
		Worker:  c.workerID,
		Payload: json.RawMessage(text),
	})
}

// expire fires when a pending request's timeout elapses without a response.
func (b *Bridge) expire(workerID, id string) {
	b.mu.Lock()
	c, ok := b.conns[workerID]
	if !ok {
		b.mu.Unlock()
		return
	}
	p, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	b.mu.Unlock()
	if !found {
		return
	}
	metrics.AddPending(workerID, -1)
	metrics.IncRequestTimeout(workerID)
	b.bus.Publish(event.Event{Type: event.TypeTimeout, Worker: workerID, Err: p.method})
	p.ch <- outcome{err: fmt.Errorf("%w: %s to worker %s", ErrRequestTimeout, p.method, workerID)}
}

// abandon removes a pending entry after a local failure (marshal error,
// broken pipe, cancelled context); the caller already has the error.
func (b *Bridge) abandon(workerID, id string) {
	b.mu.Lock()
	c, ok := b.conns[workerID]
	if !ok {
		b.mu.Unlock()
		return
	}
	p, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	b.mu.Unlock()
	if found {
		p.timer.Stop()
		metrics.AddPending(workerID, -1)
	}
}

// newRequestID builds an id unique within one worker's in-flight set:
// time-based prefix plus a random suffix. Global uniqueness is not required.
func newRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
