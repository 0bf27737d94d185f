package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpbridge/internal/event"
)

// fakeSource serves one pre-wired pipe pair and counts the bookkeeping calls.
type fakeSource struct {
	mu       sync.Mutex
	stdin    io.Writer
	stdout   io.Reader
	pipesErr error
	activity int
	tools    int
}

func (f *fakeSource) Pipes(id string) (io.Writer, io.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pipesErr != nil {
		return nil, nil, f.pipesErr
	}
	return f.stdin, f.stdout, nil
}

func (f *fakeSource) TouchActivity(id string) {
	f.mu.Lock()
	f.activity++
	f.mu.Unlock()
}

func (f *fakeSource) SetToolCount(id string, n int) {
	f.mu.Lock()
	f.tools = n
	f.mu.Unlock()
}

func (f *fakeSource) activityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activity
}

func (f *fakeSource) toolCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools
}

type eventRec struct{ ch chan event.Event }

func recordEvents(bus *event.Bus) *eventRec {
	r := &eventRec{ch: make(chan event.Event, 64)}
	bus.Subscribe(func(e event.Event) { r.ch <- e })
	return r
}

func (r *eventRec) wait(t *testing.T, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", typ)
		}
	}
}

// testRig wires a bridge to an in-memory worker: reqs carries parsed requests
// to the test, out lets the test write raw worker output.
type testRig struct {
	bridge *Bridge
	src    *fakeSource
	events *eventRec
	reqs   <-chan wireRequest
	out    *io.PipeWriter
}

type wireRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
	})

	src := &fakeSource{stdin: inW, stdout: outR}
	bus := event.NewBus()
	b := New(src, cfg, nil, bus)

	reqs := make(chan wireRequest, 16)
	go func() {
		sc := bufio.NewScanner(inR)
		for sc.Scan() {
			var req wireRequest
			if json.Unmarshal(sc.Bytes(), &req) == nil {
				reqs <- req
			}
		}
	}()

	require.NoError(t, b.Attach("w1"))
	return &testRig{bridge: b, src: src, events: recordEvents(bus), reqs: reqs, out: outW}
}

func (r *testRig) nextRequest(t *testing.T) wireRequest {
	t.Helper()
	select {
	case req := <-r.reqs:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request on the worker's stdin")
		return wireRequest{}
	}
}

func (r *testRig) emit(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(r.out, line+"\n")
	require.NoError(t, err)
}

func (r *testRig) respond(t *testing.T, id, result string) {
	r.emit(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result))
}

func TestRequestResponseRoundTrip(t *testing.T) {
	rig := newTestRig(t, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := rig.nextRequest(t)
		assert.Equal(t, "ping", req.Method)
		rig.respond(t, req.ID, `{"ok":true}`)
	}()

	resp, err := rig.bridge.SendRequest(context.Background(), "w1", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	<-done
}

func TestResponsesCorrelateOutOfOrderWithLogNoise(t *testing.T) {
	rig := newTestRig(t, Config{})

	go func() {
		first := rig.nextRequest(t)
		second := rig.nextRequest(t)
		// Free-form log noise interleaved with protocol traffic.
		rig.emit(t, "server listening on stdio")
		rig.emit(t, "WARN something flaky happened")
		rig.emit(t, "")
		// Answer in reverse order.
		rig.respond(t, second.ID, `{"seq":2}`)
		rig.respond(t, first.ID, `{"seq":1}`)
	}()

	type res struct {
		resp *Response
		err  error
	}
	ch1 := make(chan res, 1)
	ch2 := make(chan res, 1)
	go func() {
		r, err := rig.bridge.SendRequest(context.Background(), "w1", "alpha", nil)
		ch1 <- res{r, err}
	}()
	// Give the first request a head start so arrival order is deterministic.
	time.Sleep(20 * time.Millisecond)
	go func() {
		r, err := rig.bridge.SendRequest(context.Background(), "w1", "beta", nil)
		ch2 <- res{r, err}
	}()

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"seq":1}`, string(r1.resp.Result))
	assert.JSONEq(t, `{"seq":2}`, string(r2.resp.Result))
}

func TestErrorResponseIsDeliveredNotFailed(t *testing.T) {
	rig := newTestRig(t, Config{})

	go func() {
		req := rig.nextRequest(t)
		rig.emit(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"method not found"}}`, req.ID))
	}()

	resp, err := rig.bridge.SendRequest(context.Background(), "w1", "nope", nil)
	require.NoError(t, err, "a JSON-RPC error object is a successful transport round trip")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
	assert.Equal(t, "method not found", resp.Error.Message)
}

func TestRequestTimesOutAndLateResponseBecomesNotification(t *testing.T) {
	rig := newTestRig(t, Config{RequestTimeout: 40 * time.Millisecond})

	_, err := rig.bridge.SendRequest(context.Background(), "w1", "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	rig.events.wait(t, event.TypeTimeout)

	// The pending entry is gone, so the late answer is an unsolicited message.
	req := rig.nextRequest(t)
	rig.respond(t, req.ID, `{"late":true}`)
	e := rig.events.wait(t, event.TypeNotification)
	assert.Contains(t, string(e.Payload), `"late":true`)
}

func TestContextCancellationAbandonsRequest(t *testing.T) {
	rig := newTestRig(t, Config{RequestTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rig.bridge.SendRequest(ctx, "w1", "slow", nil)
		errCh <- err
	}()
	rig.nextRequest(t)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNumericResponseIDMatchesStringKey(t *testing.T) {
	rig := newTestRig(t, Config{})

	// idString must treat the number 7 and the string "7" as the same key.
	assert.Equal(t, "7", idString(float64(7)))
	assert.Equal(t, "7", idString("7"))
	assert.Equal(t, "7.5", idString(float64(7.5)))
	assert.Equal(t, "", idString(nil))

	go func() {
		req := rig.nextRequest(t)
		// Some workers echo a numeric-looking id; ours are never purely
		// numeric, so echo verbatim and prove the string path works.
		rig.respond(t, req.ID, `{}`)
	}()
	_, err := rig.bridge.SendRequest(context.Background(), "w1", "ping", nil)
	require.NoError(t, err)
}

func TestUnsolicitedMessagePublishesNotification(t *testing.T) {
	rig := newTestRig(t, Config{})

	rig.emit(t, `{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`)
	e := rig.events.wait(t, event.TypeNotification)
	assert.Equal(t, "w1", e.Worker)
	assert.Contains(t, string(e.Payload), `"progress"`)
}

func TestCallToolTouchesActivityOnSuccessOnly(t *testing.T) {
	rig := newTestRig(t, Config{})

	go func() {
		req := rig.nextRequest(t)
		assert.Equal(t, "tools/call", req.Method)
		assert.Contains(t, string(req.Params), `"name":"search"`)
		rig.respond(t, req.ID, `{"content":[]}`)

		req = rig.nextRequest(t)
		rig.emit(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":1,"message":"boom"}}`, req.ID))
	}()

	_, err := rig.bridge.CallTool(context.Background(), "w1", "search", map[string]string{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, 1, rig.src.activityCount())

	resp, err := rig.bridge.CallTool(context.Background(), "w1", "search", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 1, rig.src.activityCount(), "an error response does not count as activity")
}

func TestListToolsRecordsToolCount(t *testing.T) {
	rig := newTestRig(t, Config{})

	go func() {
		req := rig.nextRequest(t)
		assert.Equal(t, "tools/list", req.Method)
		rig.respond(t, req.ID, `{"tools":[{"name":"a"},{"name":"b"},{"name":"c"}]}`)
	}()

	resp, err := rig.bridge.ListTools(context.Background(), "w1")
	require.NoError(t, err)
	assert.NotNil(t, resp.Result)
	assert.Equal(t, 3, rig.src.toolCount())
}

func TestSendRequestToUnattachedWorker(t *testing.T) {
	src := &fakeSource{pipesErr: errors.New("worker w1 is not running")}
	b := New(src, Config{}, nil, nil)

	require.NoError(t, b.Attach("w1"), "attaching a stopped worker is a logged no-op")

	_, err := b.SendRequest(context.Background(), "w1", "ping", nil)
	assert.ErrorIs(t, err, ErrWorkerNotRunning)
}

func TestCleanupRejectsAllPendingOnce(t *testing.T) {
	rig := newTestRig(t, Config{RequestTimeout: time.Minute})

	const n = 3
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := rig.bridge.SendRequest(context.Background(), "w1", "slow", nil)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		rig.nextRequest(t)
	}

	rig.bridge.Cleanup()

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrBridgeClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("a pending caller was left waiting after cleanup")
		}
	}

	// Cleanup is terminal and idempotent.
	rig.bridge.Cleanup()
	_, err := rig.bridge.SendRequest(context.Background(), "w1", "ping", nil)
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

func TestReattachRejectsStalePending(t *testing.T) {
	rig := newTestRig(t, Config{RequestTimeout: time.Minute})

	errCh := make(chan error, 1)
	go func() {
		_, err := rig.bridge.SendRequest(context.Background(), "w1", "slow", nil)
		errCh <- err
	}()
	rig.nextRequest(t)

	// The worker restarted: fresh pipes, fresh state.
	require.NoError(t, rig.bridge.Attach("w1"))

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerNotRunning)
	assert.Contains(t, err.Error(), "restarted")
}

func TestOversizedUnterminatedOutputOverflows(t *testing.T) {
	rig := newTestRig(t, Config{MaxBufferSize: 128})

	rig.emit(t, "") // keep framing warm
	_, err := io.WriteString(rig.out, strings.Repeat("x", 200))
	require.NoError(t, err)

	e := rig.events.wait(t, event.TypeBufferOverflow)
	assert.Equal(t, "w1", e.Worker)

	// Framing recovers: a later complete response still correlates.
	go func() {
		req := rig.nextRequest(t)
		rig.respond(t, req.ID, `{"ok":true}`)
	}()
	resp, err := rig.bridge.SendRequest(context.Background(), "w1", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestRequestIDsAreUniqueEnough(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := newRequestID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate request id %s", id)
		seen[id] = struct{}{}
	}
}
