package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asya/a2a-proxy/internal/bus"
	"github.com/asya/a2a-proxy/internal/config"
	"github.com/asya/a2a-proxy/internal/directory"
	"github.com/asya/a2a-proxy/internal/envelope"
	"github.com/asya/a2a-proxy/internal/registry"
)

// fakeMessage is the bus.Message returned by fakeBus; it records its
// settlement outcome for assertions and never blocks a second Settle call,
// unlike a real backend (adequate for these tests, which only settle once).
type fakeMessage struct {
	body    []byte
	settled chan bus.Outcome
}

func (m *fakeMessage) Body() []byte { return m.body }

func (m *fakeMessage) Settle(_ context.Context, outcome bus.Outcome) error {
	select {
	case m.settled <- outcome:
	default:
	}
	return nil
}

// fakeBus is an in-memory bus.Adapter: one buffered channel per (group,
// toAgent) pair, shared across every Publish/Subscribe call that names it.
// It stands in for a real queue/topic backend in these tests, the way
// in-memory fakes stand in for sqsadapter/rabbitadapter/servicebusadapter
// in their own package tests.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]chan bus.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]chan bus.Message)}
}

func (b *fakeBus) chanFor(group, toAgent string) chan bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := group + "|" + toAgent
	ch, ok := b.subs[key]
	if !ok {
		ch = make(chan bus.Message, 32)
		b.subs[key] = ch
	}
	return ch
}

func (b *fakeBus) EnsureTopology(_ context.Context, groups []string) ([]bus.Topology, error) {
	out := make([]bus.Topology, len(groups))
	for i, g := range groups {
		out[i] = bus.Topology{Group: g, Status: bus.Created}
	}
	return out, nil
}

func (b *fakeBus) Publish(_ context.Context, group, toAgent, _ string, body []byte) error {
	cp := make([]byte, len(body))
	copy(cp, body)
	b.chanFor(group, toAgent) <- &fakeMessage{body: cp, settled: make(chan bus.Outcome, 1)}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, group, toAgent string) (<-chan bus.Message, error) {
	return b.chanFor(group, toAgent), nil
}

func (b *fakeBus) Close() error { return nil }

func newTestEngine(t *testing.T, proxyID string, dir *directory.Directory, adapter bus.Adapter, timeouts config.Timeouts) *Engine {
	t.Helper()
	return NewEngine(proxyID, "https://proxy.example.test", dir, registry.New(), adapter, timeouts)
}

func newRequest(t *testing.T, method, path, id, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.SetPathValue("id", id)
	return r
}

// TestHandleSyncForwardsLocalAgent covers spec.md §8 scenario 1: an agent
// hosted by this proxy is reached by a direct HTTP forward, never the bus.
func TestHandleSyncForwardsLocalAgent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/echo/v1/messages:send", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"pong"}`))
	}))
	defer upstream.Close()

	dir, err := directory.New("proxy-a", []directory.Entry{
		{AgentID: "echo", HostPort: strings.TrimPrefix(upstream.URL, "http://"), HostingProxyID: "proxy-a", Group: "g1"},
	})
	require.NoError(t, err)

	e := newTestEngine(t, "proxy-a", dir, newFakeBus(), config.Timeouts{})
	r := newRequest(t, http.MethodPost, "/agents/echo/v1/messages:send", "echo", `{"jsonrpc":"2.0","id":1,"method":"send"}`)
	rec := httptest.NewRecorder()

	e.handleSync(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"pong"}`, rec.Body.String())
}

// TestHandleSyncCrossProxyRoundTrip covers spec.md §8 scenario 2: the agent
// is hosted behind another proxy, so the request crosses the bus and the
// reply is fanned back in by the response receiver.
func TestHandleSyncCrossProxyRoundTrip(t *testing.T) {
	fb := newFakeBus()
	dir, err := directory.New("proxy-a", []directory.Entry{
		{AgentID: "critic", HostPort: "10.0.0.9:8080", HostingProxyID: "proxy-b", Group: "g1"},
	})
	require.NoError(t, err)

	e := newTestEngine(t, "proxy-a", dir, fb, config.Timeouts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartReceivers(ctx)
	// let StartReceivers' goroutines reach their Subscribe call
	time.Sleep(20 * time.Millisecond)

	// subscribe as the remote side would, to observe the published request
	remoteInbox, err := fb.Subscribe(ctx, "g1", "critic")
	require.NoError(t, err)

	r := newRequest(t, http.MethodPost, "/agents/critic/v1/messages:send", "critic", `{"jsonrpc":"2.0","id":7,"method":"send"}`)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.handleSync(rec, r)
		close(done)
	}()

	var req *envelope.Envelope
	select {
	case msg := <-remoteInbox:
		req, err = envelope.FromJSON(msg.Body())
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never reached the bus")
	}
	assert.Equal(t, "proxy-a", req.FromAgent)
	assert.Equal(t, "critic", req.ToAgent)

	reply := envelope.NewReply(req, json.RawMessage(`{"jsonrpc":"2.0","id":7,"result":"ack"}`))
	reply.SetHeader("X-Upstream-Status", "200")
	wire, err := reply.ToJSON()
	require.NoError(t, err)
	require.NoError(t, fb.Publish(ctx, "g1", req.FromAgent, req.CorrelationID, wire))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleSync never returned")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":"ack"}`, rec.Body.String())
	assert.Equal(t, req.CorrelationID, rec.Header().Get("X-Correlation-ID"))
}

// TestHandleStreamReassemblesOutOfOrderChunks covers spec.md §8 scenario 3.
func TestHandleStreamReassemblesOutOfOrderChunks(t *testing.T) {
	fb := newFakeBus()
	dir, err := directory.New("proxy-a", []directory.Entry{
		{AgentID: "critic", HostPort: "10.0.0.9:8080", HostingProxyID: "proxy-b", Group: "g1"},
	})
	require.NoError(t, err)
	e := newTestEngine(t, "proxy-a", dir, fb, config.Timeouts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartReceivers(ctx)
	time.Sleep(20 * time.Millisecond)

	remoteInbox, err := fb.Subscribe(ctx, "g1", "critic")
	require.NoError(t, err)

	r := newRequest(t, http.MethodPost, "/agents/critic/v1/messages:stream", "critic", `{"jsonrpc":"2.0","id":9,"method":"stream"}`)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.handleStream(rec, r)
		close(done)
	}()

	var req *envelope.Envelope
	select {
	case msg := <-remoteInbox:
		req, err = envelope.FromJSON(msg.Body())
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never reached the bus")
	}

	publish := func(seq int64, data string, final bool) {
		chunkType := envelope.ChunkData
		if final {
			chunkType = envelope.ChunkEnd
		}
		raw, _ := json.Marshal(data)
		chunk, err := envelope.NewStreamChunk(req, seq, envelope.StreamMetadata{ChunkType: chunkType, Final: final}, envelope.StreamChunkPayload{Data: raw})
		require.NoError(t, err)
		wire, err := chunk.ToJSON()
		require.NoError(t, err)
		require.NoError(t, fb.Publish(ctx, "g1", req.FromAgent, req.CorrelationID, wire))
	}

	// deliver out of order: 1, 2, then 0 must drain the whole run, then end.
	publish(1, "B", false)
	publish(2, "C", false)
	publish(0, "A", false)
	publish(3, "", true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleStream never returned")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "data: A\n")
	assert.Contains(t, body, "data: B\n")
	assert.Contains(t, body, "data: C\n")
	assert.True(t, strings.Index(body, "data: A") < strings.Index(body, "data: B"))
	assert.True(t, strings.Index(body, "data: B") < strings.Index(body, "data: C"))
}

// TestHandleSyncTimesOutWhenNoReplyArrives covers spec.md §8 scenario 4.
func TestHandleSyncTimesOutWhenNoReplyArrives(t *testing.T) {
	fb := newFakeBus()
	dir, err := directory.New("proxy-a", []directory.Entry{
		{AgentID: "critic", HostPort: "10.0.0.9:8080", HostingProxyID: "proxy-b", Group: "g1"},
	})
	require.NoError(t, err)
	e := newTestEngine(t, "proxy-a", dir, fb, config.Timeouts{RequestSeconds: 1})

	r := newRequest(t, http.MethodPost, "/agents/critic/v1/messages:send", "critic", `{"jsonrpc":"2.0","id":3,"method":"send"}`)
	rec := httptest.NewRecorder()

	start := time.Now()
	e.handleSync(rec, r)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

// TestHandleSyncUnknownAgentReturnsNotFound covers spec.md §8 scenario 5.
func TestHandleSyncUnknownAgentReturnsNotFound(t *testing.T) {
	dir, err := directory.New("proxy-a", nil)
	require.NoError(t, err)
	e := newTestEngine(t, "proxy-a", dir, newFakeBus(), config.Timeouts{})

	r := newRequest(t, http.MethodPost, "/agents/ghost/v1/messages:send", "ghost", `{"jsonrpc":"2.0","id":1,"method":"send"}`)
	rec := httptest.NewRecorder()

	e.handleSync(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotNil(t, body["error"])
}

// TestHandleSyncDuplicateReplyIsIgnored covers spec.md §8 scenario 6: a
// redelivered reply for an already-settled correlation id must not crash
// the response receiver or overwrite the first answer.
func TestHandleSyncDuplicateReplyIsIgnored(t *testing.T) {
	fb := newFakeBus()
	dir, err := directory.New("proxy-a", []directory.Entry{
		{AgentID: "critic", HostPort: "10.0.0.9:8080", HostingProxyID: "proxy-b", Group: "g1"},
	})
	require.NoError(t, err)
	e := newTestEngine(t, "proxy-a", dir, fb, config.Timeouts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartReceivers(ctx)
	time.Sleep(20 * time.Millisecond)

	remoteInbox, err := fb.Subscribe(ctx, "g1", "critic")
	require.NoError(t, err)

	r := newRequest(t, http.MethodPost, "/agents/critic/v1/messages:send", "critic", `{"jsonrpc":"2.0","id":5,"method":"send"}`)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.handleSync(rec, r)
		close(done)
	}()

	var req *envelope.Envelope
	select {
	case msg := <-remoteInbox:
		req, err = envelope.FromJSON(msg.Body())
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never reached the bus")
	}

	reply := envelope.NewReply(req, json.RawMessage(`{"jsonrpc":"2.0","id":5,"result":"first"}`))
	reply.SetHeader("X-Upstream-Status", "200")
	wire, err := reply.ToJSON()
	require.NoError(t, err)
	require.NoError(t, fb.Publish(ctx, "g1", req.FromAgent, req.CorrelationID, wire))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleSync never returned")
	}
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":"first"}`, rec.Body.String())

	// redeliver the same reply after the waiter has already been removed;
	// the response receiver must settle it without panicking.
	require.NoError(t, fb.Publish(ctx, "g1", req.FromAgent, req.CorrelationID, wire))
	time.Sleep(20 * time.Millisecond)
}

func TestFromAgentHeaderDefaultsToProxy(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	assert.Equal(t, "proxy", fromAgentHeader(r))

	r.Header.Set("X-From-Agent", "sidecar-7")
	assert.Equal(t, "sidecar-7", fromAgentHeader(r))

	r.Header.Set("From-Agent", "sidecar-9")
	assert.Equal(t, "sidecar-9", fromAgentHeader(r))
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, isEventStream("text/event-stream"))
	assert.True(t, isEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, isEventStream("application/json"))
}
