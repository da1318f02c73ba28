// Package routing implements the Routing Engine (spec.md §4.4, component
// C4): the HTTP ingress that turns agent-card, send, stream, get and
// cancel calls into either a direct local forward or a bus round-trip,
// plus the background per-(group, hosted agent) request receiver that
// does the inverse translation on the hosting side.
//
// Route table and JSON-RPC peek-the-body-to-route-by-method shape are
// grounded on other_examples/54cfe8a8_kadirpekel-hector's
// JSONRPCHandler (handleRootJSONRPC/handleJSONRPC/handleStreamingMessage
// over a bare http.ServeMux). The background receiver goroutine-per-queue
// loop and its settle-after-success-else-abandon discipline are grounded
// on asya-gateway/internal/consumer/consumer.go's ResultConsumer. The
// local-forward HTTP client (context-scoped request, retry-free,
// structured slog on failure) is grounded on
// asya-sidecar/internal/progress/reporter.go's Reporter, minus its
// retry loop — spec.md §7 explicitly forbids retrying local forwards.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/asya/a2a-proxy/internal/bus"
	"github.com/asya/a2a-proxy/internal/config"
	"github.com/asya/a2a-proxy/internal/directory"
	"github.com/asya/a2a-proxy/internal/envelope"
	"github.com/asya/a2a-proxy/internal/jsonrpcerr"
	"github.com/asya/a2a-proxy/internal/registry"
	"github.com/asya/a2a-proxy/internal/sse"
)

// jsonrpcRequest is only parsed far enough to recover the "id" field so
// that error responses can echo it; params/method pass through untouched
// in the envelope payload.
type jsonrpcRequest struct {
	ID interface{} `json:"id"`
}

// Recorder receives routing-engine events for internal/metrics to turn
// into Prometheus series. A nil-safe no-op default is used when the
// caller doesn't wire one, so tests and early bring-up don't need a
// metrics stack.
type Recorder interface {
	ObserveRequest(route string, status int, dur time.Duration)
	IncBusPublish(group string, ok bool)
	IncDuplicateChunk()
	IncDeadLettered(group string)
	IncKindMismatch()
	IncStreamWindowExceeded()
}

type noopRecorder struct{}

func (noopRecorder) ObserveRequest(string, int, time.Duration) {}
func (noopRecorder) IncBusPublish(string, bool)                 {}
func (noopRecorder) IncDuplicateChunk()                         {}
func (noopRecorder) IncDeadLettered(string)                     {}
func (noopRecorder) IncKindMismatch()                           {}
func (noopRecorder) IncStreamWindowExceeded()                   {}

// streamBufferSize bounds the registry's per-stream channel; back-pressure
// beyond this blocks the bus delivery loop rather than dropping chunks
// (spec.md §5).
const streamBufferSize = 64

// reassemblyWindow bounds the SSE bridge's out-of-order buffer per stream
// (spec.md §4.5).
const reassemblyWindow = 32

// Engine is the Routing Engine: it owns the HTTP ingress mux and the
// background request receivers for every agent this proxy hosts.
type Engine struct {
	proxyID  string
	baseURL  string
	dir      *directory.Directory
	reg      *registry.Registry
	busAdap  bus.Adapter
	timeouts config.Timeouts
	client   *http.Client
	log      *slog.Logger
	rec      Recorder
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithRecorder wires a metrics Recorder; without it, events are discarded.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds the Routing Engine. baseURL is this proxy's externally
// reachable base URL, used to rewrite agent cards (spec.md §4.4.2).
func NewEngine(proxyID, baseURL string, dir *directory.Directory, reg *registry.Registry, adapter bus.Adapter, timeouts config.Timeouts, opts ...Option) *Engine {
	e := &Engine{
		proxyID:  proxyID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		dir:      dir,
		reg:      reg,
		busAdap:  adapter,
		timeouts: timeouts,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.Default(),
		rec: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mux builds the HTTP ingress router (spec.md §6).
func (e *Engine) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agents/{id}/.well-known/agent.json", e.handleAgentCard)
	mux.HandleFunc("POST /agents/{id}/v1/messages:send", e.route("messages:send", e.handleSync))
	mux.HandleFunc("GET /agents/{id}/v1/tasks:get", e.route("tasks:get", e.handleSync))
	mux.HandleFunc("POST /agents/{id}/v1/tasks:cancel", e.route("tasks:cancel", e.handleSync))
	mux.HandleFunc("POST /agents/{id}/v1/messages:stream", e.handleStream)
	mux.HandleFunc("POST /agents/{id}/v1/tasks:resubscribe", e.handleStream)
	return mux
}

// StartReceivers launches one background request receiver per agent this
// proxy hosts (spec.md §4.4's "Background request receiver"), plus one
// response receiver per group this proxy can call into, addressed to this
// proxy's own id. This is strategy (b) from spec.md §9's design note: a
// single long-lived subscription per proxy fanned out in-process by the
// registry, rather than one subscription per in-flight call. Returns
// once all receivers have been launched; they keep running until ctx is
// done.
func (e *Engine) StartReceivers(ctx context.Context) {
	for _, entry := range e.dir.HostedAgents() {
		go e.runReceiver(ctx, entry)
	}
	for _, group := range e.dir.Groups() {
		go e.runResponseReceiver(ctx, group)
	}
}

// runResponseReceiver drains replies and stream chunks addressed back to
// this proxy for one group and hands each to the pending registry keyed
// by correlation id.
func (e *Engine) runResponseReceiver(ctx context.Context, group string) {
	msgs, err := e.busAdap.Subscribe(ctx, group, e.proxyID)
	if err != nil {
		e.log.Error("response receiver subscribe failed", "group", group, "error", err)
		return
	}
	e.log.Info("response receiver started", "group", group, "proxy_id", e.proxyID)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			e.processReply(ctx, group, msg)
		}
	}
}

func (e *Engine) processReply(ctx context.Context, group string, msg bus.Message) {
	env, err := envelope.FromJSON(msg.Body())
	if err != nil {
		e.log.Error("dropping malformed reply envelope", "group", group, "error", err)
		_ = msg.Settle(ctx, bus.DeadLetter)
		e.rec.IncDeadLettered(group)
		return
	}
	if env.IsExpired(time.Now()) {
		_ = msg.Settle(ctx, bus.DeadLetter)
		e.rec.IncDeadLettered(group)
		return
	}

	final := true
	if env.IsStream {
		final = env.StreamMetadata != nil && env.StreamMetadata.Final
	}

	err = e.reg.Complete(env.CorrelationID, env, final)
	switch {
	case errors.Is(err, registry.ErrDuplicateChunk):
		e.rec.IncDuplicateChunk()
		_ = msg.Settle(ctx, bus.Ack)
	case errors.Is(err, registry.ErrKindMismatch):
		// The waiter is still open under its own deadline (spec.md §4.2);
		// this envelope is simply the wrong shape for it and is dropped.
		e.rec.IncKindMismatch()
		_ = msg.Settle(ctx, bus.Ack)
	case err == nil, errors.Is(err, registry.ErrNotFound):
		// ErrNotFound: the waiter already timed out or the client
		// disconnected; the reply arrived too late (spec.md §8 scenario 4).
		_ = msg.Settle(ctx, bus.Ack)
	default:
		e.log.Error("failed to deliver reply to waiter", "correlation_id", env.CorrelationID, "error", err)
		_ = msg.Settle(ctx, bus.Abandon)
	}
}

// routeKey is the context key under which route labels attached a request
// for metrics (net/http's ServeMux doesn't expose the matched pattern on
// Request itself, so the mux wiring threads it through explicitly).
type routeKeyType struct{}

var routeKey = routeKeyType{}

// route wraps h so Recorder calls inside it can recover which of the
// several routes sharing handleSync's body was hit.
func (e *Engine) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(context.WithValue(r.Context(), routeKey, name)))
	}
}

func routeLabel(r *http.Request) string {
	if v, ok := r.Context().Value(routeKey).(string); ok {
		return v
	}
	return r.URL.Path
}

// --- ingress handlers ---

func (e *Engine) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := e.dir.Get(id)
	if !ok {
		e.writeRPCError(w, nil, jsonrpcerr.AgentNotFound())
		return
	}

	upstreamURL := fmt.Sprintf("http://%s/.well-known/agent.json", entry.HostPort)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		e.writeMinimalCard(w, id)
		return
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("agent card fetch failed", "agent", id, "error", err)
		e.writeMinimalCard(w, id)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		e.writeMinimalCard(w, id)
		return
	}

	var card map[string]interface{}
	if err := json.Unmarshal(body, &card); err != nil {
		e.writeMinimalCard(w, id)
		return
	}
	card["url"] = fmt.Sprintf("%s/agents/%s", e.baseURL, id)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

// writeMinimalCard serves the fallback card spec.md §4.4.2 mandates on
// upstream failure: HTTP 200, not an error status, so discovery doesn't
// fail a whole client just because one agent's card endpoint is down.
func (e *Engine) writeMinimalCard(w http.ResponseWriter, id string) {
	card := map[string]interface{}{
		"name":    id,
		"url":     fmt.Sprintf("%s/agents/%s", e.baseURL, id),
		"version": "unknown",
		"error":   "agent card unavailable",
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(card)
}

func (e *Engine) handleSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.PathValue("id")
	body, rpcID := e.readBody(r)

	entry, ok := e.dir.Get(id)
	if !ok {
		e.writeRPCError(w, rpcID, jsonrpcerr.AgentNotFound())
		e.rec.ObserveRequest(routeLabel(r), http.StatusNotFound, time.Since(start))
		return
	}

	headers := headersFromRequest(r)
	headers["From-Agent"] = fromAgentHeader(r)

	if e.dir.IsLocal(id) {
		e.forwardSyncLocal(w, r, entry, rpcID, body, start)
		return
	}

	group, _ := e.dir.GroupOf(id)
	env := envelope.NewRequest(group, id, e.proxyID, "", r.URL.Path, headers, body, false)

	ctx, cancel := context.WithTimeout(r.Context(), e.timeouts.Request())
	defer cancel()

	resultCh, errCh, err := e.reg.RegisterSingle(env.CorrelationID, e.timeouts.Request())
	if err != nil {
		e.writeRPCError(w, rpcID, jsonrpcerr.New(jsonrpcerr.KindInternal, "duplicate correlation id"))
		return
	}

	wire, err := env.ToJSON()
	if err != nil {
		_ = e.reg.Cancel(env.CorrelationID, err)
		e.writeRPCError(w, rpcID, jsonrpcerr.New(jsonrpcerr.KindInvalidRequest, "failed to encode envelope"))
		return
	}
	if err := e.busAdap.Publish(ctx, group, id, env.CorrelationID, wire); err != nil {
		_ = e.reg.Cancel(env.CorrelationID, err)
		e.rec.IncBusPublish(group, false)
		e.writeRPCError(w, rpcID, jsonrpcerr.BusPublishFailed())
		e.rec.ObserveRequest(routeLabel(r), http.StatusServiceUnavailable, time.Since(start))
		return
	}
	e.rec.IncBusPublish(group, true)

	select {
	case reply := <-resultCh:
		if reply == nil {
			e.writeRPCError(w, rpcID, jsonrpcerr.RequestTimeout())
			e.rec.ObserveRequest(routeLabel(r), http.StatusGatewayTimeout, time.Since(start))
			return
		}
		status := http.StatusOK
		if s, ok := reply.Header("X-Upstream-Status"); ok {
			if parsed, err := parseStatus(s); err == nil {
				status = parsed
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Correlation-ID", env.CorrelationID)
		w.WriteHeader(status)
		_, _ = w.Write(reply.Payload)
		e.rec.ObserveRequest(routeLabel(r), status, time.Since(start))
	case <-errCh:
		e.writeRPCError(w, rpcID, jsonrpcerr.RequestTimeout())
		e.rec.ObserveRequest(routeLabel(r), http.StatusGatewayTimeout, time.Since(start))
	case <-ctx.Done():
		_ = e.reg.Cancel(env.CorrelationID, ctx.Err())
		e.writeRPCError(w, rpcID, jsonrpcerr.RequestTimeout())
		e.rec.ObserveRequest(routeLabel(r), http.StatusGatewayTimeout, time.Since(start))
	}
}

func (e *Engine) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, rpcID := e.readBody(r)

	entry, ok := e.dir.Get(id)
	if !ok {
		e.writeRPCError(w, rpcID, jsonrpcerr.AgentNotFound())
		return
	}

	headers := headersFromRequest(r)
	headers["From-Agent"] = fromAgentHeader(r)

	if e.dir.IsLocal(id) {
		e.forwardStreamLocal(w, r, entry, body)
		return
	}

	group, _ := e.dir.GroupOf(id)
	env := envelope.NewRequest(group, id, e.proxyID, "", r.URL.Path, headers, body, true)

	chunkCh, errCh, err := e.reg.RegisterStream(env.CorrelationID, e.timeouts.StreamIdle(), streamBufferSize)
	if err != nil {
		e.writeRPCError(w, rpcID, jsonrpcerr.New(jsonrpcerr.KindInternal, "duplicate correlation id"))
		return
	}

	wire, err := env.ToJSON()
	if err != nil {
		_ = e.reg.Cancel(env.CorrelationID, err)
		e.writeRPCError(w, rpcID, jsonrpcerr.New(jsonrpcerr.KindInvalidRequest, "failed to encode envelope"))
		return
	}
	if err := e.busAdap.Publish(r.Context(), group, id, env.CorrelationID, wire); err != nil {
		_ = e.reg.Cancel(env.CorrelationID, err)
		e.rec.IncBusPublish(group, false)
		e.writeRPCError(w, rpcID, jsonrpcerr.BusPublishFailed())
		return
	}
	e.rec.IncBusPublish(group, true)

	writer, err := sse.NewWriter(w)
	if err != nil {
		_ = e.reg.Cancel(env.CorrelationID, err)
		e.writeRPCError(w, rpcID, jsonrpcerr.New(jsonrpcerr.KindInternal, "streaming unsupported"))
		return
	}

	reassembler := sse.NewReassembler(reassemblyWindow)
	ctx := r.Context()

	for {
		select {
		case chunk, open := <-chunkCh:
			if !open {
				return
			}
			ready, rErr := reassembler.Accept(chunk)
			if rErr != nil {
				e.rec.IncStreamWindowExceeded()
				_ = writer.WriteError(jsonrpcerr.StreamOutOfOrderWindowExceeded())
				_ = e.reg.Cancel(env.CorrelationID, rErr)
				return
			}
			for _, c := range ready {
				final, wErr := writer.WriteChunk(c)
				if wErr != nil {
					_ = e.reg.Cancel(env.CorrelationID, wErr)
					return
				}
				if final {
					return
				}
			}
		case <-errCh:
			_ = writer.WriteError(jsonrpcerr.RequestTimeout())
			return
		case <-ctx.Done():
			_ = e.reg.Cancel(env.CorrelationID, ctx.Err())
			return
		}
	}
}

// --- local forwarding (spec.md §4.4.1) ---

func (e *Engine) forwardSyncLocal(w http.ResponseWriter, r *http.Request, entry directory.Entry, rpcID interface{}, body []byte, start time.Time) {
	upstream, err := e.forwardLocal(r.Context(), entry, r.Method, r.URL.Path, headersFromRequest(r), body)
	if err != nil {
		e.writeLocalForwardError(w, rpcID, err)
		e.rec.ObserveRequest(routeLabel(r), http.StatusBadGateway, time.Since(start))
		return
	}
	defer upstream.Body.Close()

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		e.writeRPCError(w, rpcID, jsonrpcerr.AgentUnavailable())
		return
	}
	copyResponseHeaders(w, upstream.Header)
	w.WriteHeader(upstream.StatusCode)
	_, _ = w.Write(body)
	e.rec.ObserveRequest(routeLabel(r), upstream.StatusCode, time.Since(start))
}

func (e *Engine) forwardStreamLocal(w http.ResponseWriter, r *http.Request, entry directory.Entry, body []byte) {
	upstream, err := e.forwardLocal(r.Context(), entry, r.Method, r.URL.Path, headersFromRequest(r), body)
	if err != nil {
		e.writeLocalForwardError(w, nil, err)
		return
	}
	defer upstream.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		copyResponseHeaders(w, upstream.Header)
		w.WriteHeader(upstream.StatusCode)
		_, _ = io.Copy(w, upstream.Body)
		return
	}

	copyResponseHeaders(w, upstream.Header)
	w.WriteHeader(upstream.StatusCode)
	buf := make([]byte, 4096)
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

// forwardLocal performs the exact rewrite spec.md §4.4.1 mandates: method
// preserved, URL rebuilt from entry.HostPort + the original path, body
// passed through, headers copied minus hop-by-hop. Never retried —
// requests forwarded here may be non-idempotent (spec.md §7).
func (e *Engine) forwardLocal(ctx context.Context, entry directory.Entry, method, path string, headers map[string]string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.LocalForward())
	defer cancel()

	url := fmt.Sprintf("http://%s%s", entry.HostPort, path)
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build local forward request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, agentTimeoutErr{cause: err}
		}
		return nil, agentUnavailableErr{cause: err}
	}
	return resp, nil
}

type agentTimeoutErr struct{ cause error }

func (e agentTimeoutErr) Error() string { return fmt.Sprintf("agent timeout: %v", e.cause) }

type agentUnavailableErr struct{ cause error }

func (e agentUnavailableErr) Error() string { return fmt.Sprintf("agent unavailable: %v", e.cause) }

func (e *Engine) writeLocalForwardError(w http.ResponseWriter, rpcID interface{}, err error) {
	var timeoutErr agentTimeoutErr
	if errors.As(err, &timeoutErr) {
		e.writeRPCError(w, rpcID, jsonrpcerr.AgentTimeout())
		return
	}
	e.writeRPCError(w, rpcID, jsonrpcerr.AgentUnavailable())
}

// --- background request receiver (spec.md §4.4's "Background request
// receiver"), one goroutine per hosted (group, agent_id) pair ---

func (e *Engine) runReceiver(ctx context.Context, entry directory.Entry) {
	msgs, err := e.busAdap.Subscribe(ctx, entry.Group, entry.AgentID)
	if err != nil {
		e.log.Error("request receiver subscribe failed", "agent", entry.AgentID, "group", entry.Group, "error", err)
		return
	}
	e.log.Info("request receiver started", "agent", entry.AgentID, "group", entry.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			e.processHostedRequest(ctx, entry, msg)
		}
	}
}

func (e *Engine) processHostedRequest(ctx context.Context, entry directory.Entry, msg bus.Message) {
	env, err := envelope.FromJSON(msg.Body())
	if err != nil {
		e.log.Error("dropping malformed envelope", "agent", entry.AgentID, "error", err)
		_ = msg.Settle(ctx, bus.DeadLetter)
		e.rec.IncDeadLettered(entry.Group)
		return
	}
	if env.IsExpired(time.Now()) {
		e.log.Warn("dropping expired envelope", "agent", entry.AgentID, "correlation_id", env.CorrelationID)
		_ = msg.Settle(ctx, bus.DeadLetter)
		e.rec.IncDeadLettered(entry.Group)
		return
	}

	upstream, err := e.forwardLocal(ctx, entry, http.MethodPost, env.HTTPPath, env.Headers, env.Payload)
	if err != nil {
		e.log.Warn("local forward to hosted agent failed", "agent", entry.AgentID, "error", err)
		_ = msg.Settle(ctx, bus.Abandon)
		return
	}
	defer upstream.Body.Close()

	if isEventStream(upstream.Header.Get("Content-Type")) {
		e.relayStreamReply(ctx, entry, env, upstream, msg)
		return
	}
	e.relaySingleReply(ctx, entry, env, upstream, msg)
}

func (e *Engine) relaySingleReply(ctx context.Context, entry directory.Entry, req *envelope.Envelope, upstream *http.Response, msg bus.Message) {
	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		_ = msg.Settle(ctx, bus.Abandon)
		return
	}

	reply := envelope.NewReply(req, body)
	reply.SetHeader("X-Upstream-Status", fmt.Sprintf("%d", upstream.StatusCode))
	wire, err := reply.ToJSON()
	if err != nil {
		_ = msg.Settle(ctx, bus.DeadLetter)
		e.rec.IncDeadLettered(entry.Group)
		return
	}

	if err := e.busAdap.Publish(ctx, entry.Group, req.FromAgent, req.CorrelationID, wire); err != nil {
		e.rec.IncBusPublish(entry.Group, false)
		_ = msg.Settle(ctx, bus.Abandon)
		return
	}
	e.rec.IncBusPublish(entry.Group, true)
	_ = msg.Settle(ctx, bus.Ack)
}

func (e *Engine) relayStreamReply(ctx context.Context, entry directory.Entry, req *envelope.Envelope, upstream *http.Response, msg bus.Message) {
	scanner := sse.NewScanner(upstream.Body)
	var seq int64

	publishChunk := func(meta envelope.StreamMetadata, payload envelope.StreamChunkPayload) error {
		chunk, err := envelope.NewStreamChunk(req, seq, meta, payload)
		if err != nil {
			return err
		}
		wire, err := chunk.ToJSON()
		if err != nil {
			return err
		}
		seq++
		return e.busAdap.Publish(ctx, entry.Group, req.FromAgent, req.CorrelationID, wire)
	}

	for scanner.Next() {
		ev := scanner.Event()
		meta := envelope.StreamMetadata{ChunkType: envelope.ChunkData, EventName: ev.Event, LastEventID: ev.ID, Retry: ev.Retry}
		data, _ := json.Marshal(ev.Data)
		if err := publishChunk(meta, envelope.StreamChunkPayload{Data: data, Event: ev.Event, ID: ev.ID, Retry: ev.Retry}); err != nil {
			e.rec.IncBusPublish(entry.Group, false)
			_ = msg.Settle(ctx, bus.Abandon)
			return
		}
		e.rec.IncBusPublish(entry.Group, true)
	}

	if err := scanner.Err(); err != nil {
		errData, _ := json.Marshal(err.Error())
		_ = publishChunk(envelope.StreamMetadata{ChunkType: envelope.ChunkError}, envelope.StreamChunkPayload{Data: errData})
	}

	if err := publishChunk(envelope.StreamMetadata{ChunkType: envelope.ChunkEnd, Final: true}, envelope.StreamChunkPayload{Data: json.RawMessage("null")}); err != nil {
		e.rec.IncBusPublish(entry.Group, false)
		_ = msg.Settle(ctx, bus.Abandon)
		return
	}
	e.rec.IncBusPublish(entry.Group, true)
	_ = msg.Settle(ctx, bus.Ack)
}

// --- shared helpers ---

func (e *Engine) readBody(r *http.Request) (json.RawMessage, interface{}) {
	body := readAllBody(r)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	var req jsonrpcRequest
	_ = json.Unmarshal(body, &req)
	return json.RawMessage(body), req.ID
}

func readAllBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return body
}

func (e *Engine) writeRPCError(w http.ResponseWriter, id interface{}, rpcErr *jsonrpcerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rpcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   rpcErr.RPC(),
		"id":      id,
	})
}

func headersFromRequest(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) == 0 || envelope.IsHopByHop(k) {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func fromAgentHeader(r *http.Request) string {
	if v := r.Header.Get("From-Agent"); v != "" {
		return v
	}
	if v := r.Header.Get("X-From-Agent"); v != "" {
		return v
	}
	return "proxy"
}

func copyResponseHeaders(w http.ResponseWriter, h http.Header) {
	for k, vs := range h {
		if envelope.IsHopByHop(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
}

func parseStatus(s string) (int, error) {
	var status int
	_, err := fmt.Sscanf(s, "%d", &status)
	return status, err
}
