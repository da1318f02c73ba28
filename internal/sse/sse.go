// Package sse implements the SSE Bridge (spec.md §4.5, component C5): chunk
// reassembly for out-of-order bus delivery, and egress formatting of
// reassembled chunks as standard Server-Sent Events.
//
// Grounded on other_examples/0699ef7a_TheApeMachine-a2a-go's SSEBroker
// (Content-Type/Cache-Control/Connection headers, http.Flusher upgrade
// check, "data: <json>\n\n" framing) for the egress half; the reassembly
// heap has no direct analogue in the pack and is authored fresh against
// spec.md §4.5's algorithm, using container/heap the way the standard
// library intends it to be used.
package sse

import (
	"bufio"
	"container/heap"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/asya/a2a-proxy/internal/envelope"
	"github.com/asya/a2a-proxy/internal/jsonrpcerr"
)

// seqHeap is a min-heap of stream-chunk envelopes ordered by sequence,
// holding chunks that arrived ahead of next_expected.
type seqHeap []*envelope.Envelope

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].Sequence < h[j].Sequence }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*envelope.Envelope)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Reassembler holds the out-of-order buffer for one stream correlation,
// per spec.md §4.5. Safe for concurrent Accept calls: in practice only one
// delivery path feeds a given correlation id, but the mutex keeps that an
// invariant rather than an assumption.
type Reassembler struct {
	mu           sync.Mutex
	nextExpected int64
	window       int
	pending      seqHeap
	pendingSeqs  map[int64]bool
}

// NewReassembler builds a Reassembler bounded to window out-of-order
// chunks buffered ahead of next_expected.
func NewReassembler(window int) *Reassembler {
	return &Reassembler{window: window, pendingSeqs: make(map[int64]bool)}
}

// Accept ingests one stream-chunk envelope and returns the run of chunks
// now ready to emit in order (possibly empty, possibly more than one if
// arrival fills a gap). Returns jsonrpcerr.StreamOutOfOrderWindowExceeded
// if the chunk can't be buffered within window.
func (r *Reassembler) Accept(env *envelope.Envelope) ([]*envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := env.Sequence
	if seq < r.nextExpected {
		return nil, nil // duplicate redelivery, drop silently (spec.md §8)
	}

	if seq != r.nextExpected {
		if r.pendingSeqs[seq] {
			return nil, nil // already buffered, duplicate
		}
		if r.pending.Len() >= r.window {
			return nil, jsonrpcerr.StreamOutOfOrderWindowExceeded()
		}
		heap.Push(&r.pending, env)
		r.pendingSeqs[seq] = true
		return nil, nil
	}

	ready := []*envelope.Envelope{env}
	r.nextExpected++
	for r.pending.Len() > 0 && r.pending[0].Sequence == r.nextExpected {
		top := heap.Pop(&r.pending).(*envelope.Envelope)
		delete(r.pendingSeqs, top.Sequence)
		ready = append(ready, top)
		r.nextExpected++
	}
	return ready, nil
}

// Writer renders reassembled stream chunks onto an HTTP response as
// text/event-stream, per spec.md §4.5's egress formatting rules.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter upgrades w to an SSE writer, sending the stream preamble
// immediately so proxies in front of this one see headers before the
// first chunk. Returns an error if w doesn't support flushing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteChunk renders one chunk envelope. It reports final=true (and
// writes nothing) for a chunk_type=end envelope, signalling the caller to
// close the response.
func (sw *Writer) WriteChunk(env *envelope.Envelope) (final bool, err error) {
	meta := env.StreamMetadata
	if meta == nil {
		return false, fmt.Errorf("sse: chunk envelope missing stream_metadata")
	}
	if meta.ChunkType == envelope.ChunkEnd {
		return true, nil
	}

	var payload envelope.StreamChunkPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return false, fmt.Errorf("sse: unmarshal chunk payload: %w", err)
	}

	var buf strings.Builder
	if meta.EventName != "" {
		fmt.Fprintf(&buf, "event: %s\n", meta.EventName)
	}
	if meta.LastEventID != "" {
		fmt.Fprintf(&buf, "id: %s\n", meta.LastEventID)
	}
	if meta.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", meta.Retry)
	}
	for _, line := range dataLines(payload.Data) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")

	if _, err := sw.w.Write([]byte(buf.String())); err != nil {
		return false, err
	}
	sw.flusher.Flush()
	return false, nil
}

// WriteError renders a JSON-RPC error as a terminal SSE "error" event, per
// spec.md §7's stream-broken handling; the caller closes the response
// after this returns.
func (sw *Writer) WriteError(rpcErr *jsonrpcerr.Error) error {
	body, err := json.Marshal(rpcErr.RPC())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: error\ndata: %s\n\n", body); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Event is one decoded SSE event read from an upstream agent's streaming
// response, before the routing engine repackages it as a stream-chunk
// envelope.
type Event struct {
	Event string
	ID    string
	Retry int
	Data  string
}

// Scanner incrementally decodes an SSE byte stream into Events. There is
// no SSE client decoder anywhere in the retrieval pack (only server-side
// broadcast helpers), so this is authored directly against the wire
// format spec.md §4.4 requires the background request receiver to parse.
type Scanner struct {
	sc         *bufio.Scanner
	ev         Event
	err        error
	eofFlushed bool
}

// NewScanner wraps r, an upstream agent's text/event-stream body.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{sc: sc}
}

// Next advances to the next event, returning false at EOF or on a read
// error (distinguish via Err).
func (s *Scanner) Next() bool {
	if s.eofFlushed {
		return false
	}

	var dataLines []string
	var ev Event
	haveContent := false

	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			if !haveContent {
				continue
			}
			ev.Data = strings.Join(dataLines, "\n")
			s.ev = ev
			return true
		}
		haveContent = true
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "retry:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil {
				ev.Retry = n
			}
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat, ignore
		}
	}

	if err := s.sc.Err(); err != nil {
		s.err = err
	}
	s.eofFlushed = true
	if haveContent {
		ev.Data = strings.Join(dataLines, "\n")
		s.ev = ev
		return true
	}
	return false
}

// Event returns the event decoded by the most recent successful Next.
func (s *Scanner) Event() Event { return s.ev }

// Err returns the first read error encountered, if any.
func (s *Scanner) Err() error { return s.err }

// dataLines splits a chunk's data field into the one or more "data:" lines
// SSE framing requires. JSON string payloads are unquoted so
// `"data: A"` round-trips literally (spec.md §8 scenario 3); any other
// JSON value is rendered as compact JSON text.
func dataLines(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.Split(s, "\n")
	}
	return strings.Split(string(raw), "\n")
}
