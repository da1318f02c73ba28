// Package envelope defines the sole payload format carried over the message
// bus between proxies: the wire container that wraps an A2A JSON-RPC
// request, its reply, or one chunk of an SSE reply stream.
//
// Called by: the bus adapter (serialises/deserialises the wire form), the
// routing engine (builds requests and unwraps replies), the SSE bridge
// (reads stream_metadata and sequence).
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkType enumerates stream_metadata.chunk_type values.
type ChunkType string

const (
	ChunkData  ChunkType = "data"
	ChunkEvent ChunkType = "event"
	ChunkError ChunkType = "error"
	ChunkEnd   ChunkType = "end"
)

// StreamMetadata carries SSE bridging metadata, present only on stream
// envelopes (Envelope.IsStream == true). See spec.md §3.
type StreamMetadata struct {
	StreamID      string    `json:"stream_id"`
	ChunkType     ChunkType `json:"chunk_type"`
	EventName     string    `json:"event_name,omitempty"`
	Retry         int       `json:"retry,omitempty"`
	LastEventID   string    `json:"last_event_id,omitempty"`
	Final         bool      `json:"final,omitempty"`
}

// StreamChunkPayload is the payload shape of a stream-chunk envelope: an SSE
// event in waiting, not yet rendered to wire bytes.
type StreamChunkPayload struct {
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Retry int             `json:"retry,omitempty"`
}

// Envelope is the sole message format on the bus. Fields and invariants are
// normative per spec.md §3; this struct is a tagged union in spirit — a
// request envelope has Payload and no StreamMetadata, a non-stream reply has
// Payload and no StreamMetadata, a stream chunk has Payload shaped as
// StreamChunkPayload and a non-nil StreamMetadata. Validate enforces that
// combinations are coherent.
type Envelope struct {
	Protocol      string `json:"protocol"`
	Group         string `json:"group"`
	ToAgent       string `json:"to_agent"`
	FromAgent     string `json:"from_agent"`
	CorrelationID string `json:"correlation_id"`
	IsStream      bool   `json:"is_stream"`
	Sequence      int64  `json:"sequence"`
	Timestamp     int64  `json:"timestamp"`
	TTL           int64  `json:"ttl,omitempty"`

	Headers  map[string]string `json:"headers,omitempty"`
	HTTPPath string            `json:"http_path,omitempty"`

	Payload json.RawMessage `json:"payload"`

	StreamMetadata *StreamMetadata `json:"stream_metadata,omitempty"`
}

// Protocol is the opaque, immutable version tag carried on every envelope.
const Protocol = "a2a-jsonrpc-sse/1.0"

// hopByHopHeaders must be stripped before wrapping and never re-emitted
// (spec.md §3). Keys are canonical HTTP header case.
var hopByHopHeaders = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
	"Keep-Alive":         true,
	"Proxy-Connection":   true,
	"Proxy-Authenticate": true,
	"Te":                 true,
	"Trailer":            true,
}

// IsHopByHop reports whether header name h is a hop-by-hop header that must
// not cross the envelope boundary.
func IsHopByHop(h string) bool {
	return hopByHopHeaders[h]
}

// NewRequest builds a request envelope. correlationID, if empty, is
// generated fresh; callers that need to pre-allocate the id (to register a
// waiter before publishing) pass it in explicitly.
func NewRequest(group, toAgent, fromAgent, correlationID, httpPath string, headers map[string]string, payload json.RawMessage, isStream bool) *Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Envelope{
		Protocol:      Protocol,
		Group:         group,
		ToAgent:       toAgent,
		FromAgent:     fromAgent,
		CorrelationID: correlationID,
		IsStream:      isStream,
		Sequence:      0,
		Timestamp:     time.Now().UnixMilli(),
		Headers:       stripHopByHop(headers),
		HTTPPath:      httpPath,
		Payload:       payload,
	}
}

// NewReply builds a non-stream reply envelope correlated to req.
func NewReply(req *Envelope, payload json.RawMessage) *Envelope {
	return &Envelope{
		Protocol:      Protocol,
		Group:         req.Group,
		ToAgent:       req.FromAgent,
		FromAgent:     req.ToAgent,
		CorrelationID: req.CorrelationID,
		IsStream:      false,
		Sequence:      0,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       payload,
	}
}

// NewStreamChunk builds one envelope of a stream reply. sequence must be the
// next value in the dense ascending run for this correlation id (spec.md
// §3); the caller (routing engine) owns sequence assignment.
func NewStreamChunk(req *Envelope, sequence int64, meta StreamMetadata, payload StreamChunkPayload) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stream chunk payload: %w", err)
	}
	return &Envelope{
		Protocol:       Protocol,
		Group:          req.Group,
		ToAgent:        req.FromAgent,
		FromAgent:      req.ToAgent,
		CorrelationID:  req.CorrelationID,
		IsStream:       true,
		Sequence:       sequence,
		Timestamp:      time.Now().UnixMilli(),
		Payload:        body,
		StreamMetadata: &meta,
	}, nil
}

func stripHopByHop(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if IsHopByHop(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// IsExpired reports whether the envelope has outlived its TTL, per spec.md
// §3 ("a receiver older than timestamp + ttl MUST drop the envelope").
func (e *Envelope) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > e.Timestamp+e.TTL
}

// Validate rejects envelopes with incoherent request/reply/stream-chunk
// combinations, per the "sum-typed envelopes" design note in spec.md §9.
func (e *Envelope) Validate() error {
	if e.Protocol != Protocol {
		return fmt.Errorf("envelope: unsupported protocol %q", e.Protocol)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope: correlation_id is required")
	}
	if e.Group == "" {
		return fmt.Errorf("envelope: group is required")
	}
	if e.Sequence < 0 {
		return fmt.Errorf("envelope: sequence must be non-negative")
	}
	if !e.IsStream && e.Sequence != 0 {
		return fmt.Errorf("envelope: non-stream envelope must have sequence 0")
	}
	if !e.IsStream && e.StreamMetadata != nil {
		return fmt.Errorf("envelope: non-stream envelope must not carry stream_metadata")
	}
	if e.IsStream && e.StreamMetadata == nil {
		return fmt.Errorf("envelope: stream envelope requires stream_metadata")
	}
	if e.Payload == nil {
		return fmt.Errorf("envelope: payload is required")
	}
	return nil
}

// ToJSON serialises the envelope for the bus wire body.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserialises an envelope from a bus message body.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}

// SetHeader sets a single header, stripping it if it is hop-by-hop.
func (e *Envelope) SetHeader(key, value string) {
	if IsHopByHop(key) {
		return
	}
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Header retrieves a header, case-sensitively per spec.md §3 ("case-
// preserved values"); callers normalize keys before lookup when needed.
func (e *Envelope) Header(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}
