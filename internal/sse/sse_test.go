package sse

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asya/a2a-proxy/internal/envelope"
)

func chunk(seq int64, data string, final bool) *envelope.Envelope {
	req := &envelope.Envelope{Protocol: envelope.Protocol, Group: "billing", ToAgent: "proxy", FromAgent: "critic", CorrelationID: "corr-1"}
	chunkType := envelope.ChunkData
	if final {
		chunkType = envelope.ChunkEnd
	}
	raw, _ := json.Marshal(data)
	env, err := envelope.NewStreamChunk(req, seq, envelope.StreamMetadata{ChunkType: chunkType, Final: final}, envelope.StreamChunkPayload{Data: raw})
	if err != nil {
		panic(err)
	}
	return env
}

func TestReassemblerEmitsInOrderImmediately(t *testing.T) {
	r := NewReassembler(8)

	ready, err := r.Accept(chunk(0, "A", false))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 0, ready[0].Sequence)
}

func TestReassemblerBuffersAndDrainsOutOfOrder(t *testing.T) {
	r := NewReassembler(8)

	ready, err := r.Accept(chunk(1, "B", false))
	require.NoError(t, err)
	assert.Empty(t, ready, "sequence 1 arrives before 0, must buffer")

	ready, err = r.Accept(chunk(2, "C", false))
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = r.Accept(chunk(0, "A", false))
	require.NoError(t, err)
	require.Len(t, ready, 3, "arrival of 0 must drain the buffered run 0,1,2")
	assert.EqualValues(t, []int64{0, 1, 2}, []int64{ready[0].Sequence, ready[1].Sequence, ready[2].Sequence})
}

func TestReassemblerDropsDuplicateBelowNextExpected(t *testing.T) {
	r := NewReassembler(8)

	_, err := r.Accept(chunk(0, "A", false))
	require.NoError(t, err)

	ready, err := r.Accept(chunk(0, "A", false))
	require.NoError(t, err)
	assert.Empty(t, ready, "redelivery of an already-emitted sequence must be dropped")
}

func TestReassemblerDropsDuplicateAlreadyBuffered(t *testing.T) {
	r := NewReassembler(8)

	_, err := r.Accept(chunk(1, "B", false))
	require.NoError(t, err)

	ready, err := r.Accept(chunk(1, "B", false))
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, 1, r.pending.Len(), "duplicate of a buffered chunk must not grow the heap")
}

func TestReassemblerFailsWhenWindowExceeded(t *testing.T) {
	r := NewReassembler(2)

	_, err := r.Accept(chunk(1, "B", false))
	require.NoError(t, err)
	_, err = r.Accept(chunk(2, "C", false))
	require.NoError(t, err)

	_, err = r.Accept(chunk(3, "D", false))
	assert.ErrorContains(t, err, "out-of-order window exceeded")
}

func TestWriterRendersDataEventIDAndRetry(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	req := &envelope.Envelope{Protocol: envelope.Protocol, Group: "billing", ToAgent: "proxy", FromAgent: "critic", CorrelationID: "corr-1"}
	raw, _ := json.Marshal("hello")
	env, err := envelope.NewStreamChunk(req, 0, envelope.StreamMetadata{
		ChunkType:   envelope.ChunkData,
		EventName:   "message",
		LastEventID: "evt-1",
		Retry:       1500,
	}, envelope.StreamChunkPayload{Data: raw})
	require.NoError(t, err)

	final, err := w.WriteChunk(env)
	require.NoError(t, err)
	assert.False(t, final)

	body := rec.Body.String()
	assert.Contains(t, body, "event: message\n")
	assert.Contains(t, body, "id: evt-1\n")
	assert.Contains(t, body, "retry: 1500\n")
	assert.Contains(t, body, "data: hello\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestWriterReportsFinalOnEndChunkWithoutWritingBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	rec.Body.Reset()

	req := &envelope.Envelope{Protocol: envelope.Protocol, Group: "billing", ToAgent: "proxy", FromAgent: "critic", CorrelationID: "corr-1"}
	env, err := envelope.NewStreamChunk(req, 3, envelope.StreamMetadata{ChunkType: envelope.ChunkEnd, Final: true}, envelope.StreamChunkPayload{Data: json.RawMessage("null")})
	require.NoError(t, err)

	final, err := w.WriteChunk(env)
	require.NoError(t, err)
	assert.True(t, final)
	assert.Empty(t, rec.Body.String())
}

func TestDataLinesUnquotesJSONString(t *testing.T) {
	lines := dataLines(json.RawMessage(`"line one\nline two"`))
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestDataLinesRendersNonStringAsJSON(t *testing.T) {
	lines := dataLines(json.RawMessage(`{"a":1}`))
	assert.Equal(t, []string{`{"a":1}`}, lines)
}
