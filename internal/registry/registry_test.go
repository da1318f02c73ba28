package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asya/a2a-proxy/internal/envelope"
)

func TestRegisterSingleThenComplete(t *testing.T) {
	r := New()
	resultCh, errCh, err := r.RegisterSingle("corr-1", time.Minute)
	require.NoError(t, err)

	reply := &envelope.Envelope{CorrelationID: "corr-1", Payload: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, r.Complete("corr-1", reply, true))

	select {
	case got := <-resultCh:
		assert.Equal(t, reply, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.IsPending("corr-1"))

	// errCh must not have fired.
	select {
	case e := <-errCh:
		t.Fatalf("unexpected error delivered: %v", e)
	default:
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New()
	_, _, err := r.RegisterSingle("corr-2", time.Minute)
	require.NoError(t, err)

	_, _, err = r.RegisterSingle("corr-2", time.Minute)
	assert.Error(t, err)
}

func TestCompleteTwiceReturnsNotFound(t *testing.T) {
	r := New()
	_, _, err := r.RegisterSingle("corr-3", time.Minute)
	require.NoError(t, err)

	env := &envelope.Envelope{CorrelationID: "corr-3", Payload: json.RawMessage(`{}`)}
	require.NoError(t, r.Complete("corr-3", env, true))
	err = r.Complete("corr-3", env, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelDeliversErrorAndClosesChannels(t *testing.T) {
	r := New()
	resultCh, errCh, err := r.RegisterSingle("corr-4", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Cancel("corr-4", context.DeadlineExceeded))

	select {
	case e := <-errCh:
		assert.ErrorIs(t, e, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel error")
	}

	_, ok := <-resultCh
	assert.False(t, ok, "resultCh should be closed after cancel")
}

func TestStreamDeliversChunksInOrderAndDedups(t *testing.T) {
	r := New()
	streamCh, _, err := r.RegisterStream("corr-5", time.Minute, 4)
	require.NoError(t, err)

	chunk1 := &envelope.Envelope{CorrelationID: "corr-5", IsStream: true, Sequence: 1, Payload: json.RawMessage(`"a"`)}
	chunk2 := &envelope.Envelope{CorrelationID: "corr-5", IsStream: true, Sequence: 2, Payload: json.RawMessage(`"b"`)}

	require.NoError(t, r.Complete("corr-5", chunk1, false))
	err = r.Complete("corr-5", chunk1, false) // duplicate delivery, e.g. redelivered bus message
	assert.ErrorIs(t, err, ErrDuplicateChunk)

	require.NoError(t, r.Complete("corr-5", chunk2, true))

	got1 := <-streamCh
	got2 := <-streamCh
	assert.Equal(t, chunk1, got1)
	assert.Equal(t, chunk2, got2)

	_, ok := <-streamCh
	assert.False(t, ok, "stream channel should close after final chunk")
}

func TestTimeoutCancelsWaiterAutomatically(t *testing.T) {
	r := New()
	_, errCh, err := r.RegisterSingle("corr-6", 20*time.Millisecond)
	require.NoError(t, err)

	select {
	case e := <-errCh:
		assert.ErrorIs(t, e, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for automatic timeout")
	}
	assert.False(t, r.IsPending("corr-6"))
}

func TestCompleteUnknownCorrelationIDReturnsNotFound(t *testing.T) {
	r := New()
	env := &envelope.Envelope{CorrelationID: "nope", Payload: json.RawMessage(`{}`)}
	err := r.Complete("nope", env, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteStreamReplyForSingleWaiterIsDroppedAndLeavesWaiterOpen(t *testing.T) {
	r := New()
	resultCh, errCh, err := r.RegisterSingle("corr-7", time.Minute)
	require.NoError(t, err)

	streamReply := &envelope.Envelope{CorrelationID: "corr-7", IsStream: true, Sequence: 1, Payload: json.RawMessage(`"a"`)}
	err = r.Complete("corr-7", streamReply, false)
	assert.ErrorIs(t, err, ErrKindMismatch)

	// The waiter must still be open: neither channel fired, and it's still
	// registered, so a later correctly-shaped reply can still settle it.
	select {
	case <-resultCh:
		t.Fatal("resultCh should not have received the mismatched reply")
	case <-errCh:
		t.Fatal("errCh should not have fired")
	default:
	}
	assert.True(t, r.IsPending("corr-7"))

	reply := &envelope.Envelope{CorrelationID: "corr-7", Payload: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, r.Complete("corr-7", reply, true))
	got := <-resultCh
	assert.Equal(t, reply, got)
}

func TestCompleteNonStreamReplyForStreamWaiterIsDroppedAndLeavesWaiterOpen(t *testing.T) {
	r := New()
	streamCh, errCh, err := r.RegisterStream("corr-8", time.Minute, 4)
	require.NoError(t, err)

	nonStreamReply := &envelope.Envelope{CorrelationID: "corr-8", Payload: json.RawMessage(`{}`)}
	err = r.Complete("corr-8", nonStreamReply, true)
	assert.ErrorIs(t, err, ErrKindMismatch)

	select {
	case <-streamCh:
		t.Fatal("streamCh should not have received the mismatched reply")
	case <-errCh:
		t.Fatal("errCh should not have fired")
	default:
	}
	assert.True(t, r.IsPending("corr-8"))
}
