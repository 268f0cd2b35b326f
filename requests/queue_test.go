package requests

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/events"
	"peerlink/models"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) Emit(e events.Event) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return e
}

func (r *recordedEvents) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var testPeer = models.PeerInfo{SessionIP: "127.0.0.1", Port: 7001}

func TestProcessNextRunsInIDOrder(t *testing.T) {
	q := NewQueue(nil)

	var seen []int64
	q.Register(TypeTextMessage, func(_ context.Context, req Request) error {
		seen = append(seen, req.ID)
		return nil
	})

	first := q.Enqueue(Request{Type: TypeTextMessage, Peer: testPeer})
	second := q.Enqueue(Request{Type: TypeTextMessage, Peer: testPeer})
	third := q.Enqueue(Request{Type: TypeTextMessage, Peer: testPeer})
	assert.Equal(t, []int64{1, 2, 3}, []int64{first, second, third})

	for i := 0; i < 3; i++ {
		result, err := q.ProcessNext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, result.Status)
	}

	_, err := q.ProcessNext(context.Background())
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, []int64{1, 2, 3}, seen)

	// Processed requests stay in the log.
	assert.Equal(t, []int64{1, 2, 3}, q.IDs())
	assert.Empty(t, q.PendingIDs())
}

func TestConcurrentProcessReturnsBusy(t *testing.T) {
	q := NewQueue(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	q.Register(TypeTextMessage, func(context.Context, Request) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	})

	q.Enqueue(Request{Type: TypeTextMessage})
	q.Enqueue(Request{Type: TypeTextMessage})

	done := make(chan error, 1)
	go func() {
		_, err := q.ProcessNext(context.Background())
		done <- err
	}()
	<-started

	_, err := q.ProcessNext(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = q.Process(context.Background(), 2)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	req, err := q.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
}

func TestUnknownTypeFailsWithoutHandler(t *testing.T) {
	recorder := &recordedEvents{}
	q := NewQueue(recorder)

	id := q.Enqueue(Request{Type: Type("teleport"), Peer: testPeer})
	result, err := q.Process(context.Background(), id)

	assert.ErrorIs(t, err, ErrUnknownRequestType)
	assert.Equal(t, StatusFailed, result.Status)

	req, err := q.Peek(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.NotEmpty(t, req.Error)
	assert.Equal(t, []events.Type{
		events.RequestQueued,
		events.ProcessRequestStarted,
		events.ProcessRequestFailed,
	}, recorder.types())
}

func TestProcessRejectsAlreadyProcessedAndMissing(t *testing.T) {
	q := NewQueue(nil)
	q.Register(TypeTextMessage, func(context.Context, Request) error { return nil })

	id := q.Enqueue(Request{Type: TypeTextMessage})
	_, err := q.Process(context.Background(), id)
	require.NoError(t, err)

	_, err = q.Process(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = q.Process(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandlerErrorMarksRequestFailed(t *testing.T) {
	q := NewQueue(nil)
	boom := errors.New("boom")
	q.Register(TypeFileListRequest, func(context.Context, Request) error { return boom })

	id := q.Enqueue(Request{Type: TypeFileListRequest})
	result, err := q.ProcessNext(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, id, result.RequestID)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestStreamIsClosedAfterDispatch(t *testing.T) {
	q := NewQueue(nil)
	q.Register(TypeFileBytes, func(_ context.Context, req Request) error {
		require.NotNil(t, req.Stream)
		return nil
	})

	local, remote := net.Pipe()
	defer remote.Close()

	q.Enqueue(Request{Type: TypeFileBytes, Stream: &Stream{Conn: local}})
	_, err := q.ProcessNext(context.Background())
	require.NoError(t, err)

	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	req, err := q.Peek(1)
	require.NoError(t, err)
	assert.Nil(t, req.Stream)
}

func TestLogRecordsOutboundWithoutQueueing(t *testing.T) {
	q := NewQueue(nil)

	id := q.Log(Request{Type: TypeTextMessage, Peer: testPeer})
	req, err := q.Dequeue(id)
	require.NoError(t, err)
	assert.Equal(t, Outbound, req.Direction)
	assert.Equal(t, StatusSent, req.Status)
	assert.Empty(t, q.PendingIDs())

	select {
	case <-q.Ready():
		t.Fatal("logging an outbound request must not signal the processor")
	default:
	}

	require.NoError(t, q.Fail(id, errors.New("peer unreachable")))
	req, err = q.Peek(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, "peer unreachable", req.Error)
	assert.ErrorIs(t, q.Fail(id, errors.New("again")), ErrNotPending)
	assert.ErrorIs(t, q.Fail(99, errors.New("missing")), ErrNotFound)
}

func TestClearProcessedKeepsPending(t *testing.T) {
	q := NewQueue(nil)
	q.Register(TypeTextMessage, func(context.Context, Request) error { return nil })

	q.Enqueue(Request{Type: TypeTextMessage})
	q.Log(Request{Type: TypeTextMessage})
	pending := q.Enqueue(Request{Type: TypeTextMessage})

	_, err := q.Process(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, q.ClearProcessed())
	assert.Equal(t, []int64{pending}, q.IDs())

	next := q.Enqueue(Request{Type: TypeTextMessage})
	assert.Equal(t, int64(4), next)
}
