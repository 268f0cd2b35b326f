package requests

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/events"
)

// Handler processes one request. Returning nil marks the request processed;
// expected protocol outcomes such as a rejected transfer are not errors.
type Handler func(ctx context.Context, req Request) error

// Queue is the append-only request log plus its dispatcher. Pending requests
// are processed in id order, one at a time.
type Queue struct {
	mu       sync.Mutex
	log      []*Request
	byID     map[int64]*Request
	nextID   int64
	handlers map[Type]Handler

	processing atomic.Bool
	ready      chan struct{}

	emit events.Emitter
	now  func() time.Time
}

// NewQueue creates an empty queue reporting to emit.
func NewQueue(emit events.Emitter) *Queue {
	if emit == nil {
		emit = events.Discard
	}
	return &Queue{
		byID:     make(map[int64]*Request),
		handlers: make(map[Type]Handler),
		ready:    make(chan struct{}, 1),
		emit:     emit,
		now:      time.Now,
	}
}

// Register binds a handler to a request type, replacing any previous one.
func (q *Queue) Register(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Ready is signalled whenever a request is enqueued.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue appends an inbound request as pending and returns its id.
func (q *Queue) Enqueue(req Request) int64 {
	if req.Direction == "" {
		req.Direction = Inbound
	}
	req.Status = StatusPending
	id := q.append(&req)

	q.emit.Emit(events.Event{
		Type:      events.RequestQueued,
		RequestID: id,
		Peer:      req.Peer,
		Text:      string(req.Type),
	})

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return id
}

// Log appends a request that was sent to a peer. It is recorded only and never
// processed.
func (q *Queue) Log(req Request) int64 {
	req.Direction = Outbound
	req.Status = StatusSent
	req.Stream = nil
	return q.append(&req)
}

// Fail marks a logged outbound request whose frame could not be delivered.
func (q *Queue) Fail(id int64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if req.Status != StatusSent {
		return fmt.Errorf("request %d is %s: %w", id, req.Status, ErrNotPending)
	}
	req.Status = StatusFailed
	req.Error = cause.Error()
	return nil
}

func (q *Queue) append(req *Request) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	req.ID = q.nextID
	if req.Timestamp.IsZero() {
		req.Timestamp = q.now()
	}
	q.log = append(q.log, req)
	q.byID[req.ID] = req
	return req.ID
}

// Peek returns a copy of the request with the given id.
func (q *Queue) Peek(id int64) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byID[id]
	if !ok {
		return Request{}, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	return *req, nil
}

// Dequeue returns the request with the given id. Requests are never removed
// from the log; processed requests stay queryable.
func (q *Queue) Dequeue(id int64) (Request, error) {
	return q.Peek(id)
}

// ProcessNext processes the oldest pending request.
func (q *Queue) ProcessNext(ctx context.Context) (Result, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer q.processing.Store(false)

	req := q.claim(func() *Request {
		for _, candidate := range q.log {
			if candidate.Status == StatusPending {
				return candidate
			}
		}
		return nil
	})
	if req == nil {
		return Result{}, ErrQueueEmpty
	}
	return q.dispatch(ctx, req)
}

// Process processes one specific pending request.
func (q *Queue) Process(ctx context.Context, id int64) (Result, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return Result{}, fmt.Errorf("request %d: %w", id, ErrNotFound)
	}
	if req.Status != StatusPending {
		status := req.Status
		q.mu.Unlock()
		return Result{}, fmt.Errorf("request %d is %s: %w", id, status, ErrNotPending)
	}
	req.Status = StatusInProgress
	q.mu.Unlock()

	return q.dispatch(ctx, req)
}

// claim selects a request under the lock and marks it in progress.
func (q *Queue) claim(pick func() *Request) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	req := pick()
	if req == nil {
		return nil
	}
	req.Status = StatusInProgress
	return req
}

func (q *Queue) dispatch(ctx context.Context, req *Request) (Result, error) {
	q.mu.Lock()
	snapshot := *req
	handler, ok := q.handlers[req.Type]
	q.mu.Unlock()

	q.emit.Emit(events.Event{
		Type:      events.ProcessRequestStarted,
		RequestID: snapshot.ID,
		Peer:      snapshot.Peer,
		Text:      string(snapshot.Type),
	})

	var err error
	if !ok {
		err = fmt.Errorf("request %d type %q: %w", snapshot.ID, snapshot.Type, ErrUnknownRequestType)
	} else {
		err = handler(ctx, snapshot)
	}

	if snapshot.Stream != nil && snapshot.Stream.Conn != nil {
		_ = snapshot.Stream.Conn.Close()
	}

	q.mu.Lock()
	req.Stream = nil
	if err != nil {
		req.Status = StatusFailed
		req.Error = err.Error()
	} else {
		req.Status = StatusProcessed
	}
	status := req.Status
	q.mu.Unlock()

	result := Result{RequestID: snapshot.ID, Type: snapshot.Type, Status: status, Err: err}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"request_id": snapshot.ID,
			"type":       snapshot.Type,
			"error":      err.Error(),
		}).Warn("Request processing failed")
		q.emit.Emit(events.Event{
			Type:      events.ProcessRequestFailed,
			RequestID: snapshot.ID,
			Peer:      snapshot.Peer,
			Text:      string(snapshot.Type),
			Error:     err.Error(),
		})
		return result, err
	}

	q.emit.Emit(events.Event{
		Type:      events.ProcessRequestComplete,
		RequestID: snapshot.ID,
		Peer:      snapshot.Peer,
		Text:      string(snapshot.Type),
	})
	return result, nil
}

// IDs returns every request id in log order.
func (q *Queue) IDs() []int64 {
	return q.collect(func(*Request) bool { return true })
}

// PendingIDs returns the ids of requests not yet processed.
func (q *Queue) PendingIDs() []int64 {
	return q.collect(func(r *Request) bool { return r.Status == StatusPending })
}

// Requests returns copies of every logged request.
func (q *Queue) Requests() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Request, 0, len(q.log))
	for _, r := range q.log {
		out = append(out, *r)
	}
	return out
}

// ClearProcessed drops finished requests from the log and returns how many
// were removed. Pending and in-progress requests are kept.
func (q *Queue) ClearProcessed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.log[:0]
	removed := 0
	for _, r := range q.log {
		switch r.Status {
		case StatusPending, StatusInProgress:
			kept = append(kept, r)
		default:
			delete(q.byID, r.ID)
			removed++
		}
	}
	for i := len(kept); i < len(q.log); i++ {
		q.log[i] = nil
	}
	q.log = kept
	return removed
}

func (q *Queue) collect(keep func(*Request) bool) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]int64, 0)
	for _, r := range q.log {
		if keep(r) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
