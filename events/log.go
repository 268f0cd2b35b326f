package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream selects which subscriber channel an event is delivered on.
type Stream uint8

const (
	// StreamEvents carries coarse request and transfer events.
	StreamEvents Stream = iota
	// StreamSocket carries connection and per-chunk events.
	StreamSocket
	// StreamProgress carries transfer progress updates.
	StreamProgress
)

// StreamOf returns the stream an event type is delivered on.
func StreamOf(t Type) Stream {
	switch t.Category() {
	case CategorySocket:
		return StreamSocket
	case CategoryProgress:
		return StreamProgress
	default:
		return StreamEvents
	}
}

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is given
// a non-positive buffer.
const DefaultSubscriberBuffer = 256

// Log is the append-only server event log. Emitted events are stored and then
// offered to subscribers without blocking; a full subscriber channel drops the
// event for that subscriber only.
type Log struct {
	mu     sync.RWMutex
	events []Event

	subMu  sync.Mutex
	subs   map[Stream]map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Uint64
	now     func() time.Time
	logger  *logrus.Logger
}

// NewLog creates an empty event log that mirrors events to the given logger.
// A nil logger uses the logrus standard logger.
func NewLog(logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		subs: map[Stream]map[int]chan Event{
			StreamEvents:   {},
			StreamSocket:   {},
			StreamProgress: {},
		},
		now:    time.Now,
		logger: logger,
	}
}

// Emit timestamps, stores and publishes an event and returns the stored copy.
func (l *Log) Emit(e Event) Event {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if e.Level == 0 {
		e.Level = e.Type.DefaultLevel()
	}

	// Publishing under the log lock keeps subscriber order equal to log order.
	l.mu.Lock()
	l.events = append(l.events, e)
	l.publish(e)
	l.mu.Unlock()

	l.mirror(e)
	return e
}

func (l *Log) publish(e Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed {
		return
	}
	for _, ch := range l.subs[StreamOf(e.Type)] {
		select {
		case ch <- e:
		default:
			l.dropped.Add(1)
		}
	}
}

func (l *Log) mirror(e Event) {
	fields := logrus.Fields{
		"function": "Emit",
		"event":    e.Type.String(),
	}
	if !e.Peer.IsZero() {
		fields["peer"] = e.Peer.Address()
	}
	if e.RequestID != 0 {
		fields["request_id"] = e.RequestID
	}
	if e.TransferID != 0 {
		fields["transfer_id"] = e.TransferID
	}
	if e.Percent > 0 {
		fields["percent"] = e.Percent
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}

	entry := l.logger.WithFields(fields)
	switch e.Level {
	case LevelTrace:
		entry.Trace(e.Text)
	case LevelDebug:
		entry.Debug(e.Text)
	case LevelWarn:
		entry.Warn(e.Text)
	case LevelError:
		entry.Error(e.Text)
	default:
		entry.Info(e.Text)
	}
}

// Subscribe registers a bounded channel for one stream. The returned cancel
// function unregisters and closes the channel.
func (l *Log) Subscribe(stream Stream, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	if l.closed {
		l.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[stream][id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			if existing, ok := l.subs[stream][id]; ok {
				delete(l.subs[stream], id)
				close(existing)
			}
		})
	}
}

// Close closes every subscriber channel. Events emitted afterwards are still
// stored but no longer published.
func (l *Log) Close() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for stream, subs := range l.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		l.subs[stream] = subs
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Since returns the events stored after the first offset events.
func (l *Log) Since(offset int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(l.events) {
		return nil
	}
	return append([]Event(nil), l.events[offset:]...)
}

// All returns every stored event at or above minLevel, in emission order.
func (l *Log) All(minLevel Level) []Event {
	return l.filter(func(e Event) bool { return e.Level >= minLevel })
}

// ForTransfer returns the events correlated with one local transfer id.
func (l *Log) ForTransfer(transferID int64) []Event {
	return l.filter(func(e Event) bool { return e.TransferID == transferID })
}

// ForRequest returns the events correlated with one request id.
func (l *Log) ForRequest(requestID int64) []Event {
	return l.filter(func(e Event) bool { return e.RequestID == requestID })
}

// TransferEvents returns every event that belongs to some file transfer.
func (l *Log) TransferEvents() []Event {
	return l.filter(func(e Event) bool {
		return e.TransferID != 0 || e.Type.Category() == CategoryTransfer || e.Type.Category() == CategoryProgress
	})
}

// RequestEvents returns every event that belongs to some request.
func (l *Log) RequestEvents() []Event {
	return l.filter(func(e Event) bool {
		return e.RequestID != 0 || e.Type.Category() == CategoryRequest
	})
}

func (l *Log) filter(keep func(Event) bool) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
