package transfer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/events"
	"peerlink/models"
)

// RetryDecision is the outcome of recording one failure.
type RetryDecision struct {
	Attempts  int
	Allowed   bool
	LockedOut bool
}

type retryScope struct {
	peer       string
	transferID int64
}

type lockout struct {
	peer  models.PeerInfo
	timer *time.Timer
	until time.Time
}

// RetryManager counts failures per (peer, transfer) and enforces a lockout
// window once the limit is exceeded.
type RetryManager struct {
	mu       sync.Mutex
	limit    int
	duration time.Duration
	attempts map[retryScope]int
	lockouts map[retryScope]*lockout
	onExpire func(peer models.PeerInfo, transferID int64)

	emit events.Emitter
	now  func() time.Time
}

// NewRetryManager creates a manager allowing limit retries per scope and
// locking the scope out for duration once the limit is exceeded.
func NewRetryManager(limit int, duration time.Duration, emit events.Emitter) *RetryManager {
	if emit == nil {
		emit = events.Discard
	}
	if limit < 0 {
		limit = 0
	}
	return &RetryManager{
		limit:    limit,
		duration: duration,
		attempts: make(map[retryScope]int),
		lockouts: make(map[retryScope]*lockout),
		emit:     emit,
		now:      time.Now,
	}
}

// OnExpire registers the hook called after a lockout window ends.
func (m *RetryManager) OnExpire(fn func(peer models.PeerInfo, transferID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Limit returns the configured retry limit.
func (m *RetryManager) Limit() int {
	return m.limit
}

// RecordFailure counts one failed or stalled attempt. Exceeding the limit
// starts the lockout timer for the scope.
func (m *RetryManager) RecordFailure(peer models.PeerInfo, transferID int64) RetryDecision {
	key := retryScope{peer: peer.Address(), transferID: transferID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, locked := m.lockouts[key]; locked {
		return RetryDecision{Attempts: m.attempts[key], LockedOut: true}
	}

	m.attempts[key]++
	attempts := m.attempts[key]
	if attempts <= m.limit {
		return RetryDecision{Attempts: attempts, Allowed: true}
	}

	m.lockouts[key] = &lockout{
		peer:  peer,
		until: m.now().Add(m.duration),
		timer: time.AfterFunc(m.duration, func() { m.expire(key) }),
	}
	logrus.WithFields(logrus.Fields{
		"function":    "RecordFailure",
		"peer":        key.peer,
		"transfer_id": transferID,
		"attempts":    attempts,
		"lockout":     m.duration.String(),
	}).Warn("Retry limit exceeded, scope locked out")
	return RetryDecision{Attempts: attempts, LockedOut: true}
}

func (m *RetryManager) expire(key retryScope) {
	m.mu.Lock()
	entry, ok := m.lockouts[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.lockouts, key)
	delete(m.attempts, key)
	hook := m.onExpire
	m.mu.Unlock()

	m.emit.Emit(events.Event{
		Type:       events.RetryLimitLockoutExpired,
		Peer:       entry.peer,
		TransferID: key.transferID,
		Text:       "retry lockout expired",
	})
	if hook != nil {
		hook(entry.peer, key.transferID)
	}
}

// Reset forgets the failures recorded for a scope that is not locked out.
func (m *RetryManager) Reset(peer models.PeerInfo, transferID int64) {
	key := retryScope{peer: peer.Address(), transferID: transferID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, locked := m.lockouts[key]; !locked {
		delete(m.attempts, key)
	}
}

// Attempts returns the failures recorded for a scope.
func (m *RetryManager) Attempts(peer models.PeerInfo, transferID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[retryScope{peer: peer.Address(), transferID: transferID}]
}

// IsLockedOut reports whether any scope of the peer is locked out.
func (m *RetryManager) IsLockedOut(peer models.PeerInfo) bool {
	addr := peer.Address()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.lockouts {
		if key.peer == addr {
			return true
		}
	}
	return false
}

// IsScopeLockedOut reports whether the (peer, transfer) scope is locked out.
func (m *RetryManager) IsScopeLockedOut(peer models.PeerInfo, transferID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lockouts[retryScope{peer: peer.Address(), transferID: transferID}]
	return ok
}

// Remaining returns how long the scope stays locked out, or zero.
func (m *RetryManager) Remaining(peer models.PeerInfo, transferID int64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lockouts[retryScope{peer: peer.Address(), transferID: transferID}]
	if !ok {
		return 0
	}
	return max(entry.until.Sub(m.now()), 0)
}

// Stop cancels every pending lockout timer without firing expiry.
func (m *RetryManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.lockouts {
		entry.timer.Stop()
		delete(m.lockouts, key)
	}
}
