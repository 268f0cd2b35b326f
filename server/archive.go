package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/events"
	"peerlink/models"
	"peerlink/requests"
	"peerlink/transfer"
)

// Archive persists server state. *storage.Store implements it.
type Archive interface {
	SaveEvents(batch []events.Event) error
	SaveRequest(req requests.Request) error
	SaveTransfer(t transfer.FileTransfer) error
	SaveMessage(message models.Message) error
	AllMessages() ([]models.Message, error)
}

// archiver copies new events, and the requests, transfers and messages they
// touched, into the archive.
type archiver struct {
	mu      sync.Mutex
	archive Archive
	server  *Server
	offset  int
	// unread caches the archived read state of each message by session id.
	unread map[string]bool
}

func newArchiver(archive Archive, s *Server) *archiver {
	return &archiver{archive: archive, server: s, unread: make(map[string]bool)}
}

// restore loads archived messages into the conversation store.
func (a *archiver) restore() error {
	messages, err := a.archive.AllMessages()
	if err != nil {
		return err
	}

	a.mu.Lock()
	for _, m := range messages {
		a.unread[m.SessionID] = m.Unread
	}
	a.mu.Unlock()

	restored := a.server.conversations.Restore(messages)
	logrus.WithFields(logrus.Fields{
		"function": "restore",
		"messages": restored,
	}).Debug("Restored archived conversations")
	return nil
}

func (a *archiver) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *archiver) flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch := a.server.log.Since(a.offset)
	if len(batch) > 0 {
		if err := a.archive.SaveEvents(batch); err != nil {
			a.warn("SaveEvents", err)
			return
		}
		a.offset += len(batch)
		a.saveTouched(batch)
	}
	a.saveMessages()
}

func (a *archiver) saveTouched(batch []events.Event) {
	requestIDs := make(map[int64]struct{})
	transferIDs := make(map[int64]struct{})
	for _, e := range batch {
		if e.RequestID != 0 {
			requestIDs[e.RequestID] = struct{}{}
		}
		if e.TransferID != 0 {
			transferIDs[e.TransferID] = struct{}{}
		}
	}

	for id := range requestIDs {
		req, err := a.server.queue.Peek(id)
		if err != nil {
			continue
		}
		if err := a.archive.SaveRequest(req); err != nil {
			a.warn("SaveRequest", err)
		}
	}
	for id := range transferIDs {
		t, err := a.server.transfers.Get(id)
		if err != nil {
			continue
		}
		if err := a.archive.SaveTransfer(t); err != nil {
			a.warn("SaveTransfer", err)
		}
	}
}

func (a *archiver) saveMessages() {
	for _, conv := range a.server.conversations.Conversations() {
		for _, m := range conv.Messages {
			if unread, ok := a.unread[m.SessionID]; ok && unread == m.Unread {
				continue
			}
			if err := a.archive.SaveMessage(m); err != nil {
				a.warn("SaveMessage", err)
				continue
			}
			a.unread[m.SessionID] = m.Unread
		}
	}
}

func (a *archiver) warn(op string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "archiver",
		"op":       op,
		"error":    err.Error(),
	}).Warn("Archive write failed")
}
