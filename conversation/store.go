// Package conversation groups text messages into one conversation per peer.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerlink/events"
	"peerlink/models"
)

// ErrMessageNotFound indicates an unknown message session id.
var ErrMessageNotFound = errors.New("conversation: message not found")

// Conversation is the ordered set of messages exchanged with one peer.
type Conversation struct {
	ID       string           `json:"id"`
	Peer     models.PeerInfo  `json:"peer"`
	Messages []models.Message `json:"messages"`
}

// UnreadMessages returns the received messages not yet marked read.
func (c Conversation) UnreadMessages() []models.Message {
	unread := make([]models.Message, 0)
	for _, m := range c.Messages {
		if m.Unread {
			unread = append(unread, m)
		}
	}
	return unread
}

// Store holds every conversation. Conversations are found by peer identity,
// so there is at most one per peer.
type Store struct {
	mu            sync.RWMutex
	conversations []*Conversation

	emit events.Emitter
	now  func() time.Time
}

// NewStore creates an empty store reporting to emit.
func NewStore(emit events.Emitter) *Store {
	if emit == nil {
		emit = events.Discard
	}
	return &Store{emit: emit, now: time.Now}
}

// RecordSent appends a message this server sent to peer.
func (s *Store) RecordSent(peer models.PeerInfo, text string) models.Message {
	msg := models.Message{
		SessionID: uuid.NewString(),
		Peer:      peer,
		Timestamp: s.now(),
		Author:    models.AuthorSelf,
		Text:      text,
	}
	s.add(msg)
	return msg
}

// RecordReceived appends a message received from peer in request requestID.
// It is stamped with the local receive time so both sides of a conversation
// share one clock.
func (s *Store) RecordReceived(peer models.PeerInfo, text string, requestID int64) models.Message {
	msg := models.Message{
		SessionID: uuid.NewString(),
		Peer:      peer,
		Timestamp: s.now(),
		Author:    models.AuthorRemotePeer,
		Text:      text,
		Unread:    true,
	}
	s.add(msg)

	s.emit.Emit(events.Event{
		Type:      events.ReceivedTextMessage,
		RequestID: requestID,
		Peer:      peer,
		Text:      text,
	})
	return msg
}

// Restore loads previously archived messages, skipping ids already present.
func (s *Store) Restore(messages []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, msg := range messages {
		if msg.SessionID == "" || s.hasMessageLocked(msg.SessionID) {
			continue
		}
		s.addLocked(msg)
		restored++
	}
	return restored
}

func (s *Store) add(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(msg)
}

func (s *Store) addLocked(msg models.Message) {
	conv := s.conversationLocked(msg.Peer)
	if msg.Peer.Name != "" {
		conv.Peer.Name = msg.Peer.Name
	}

	// Keep timestamp order; equal timestamps keep arrival order.
	i := sort.Search(len(conv.Messages), func(i int) bool {
		return conv.Messages[i].Timestamp.After(msg.Timestamp)
	})
	conv.Messages = append(conv.Messages, models.Message{})
	copy(conv.Messages[i+1:], conv.Messages[i:])
	conv.Messages[i] = msg
}

func (s *Store) conversationLocked(peer models.PeerInfo) *Conversation {
	for _, conv := range s.conversations {
		if conv.Peer.Equal(peer) {
			return conv
		}
	}
	conv := &Conversation{ID: uuid.NewString(), Peer: peer}
	s.conversations = append(s.conversations, conv)
	return conv
}

// GetConversation returns a copy of the conversation with peer.
func (s *Store) GetConversation(peer models.PeerInfo) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conv := range s.conversations {
		if conv.Peer.Equal(peer) {
			return copyConversation(conv), true
		}
	}
	return Conversation{}, false
}

// Conversations returns copies of every conversation in creation order.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, copyConversation(conv))
	}
	return out
}

// MarkRead clears the unread flag of one message.
func (s *Store) MarkRead(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		for i := range conv.Messages {
			if conv.Messages[i].SessionID == sessionID {
				conv.Messages[i].Unread = false
				return nil
			}
		}
	}
	return fmt.Errorf("message %q: %w", sessionID, ErrMessageNotFound)
}

// MarkConversationRead clears every unread flag in the conversation with peer
// and returns how many were cleared.
func (s *Store) MarkConversationRead(peer models.PeerInfo) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for _, conv := range s.conversations {
		if !conv.Peer.Equal(peer) {
			continue
		}
		for i := range conv.Messages {
			if conv.Messages[i].Unread {
				conv.Messages[i].Unread = false
				cleared++
			}
		}
	}
	return cleared
}

func (s *Store) hasMessageLocked(sessionID string) bool {
	for _, conv := range s.conversations {
		for _, m := range conv.Messages {
			if m.SessionID == sessionID {
				return true
			}
		}
	}
	return false
}

func copyConversation(conv *Conversation) Conversation {
	out := *conv
	out.Messages = append([]models.Message(nil), conv.Messages...)
	return out
}
