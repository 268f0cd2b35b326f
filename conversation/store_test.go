package conversation

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/events"
	"peerlink/models"
)

var alice = models.PeerInfo{SessionIP: "10.0.0.2", Port: 7000, Name: "alice"}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func TestAlternatingMessagesKeepTimestampOrder(t *testing.T) {
	s := NewStore(nil)
	s.now = fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	s.RecordSent(alice, "hi")
	s.RecordReceived(alice, "hello", 0)
	s.RecordSent(alice, "how are you")
	s.RecordReceived(alice, "fine", 0)

	conv, ok := s.GetConversation(alice)
	require.True(t, ok)
	require.Len(t, conv.Messages, 4)

	texts := []string{}
	authors := []models.Author{}
	for i, m := range conv.Messages {
		texts = append(texts, m.Text)
		authors = append(authors, m.Author)
		if i > 0 {
			assert.False(t, m.Timestamp.Before(conv.Messages[i-1].Timestamp))
		}
	}
	assert.Equal(t, []string{"hi", "hello", "how are you", "fine"}, texts)
	assert.Equal(t, []models.Author{
		models.AuthorSelf, models.AuthorRemotePeer, models.AuthorSelf, models.AuthorRemotePeer,
	}, authors)
}

func TestReceivedMessageUsesLocalClock(t *testing.T) {
	log := events.NewLog(nil)
	s := NewStore(log)
	s.now = fixedClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	question := s.RecordSent(alice, "ping")
	answer := s.RecordReceived(alice, "pong", 42)
	assert.True(t, answer.Timestamp.After(question.Timestamp))

	conv, ok := s.GetConversation(alice)
	require.True(t, ok)
	assert.Equal(t, "ping", conv.Messages[0].Text)
	assert.Equal(t, "pong", conv.Messages[1].Text)

	forRequest := log.ForRequest(42)
	require.Len(t, forRequest, 1)
	assert.Equal(t, events.ReceivedTextMessage, forRequest[0].Type)
}

func TestOneConversationPerPeerUnderConcurrency(t *testing.T) {
	s := NewStore(nil)
	renamed := models.PeerInfo{SessionIP: alice.SessionIP, Port: alice.Port, Name: "alice-laptop"}

	const n = 200
	var wg sync.WaitGroup
	var received int
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := alice
			if rand.Intn(2) == 0 {
				peer = renamed
			}
			if i%3 == 0 {
				s.RecordReceived(peer, fmt.Sprintf("in %d", i), 0)
				mu.Lock()
				received++
				mu.Unlock()
				return
			}
			s.RecordSent(peer, fmt.Sprintf("out %d", i))
		}(i)
	}
	wg.Wait()

	require.Len(t, s.Conversations(), 1)
	conv, ok := s.GetConversation(alice)
	require.True(t, ok)
	assert.Len(t, conv.Messages, n)
	assert.Len(t, conv.UnreadMessages(), received)
}

func TestMarkReadUpdatesDerivedUnreadView(t *testing.T) {
	log := events.NewLog(nil)
	s := NewStore(log)

	first := s.RecordReceived(alice, "one", 0)
	s.RecordReceived(alice, "two", 0)
	sent := s.RecordSent(alice, "reply")
	assert.False(t, sent.Unread)

	conv, _ := s.GetConversation(alice)
	assert.Len(t, conv.UnreadMessages(), 2)

	require.NoError(t, s.MarkRead(first.SessionID))
	conv, _ = s.GetConversation(alice)
	assert.Len(t, conv.UnreadMessages(), 1)

	assert.Equal(t, 1, s.MarkConversationRead(alice))
	conv, _ = s.GetConversation(alice)
	assert.Empty(t, conv.UnreadMessages())

	assert.ErrorIs(t, s.MarkRead("missing"), ErrMessageNotFound)
	assert.Len(t, log.All(events.LevelTrace), 2)
}

func TestGetConversationReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	s.RecordReceived(alice, "hello", 0)

	conv, _ := s.GetConversation(alice)
	conv.Messages[0].Unread = false

	again, _ := s.GetConversation(alice)
	assert.True(t, again.Messages[0].Unread)

	_, ok := s.GetConversation(models.PeerInfo{SessionIP: "10.0.0.9", Port: 7000})
	assert.False(t, ok)
}

func TestRestoreSkipsKnownMessages(t *testing.T) {
	s := NewStore(nil)
	existing := s.RecordSent(alice, "kept")

	restored := s.Restore([]models.Message{
		existing,
		{SessionID: "archived-1", Peer: alice, Author: models.AuthorRemotePeer, Text: "old", Timestamp: existing.Timestamp.Add(-time.Hour), Unread: true},
		{Peer: alice, Text: "no id"},
	})
	assert.Equal(t, 1, restored)

	conv, _ := s.GetConversation(alice)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "old", conv.Messages[0].Text)
}
