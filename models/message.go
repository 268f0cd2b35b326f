package models

import "time"

// Author records which side of a conversation wrote a message.
type Author string

const (
	AuthorSelf       Author = "self"
	AuthorRemotePeer Author = "remote_peer"
)

// Message is one text message exchanged with a peer.
type Message struct {
	SessionID string    `json:"session_id"`
	Peer      PeerInfo  `json:"peer"`
	Timestamp time.Time `json:"timestamp"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	Unread    bool      `json:"unread"`
}
