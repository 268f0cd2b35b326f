package storage

import (
	"errors"
	"fmt"
	"time"

	"peerlink/models"
)

// SaveMessage inserts a message, or updates the read flag of a message that
// is already archived.
func (s *Store) SaveMessage(message models.Message) error {
	if message.SessionID == "" {
		return errors.New("session_id is required")
	}
	if message.Peer.IsZero() {
		return errors.New("peer is required")
	}
	switch message.Author {
	case models.AuthorSelf, models.AuthorRemotePeer:
	default:
		return fmt.Errorf("invalid message author %q", message.Author)
	}

	isRead := 1
	if message.Unread {
		isRead = 0
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			session_id,
			peer_ip,
			peer_port,
			peer_name,
			author,
			content,
			timestamp,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET is_read = excluded.is_read`,
		message.SessionID,
		message.Peer.SessionIP,
		message.Peer.Port,
		message.Peer.Name,
		string(message.Author),
		message.Text,
		unixMilli(message.Timestamp),
		isRead,
	)
	if err != nil {
		return fmt.Errorf("save message %q: %w", message.SessionID, err)
	}

	return nil
}

// MarkMessageRead clears the unread flag of an archived message.
func (s *Store) MarkMessageRead(sessionID string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}

	res, err := s.db.Exec(`UPDATE messages SET is_read = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("mark message %q read: %w", sessionID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for mark read %q: %w", sessionID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetMessages returns the messages exchanged with one peer ordered by
// timestamp.
func (s *Store) GetMessages(peer models.PeerInfo, limit, offset int) ([]models.Message, error) {
	if peer.IsZero() {
		return nil, errors.New("peer is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			peer_ip,
			peer_port,
			peer_name,
			author,
			content,
			timestamp,
			is_read
		FROM messages
		WHERE peer_ip = ? AND peer_port = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		peer.SessionIP,
		peer.Port,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for peer %q: %w", peer.Address(), err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// AllMessages returns every archived message ordered by timestamp.
func (s *Store) AllMessages() ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT
			session_id,
			peer_ip,
			peer_port,
			peer_name,
			author,
			content,
			timestamp,
			is_read
		FROM messages
		ORDER BY timestamp ASC, rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("get all messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message   models.Message
		author    string
		timestamp int64
		isRead    int
	)

	if err := row.Scan(
		&message.SessionID,
		&message.Peer.SessionIP,
		&message.Peer.Port,
		&message.Peer.Name,
		&author,
		&message.Text,
		&timestamp,
		&isRead,
	); err != nil {
		return models.Message{}, err
	}

	message.Author = models.Author(author)
	message.Timestamp = time.UnixMilli(timestamp)
	message.Unread = isRead == 0
	return message, nil
}
