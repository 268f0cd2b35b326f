package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"peerlink/events"
)

// SaveEvents archives a batch of events under the current run in one
// transaction.
func (s *Store) SaveEvents(batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO events (
			run_id,
			event_type,
			level,
			peer_address,
			request_id,
			transfer_id,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, event := range batch {
		details, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", event.Type, err)
		}
		peerAddress := ""
		if !event.Peer.IsZero() {
			peerAddress = event.Peer.Address()
		}
		if _, err := stmt.Exec(
			s.runID,
			event.Type.String(),
			int(event.Level),
			nullString(peerAddress),
			nullInt64(event.RequestID),
			nullInt64(event.TransferID),
			string(details),
			unixMilli(event.Time),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", event.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// GetEvents returns archived events in emission order.
func (s *Store) GetEvents(filter EventFilter) ([]events.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT details FROM events`)

	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Type != 0 {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type.String())
	}
	if filter.MinLevel != 0 {
		where = append(where, "level >= ?")
		args = append(args, int(filter.MinLevel))
	}
	if filter.RequestID != 0 {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.TransferID != 0 {
		where = append(where, "transfer_id = ?")
		args = append(args, filter.TransferID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY id ASC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		var details string
		if err := rows.Scan(&details); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var event events.Event
		if err := json.Unmarshal([]byte(details), &event); err != nil {
			return nil, fmt.Errorf("decode event row: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return out, nil
}

// PruneEvents removes events older than cutoffTimestamp.
func (s *Store) PruneEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for event prune: %w", err)
	}

	return rowsAffected, nil
}
