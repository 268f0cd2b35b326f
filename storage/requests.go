package storage

import (
	"errors"
	"fmt"

	"peerlink/requests"
)

// SaveRequest archives the current state of a request log entry, replacing
// any earlier state of the same request in this run.
func (s *Store) SaveRequest(req requests.Request) error {
	if req.ID <= 0 {
		return errors.New("request_id is required")
	}
	if req.Type == "" {
		return errors.New("request_type is required")
	}
	if err := validateRequestDirection(req.Direction); err != nil {
		return err
	}
	if err := validateRequestStatus(req.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO requests (
			run_id,
			request_id,
			request_type,
			direction,
			peer_address,
			status,
			error,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, request_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error`,
		s.runID,
		req.ID,
		string(req.Type),
		string(req.Direction),
		req.Peer.Address(),
		string(req.Status),
		req.Error,
		unixMilli(req.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save request %d: %w", req.ID, err)
	}
	return nil
}

// GetRequests returns the archived requests of one run in id order.
func (s *Store) GetRequests(runID string) ([]RequestRecord, error) {
	if runID == "" {
		runID = s.runID
	}

	rows, err := s.db.Query(
		`SELECT
			run_id,
			request_id,
			request_type,
			direction,
			peer_address,
			status,
			error,
			timestamp
		FROM requests
		WHERE run_id = ?
		ORDER BY request_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get requests for run %q: %w", runID, err)
	}
	defer rows.Close()

	records := make([]RequestRecord, 0)
	for rows.Next() {
		record, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request rows: %w", err)
	}
	return records, nil
}

func scanRequest(row scanner) (RequestRecord, error) {
	var (
		record    RequestRecord
		typ       string
		direction string
		status    string
	)
	if err := row.Scan(
		&record.RunID,
		&record.RequestID,
		&typ,
		&direction,
		&record.PeerAddress,
		&status,
		&record.Error,
		&record.Timestamp,
	); err != nil {
		return RequestRecord{}, err
	}

	record.Type = requests.Type(typ)
	record.Direction = requests.Direction(direction)
	record.Status = requests.Status(status)
	return record, nil
}
