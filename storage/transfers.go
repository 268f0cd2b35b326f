package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"peerlink/transfer"
)

// SaveTransfer archives a transfer snapshot, replacing any earlier snapshot
// of the same transfer in this run.
func (s *Store) SaveTransfer(t transfer.FileTransfer) error {
	if t.ID <= 0 {
		return errors.New("transfer_id is required")
	}
	if t.FileName == "" {
		return errors.New("file_name is required")
	}

	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transfer %d: %w", t.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO transfers (
			run_id,
			transfer_id,
			remote_transfer_id,
			file_name,
			direction,
			peer_address,
			status,
			snapshot,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, transfer_id) DO UPDATE SET
			remote_transfer_id = excluded.remote_transfer_id,
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		s.runID,
		t.ID,
		t.RemoteTransferID,
		t.FileName,
		string(t.Direction),
		t.Peer.Address(),
		string(t.Status),
		string(snapshot),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save transfer %d: %w", t.ID, err)
	}
	return nil
}

// GetTransfer returns one archived transfer of a run.
func (s *Store) GetTransfer(runID string, transferID int64) (TransferRecord, error) {
	if runID == "" {
		runID = s.runID
	}

	row := s.db.QueryRow(
		`SELECT run_id, snapshot, updated_at
		FROM transfers
		WHERE run_id = ? AND transfer_id = ?`,
		runID,
		transferID,
	)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransferRecord{}, ErrNotFound
		}
		return TransferRecord{}, fmt.Errorf("get transfer %d: %w", transferID, err)
	}
	return record, nil
}

// GetTransfers returns the archived transfers of one run in id order. An
// empty status matches every status.
func (s *Store) GetTransfers(runID string, status transfer.Status) ([]TransferRecord, error) {
	if runID == "" {
		runID = s.runID
	}

	rows, err := s.db.Query(
		`SELECT run_id, snapshot, updated_at
		FROM transfers
		WHERE run_id = ? AND (? = '' OR status = ?)
		ORDER BY transfer_id ASC`,
		runID,
		string(status),
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("get transfers for run %q: %w", runID, err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

func scanTransfer(row scanner) (TransferRecord, error) {
	var (
		record   TransferRecord
		snapshot string
	)
	if err := row.Scan(&record.RunID, &snapshot, &record.UpdatedAt); err != nil {
		return TransferRecord{}, err
	}
	if err := json.Unmarshal([]byte(snapshot), &record.Transfer); err != nil {
		return TransferRecord{}, fmt.Errorf("decode transfer snapshot: %w", err)
	}
	return record, nil
}
